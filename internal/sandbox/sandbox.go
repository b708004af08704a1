// Package sandbox creates, drives, and tears down the per-run OCI containers
// that agents execute in. Containers run with a read-only rootfs, dropped
// capabilities, CPU/memory/PID caps, and tmpfs scratch space; the only
// writable bind mount is the per-run workspace.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerAPI is the subset of the Docker engine client used by the sandbox.
// *client.Client satisfies it; tests provide fakes.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// LogSink receives run-scoped log entries (stdout/stderr chunks, system
// events). Implementations append to the run's AgentRunLog.
type LogSink interface {
	Append(logType string, content string, metadata map[string]any)
}

// NopSink discards all entries.
type NopSink struct{}

func (NopSink) Append(string, string, map[string]any) {}

// Sandbox manages one run's container.
type Sandbox struct {
	api  DockerAPI
	opts Options
	sink LogSink
	log  *slog.Logger

	containerID string
	hostWorkdir string
	autoWorkdir bool // workspace dir was created by Provision and is removed on Cleanup
}

// New creates a Sandbox using the given Docker API client. A nil sink
// discards logs.
func New(api DockerAPI, opts Options, sink LogSink, logger *slog.Logger) *Sandbox {
	opts.applyDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{api: api, opts: opts, sink: sink, log: logger}
}

// NewFromEnv creates a Sandbox backed by a real Docker daemon client.
func NewFromEnv(opts Options, sink LogSink, logger *slog.Logger) (*Sandbox, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return New(api, opts, sink, logger), nil
}

// ContainerID returns the id of the provisioned container, if any.
func (s *Sandbox) ContainerID() string { return s.containerID }

// autoWorkspaceLabel marks containers whose host workspace dir was created by
// Provision. Reconnect reads it back so a later Cleanup on a fresh instance
// still removes the dir.
const autoWorkspaceLabel = "paid.workspace.auto"

// Reconnect attaches the sandbox to an existing container from a previous
// activity attempt. The container must still exist. The workspace bind mount
// and its auto-created marker are recovered from the container so Cleanup
// behaves as if this instance had provisioned it.
func (s *Sandbox) Reconnect(ctx context.Context, containerID string) error {
	info, err := s.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	s.containerID = containerID
	for _, m := range info.Mounts {
		if m.Destination == s.opts.WorkspacePath {
			s.hostWorkdir = m.Source
		}
	}
	if info.Config != nil && info.Config.Labels[autoWorkspaceLabel] == "true" && s.hostWorkdir != "" {
		s.autoWorkdir = true
	}
	if info.State != nil && !info.State.Running {
		if err := s.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to restart container %s: %w", containerID, err)
		}
	}
	return nil
}

// ProvisionInput carries the per-run parameters.
type ProvisionInput struct {
	RunID         int64
	WorkspaceRoot string // host root for auto-created workspaces
	WorktreePath  string // pre-existing host path; empty means auto-create
	ProxyToken    string
	GithubCIDRs   []string // firewall allow-list; empty uses the fallback set
	Production    bool     // firewall apply failures are fatal in production
}

// Provision prepares the workspace, ensures the network, creates and starts
// the container, fixes workspace ownership, and applies firewall rules. Any
// failure triggers Cleanup before returning a ProvisionError.
func (s *Sandbox) Provision(ctx context.Context, in ProvisionInput) (string, error) {
	id, err := s.provision(ctx, in)
	if err != nil {
		s.sink.Append("system", "container provisioning failed: "+err.Error(),
			map[string]any{"key": "container.provision.failed"})
		if cerr := s.Cleanup(ctx, true); cerr != nil {
			s.log.Warn("cleanup after failed provision", "error", cerr)
		}
		return "", err
	}
	return id, nil
}

func (s *Sandbox) provision(ctx context.Context, in ProvisionInput) (string, error) {
	s.sink.Append("system", "provisioning container", map[string]any{"key": "container.provision.start"})

	if err := s.prepareWorkspace(in); err != nil {
		return "", &ProvisionError{Step: "workspace", Err: err}
	}

	if s.opts.AuthMode != AuthSubscription {
		if err := s.EnsureNetwork(ctx); err != nil {
			return "", &ProvisionError{Step: "network", Err: err}
		}
	}

	if err := s.createContainer(ctx, in); err != nil {
		return "", &ProvisionError{Step: "create", Err: err}
	}

	if err := s.api.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
		return "", &ProvisionError{Step: "start", Err: err}
	}

	// The workspace bind mount arrives owned by the host user; the agent
	// user must be able to write it.
	chown := []string{"chown", "-R", "agent:agent", s.opts.WorkspacePath}
	if res, err := s.execAsRoot(ctx, chown); err != nil {
		return "", &ProvisionError{Step: "chown", Err: err}
	} else if res.ExitCode != 0 {
		return "", &ProvisionError{Step: "chown",
			Err: fmt.Errorf("chown exited %d: %s", res.ExitCode, res.Stderr)}
	}

	if s.opts.AuthMode != AuthSubscription {
		if err := s.ApplyFirewallRules(ctx, in.GithubCIDRs); err != nil {
			if in.Production {
				return "", &ProvisionError{Step: "firewall", Err: err}
			}
			s.log.Warn("firewall apply failed, continuing in development", "error", err)
			s.sink.Append("system", "firewall apply failed: "+err.Error(),
				map[string]any{"key": "container.firewall.failed"})
		}
	}

	s.sink.Append("system", "container provisioned: "+s.containerID,
		map[string]any{"key": "container.provision.done"})
	return s.containerID, nil
}

func (s *Sandbox) prepareWorkspace(in ProvisionInput) error {
	if in.WorktreePath != "" {
		info, err := os.Stat(in.WorktreePath)
		if err != nil {
			return fmt.Errorf("worktree path not usable: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("worktree path is not a directory: %s", in.WorktreePath)
		}
		s.hostWorkdir = in.WorktreePath
		return nil
	}

	root := in.WorkspaceRoot
	if root == "" {
		root = "/var/paid/workspaces"
	}
	dir := filepath.Join(root, "runs", strconv.FormatInt(in.RunID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}
	s.hostWorkdir = dir
	s.autoWorkdir = true
	return nil
}

func (s *Sandbox) createContainer(ctx context.Context, in ProvisionInput) error {
	env := []string{
		"AGENT_RUN_ID=" + strconv.FormatInt(in.RunID, 10),
	}
	if s.opts.AuthMode == AuthAPIKey {
		proxyURL := fmt.Sprintf("http://%s:%d", s.opts.ProxyHost, s.opts.ProxyPort)
		env = append(env,
			"ANTHROPIC_BASE_URL="+proxyURL,
			"OPENAI_BASE_URL="+proxyURL,
			"PROXY_TOKEN="+in.ProxyToken,
			fmt.Sprintf("ANTHROPIC_CUSTOM_HEADERS=X-AGENT-RUN-ID: %d\nX-PROXY-TOKEN: %s", in.RunID, in.ProxyToken),
		)
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: s.hostWorkdir,
		Target: s.opts.WorkspacePath,
	}}
	if s.opts.AuthMode == AuthSubscription && s.opts.ClaudeConfigDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   s.opts.ClaudeConfigDir,
			Target:   "/home/agent/.claude-host",
			ReadOnly: true,
		})
	}

	pids := s.opts.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(s.opts.network()),
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		CapAdd:         strslice.StrSlice{"NET_RAW"}, // in-container iptables
		SecurityOpt:    []string{"no-new-privileges:true"},
		Mounts:         mounts,
		Tmpfs: map[string]string{
			"/tmp":               fmt.Sprintf("rw,size=%d,mode=1777", s.opts.TmpSizeBytes),
			"/home/agent/.cache": fmt.Sprintf("rw,size=%d,mode=0755", s.opts.CacheSizeBytes),
		},
		Resources: container.Resources{
			Memory:     s.opts.MemoryBytes,
			MemorySwap: s.opts.MemoryBytes, // swap disabled
			CPUQuota:   s.opts.CPUQuota,
			CPUPeriod:  s.opts.CPUPeriod,
			PidsLimit:  &pids,
		},
	}

	config := &container.Config{
		Image:      s.opts.Image,
		User:       s.opts.User,
		WorkingDir: s.opts.WorkspacePath,
		Env:        env,
		// Keep the container alive; all work happens via exec.
		Cmd: strslice.StrSlice{"tail", "-f", "/dev/null"},
		Labels: map[string]string{
			"paid.agent_run_id": strconv.FormatInt(in.RunID, 10),
			autoWorkspaceLabel:  strconv.FormatBool(s.autoWorkdir),
		},
	}

	name := fmt.Sprintf("paid-run-%d", in.RunID)
	created, err := s.api.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to create container: %w", err)
		}
		// Image missing locally: pull, then retry once.
		rc, perr := s.api.ImagePull(ctx, s.opts.Image, image.PullOptions{})
		if perr != nil {
			return fmt.Errorf("failed to pull image %s: %w", s.opts.Image, perr)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		created, err = s.api.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if err != nil {
			return fmt.Errorf("failed to create container after pull: %w", err)
		}
	}

	s.containerID = created.ID
	return nil
}

// Running refreshes container state and reports whether it is running.
func (s *Sandbox) Running(ctx context.Context) bool {
	if s.containerID == "" {
		return false
	}
	info, err := s.api.ContainerInspect(ctx, s.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

// Cleanup stops and deletes the container and removes the auto-created
// workspace dir. It is idempotent: a missing container or repeated calls are
// not errors. force skips the stop grace period.
func (s *Sandbox) Cleanup(ctx context.Context, force bool) error {
	var firstErr error

	if s.containerID != "" {
		grace := 10
		if force {
			grace = 0
		}
		if err := s.api.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &grace}); err != nil {
			if !errdefs.IsNotFound(err) {
				s.log.Warn("container stop failed, falling back to force remove",
					"container_id", s.containerID, "error", err)
			}
		}
		if err := s.api.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
			if !errdefs.IsNotFound(err) {
				firstErr = fmt.Errorf("failed to remove container %s: %w", s.containerID, err)
			}
		}
		if firstErr == nil {
			s.sink.Append("system", "container removed: "+s.containerID,
				map[string]any{"key": "container.cleanup.done"})
		}
		s.containerID = ""
	}

	if s.autoWorkdir && s.hostWorkdir != "" {
		if err := os.RemoveAll(s.hostWorkdir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove workspace dir: %w", err)
		}
		s.hostWorkdir = ""
		s.autoWorkdir = false
	}

	return firstErr
}
