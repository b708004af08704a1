// Package activities implements the Temporal activities of the engine. Each
// activity is a small, idempotent unit: workflows pass plain record inputs,
// activities load the authoritative rows from the store, talk to Docker and
// GitHub, and write results back. Retried activities must converge on the
// same state, never duplicate it.
package activities

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v70/github"

	"github.com/paid-dev/paid-engine/internal/config"
	"github.com/paid-dev/paid-engine/internal/githubapi"
	"github.com/paid-dev/paid-engine/internal/githubsync"
	"github.com/paid-dev/paid-engine/internal/sandbox"
	"github.com/paid-dev/paid-engine/internal/store"
	"github.com/paid-dev/paid-engine/internal/usage"
)

// GitHub is the client surface the activities need. *githubapi.Client
// satisfies it; tests provide fakes.
type GitHub interface {
	githubsync.GitHub
	CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (*github.PullRequest, error)
	CreateLabel(ctx context.Context, owner, repo, name, color string) error
	AddLabelsToIssue(ctx context.Context, owner, repo string, number int, labels []string) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) error
	ResolveReviewThread(ctx context.Context, threadID string) error
	GithubCIDRs(ctx context.Context) []string
}

// Sandboxer is the container surface the activities need. *sandbox.Sandbox
// satisfies it.
type Sandboxer interface {
	Provision(ctx context.Context, in sandbox.ProvisionInput) (string, error)
	Reconnect(ctx context.Context, containerID string) error
	Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
	Cleanup(ctx context.Context, force bool) error
}

// GithubFactory builds a GitHub client for a decrypted token.
type GithubFactory func(token string) (GitHub, error)

// SandboxFactory builds a Sandboxer whose logs flow to the given sink.
type SandboxFactory func(sink sandbox.LogSink) Sandboxer

// Activities carries the shared dependencies. One instance is registered on
// the worker; all methods are safe for concurrent use.
type Activities struct {
	store     *store.Store
	cfg       *config.Config
	log       *slog.Logger
	usage     *usage.Tracker
	github    GithubFactory
	sandboxes SandboxFactory
}

// Option customizes an Activities instance.
type Option func(*Activities)

// WithGithubFactory overrides how GitHub clients are built.
func WithGithubFactory(f GithubFactory) Option {
	return func(a *Activities) { a.github = f }
}

// WithSandboxFactory overrides how sandboxes are built.
func WithSandboxFactory(f SandboxFactory) Option {
	return func(a *Activities) { a.sandboxes = f }
}

// New creates the activity set. Without options, GitHub clients are real
// githubapi clients and sandboxes talk to the given Docker API.
func New(st *store.Store, cfg *config.Config, docker sandbox.DockerAPI, logger *slog.Logger, opts ...Option) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Activities{
		store: st,
		cfg:   cfg,
		log:   logger,
		usage: usage.NewTracker(st, logger),
	}
	a.github = func(token string) (GitHub, error) {
		return githubapi.NewClient(token, logger)
	}
	a.sandboxes = func(sink sandbox.LogSink) Sandboxer {
		return sandbox.New(docker, a.sandboxOptions(), sink, logger)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// sandboxOptions maps engine configuration onto container options.
// Subscription auth mode engages when a host Claude config dir is set.
func (a *Activities) sandboxOptions() sandbox.Options {
	opts := sandbox.Options{
		Image:           a.cfg.Container.Image,
		MemoryBytes:     a.cfg.Container.MemoryBytes,
		CPUQuota:        a.cfg.Container.CPUQuota,
		CPUPeriod:       a.cfg.Container.CPUPeriod,
		PidsLimit:       a.cfg.Container.PidsLimit,
		ExecTimeout:     a.cfg.ExecTimeout(),
		ProxyHost:       a.cfg.Proxy.Host,
		ProxyPort:       a.cfg.Proxy.Port,
		InternalNetwork: a.cfg.Production(),
	}
	if a.cfg.Container.ClaudeConfigDir != "" {
		opts.AuthMode = sandbox.AuthSubscription
		opts.ClaudeConfigDir = a.cfg.Container.ClaudeConfigDir
	}
	return opts
}

// githubFor decrypts the project's token and builds a client around it.
func (a *Activities) githubFor(project *store.Project) (GitHub, error) {
	token, err := a.store.TokenValue(project.GithubTokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token for project %d: %w", project.ID, err)
	}
	return a.github(token)
}

// runAndProject loads a run plus its project.
func (a *Activities) runAndProject(runID int64) (*store.AgentRun, *store.Project, error) {
	run, err := a.store.GetAgentRun(runID)
	if err != nil {
		return nil, nil, err
	}
	project, err := a.store.GetProject(run.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return run, project, nil
}

// runLogSink streams sandbox output into the run's append-only log.
type runLogSink struct {
	store *store.Store
	runID int64
	log   *slog.Logger
}

func (s *runLogSink) Append(logType string, content string, metadata map[string]any) {
	if err := s.store.AppendRunLog(s.runID, store.LogType(logType), content, metadata); err != nil {
		s.log.Warn("failed to append run log", "run_id", s.runID, "error", err)
	}
}

// sinkFor returns the log sink for a run.
func (a *Activities) sinkFor(runID int64) sandbox.LogSink {
	return &runLogSink{store: a.store, runID: runID, log: a.log}
}

// reconnectedSandbox builds a sandbox attached to the run's container.
func (a *Activities) reconnectedSandbox(ctx context.Context, run *store.AgentRun) (Sandboxer, error) {
	if run.ContainerID == "" {
		return nil, fmt.Errorf("run %d has no container", run.ID)
	}
	sb := a.sandboxes(a.sinkFor(run.ID))
	if err := sb.Reconnect(ctx, run.ContainerID); err != nil {
		return nil, err
	}
	return sb, nil
}
