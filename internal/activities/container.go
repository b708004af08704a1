package activities

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/paid-dev/paid-engine/internal/sandbox"
)

// ProvisionContainerInput identifies the run to provision for.
type ProvisionContainerInput struct {
	RunID int64 `json:"run_id"`
}

// ProvisionContainerOutput reports the container backing the run.
type ProvisionContainerOutput struct {
	ContainerID string `json:"container_id"`
}

// ProvisionContainer creates the hardened agent container for a run. A retry
// that finds a live container from the previous attempt reconnects instead of
// provisioning a second one. Provision failures are fatal for the run; the
// sandbox has already torn down its partial state.
func (a *Activities) ProvisionContainer(ctx context.Context, in ProvisionContainerInput) (*ProvisionContainerOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}

	sb := a.sandboxes(a.sinkFor(run.ID))

	if run.ContainerID != "" {
		if err := sb.Reconnect(ctx, run.ContainerID); err == nil {
			return &ProvisionContainerOutput{ContainerID: run.ContainerID}, nil
		}
		a.log.Info("previous container gone, provisioning fresh",
			"run_id", run.ID, "container_id", run.ContainerID)
	}

	proxyToken := run.ProxyToken
	if proxyToken == "" {
		proxyToken = uuid.NewString()
		if err := a.store.UpdateAgentRun(run.ID, map[string]any{"proxy_token": proxyToken}); err != nil {
			return nil, err
		}
	}

	// Firewall allow-list. A broken meta endpoint falls back to the pinned
	// CIDR set inside GithubCIDRs, so this never blocks provisioning.
	var cidrs []string
	if gh, err := a.githubFor(project); err == nil {
		cidrs = gh.GithubCIDRs(ctx)
	} else {
		a.log.Warn("github client unavailable, using fallback CIDRs",
			"project_id", project.ID, "error", err)
		cidrs = sandbox.DefaultGithubCIDRs
	}

	containerID, err := sb.Provision(ctx, sandbox.ProvisionInput{
		RunID:         run.ID,
		WorkspaceRoot: a.cfg.Workspace.Root,
		ProxyToken:    proxyToken,
		GithubCIDRs:   cidrs,
		Production:    a.cfg.Production(),
	})
	if err != nil {
		var pe *sandbox.ProvisionError
		if errors.As(err, &pe) {
			return nil, temporal.NewNonRetryableApplicationError(pe.Error(), "Provision", err)
		}
		return nil, err
	}

	if err := a.store.UpdateAgentRun(run.ID, map[string]any{"container_id": containerID}); err != nil {
		return nil, err
	}
	return &ProvisionContainerOutput{ContainerID: containerID}, nil
}

// CleanupContainerInput identifies the run whose container is torn down.
type CleanupContainerInput struct {
	RunID int64 `json:"run_id"`
}

// CleanupContainer force-removes the run's container and its workspace.
// Idempotent: a run without a container, or one whose container is already
// gone, is not an error.
func (a *Activities) CleanupContainer(ctx context.Context, in CleanupContainerInput) error {
	run, err := a.store.GetAgentRun(in.RunID)
	if err != nil {
		return err
	}
	if run.ContainerID == "" {
		return nil
	}

	sb := a.sandboxes(a.sinkFor(run.ID))
	if err := sb.Reconnect(ctx, run.ContainerID); err != nil {
		// Already removed by a previous attempt.
		a.log.Debug("container already gone", "run_id", run.ID, "container_id", run.ContainerID)
		return nil
	}
	return sb.Cleanup(ctx, true)
}
