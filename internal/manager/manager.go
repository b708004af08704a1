// Package manager starts and stops the per-project poll workflows. The
// durable engine owns workflow lifecycle; the manager only issues idempotent
// start and cancel requests against deterministic workflow ids.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/paid-dev/paid-engine/internal/store"
	"github.com/paid-dev/paid-engine/internal/workflows"
)

// TemporalClient is the client surface the manager needs. client.Client
// satisfies it.
type TemporalClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	CancelWorkflow(ctx context.Context, workflowID, runID string) error
}

// ProjectWorkflowManager controls the poll loop of each project.
type ProjectWorkflowManager struct {
	temporal  TemporalClient
	store     *store.Store
	taskQueue string
	log       *slog.Logger
}

// New creates a manager bound to a task queue.
func New(tc TemporalClient, st *store.Store, taskQueue string, logger *slog.Logger) *ProjectWorkflowManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectWorkflowManager{temporal: tc, store: st, taskQueue: taskQueue, log: logger}
}

// StartPolling starts the project's poll workflow. A loop that is already
// running is success: the workflow id is the singleton key.
func (m *ProjectWorkflowManager) StartPolling(ctx context.Context, projectID int64) error {
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if !project.Active {
		return fmt.Errorf("project %d is not active", projectID)
	}

	workflowID := workflows.GitHubPollWorkflowID(projectID)
	_, err = m.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             m.taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, workflows.GitHubPollWorkflow, workflows.GitHubPollInput{ProjectID: projectID})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			m.log.Info("poll workflow already running", "workflow_id", workflowID)
			return nil
		}
		return fmt.Errorf("failed to start poll workflow %s: %w", workflowID, err)
	}

	m.log.Info("poll workflow started", "workflow_id", workflowID, "project_id", projectID)
	return nil
}

// StopPolling cancels the project's poll workflow. A loop that is not running
// is success.
func (m *ProjectWorkflowManager) StopPolling(ctx context.Context, projectID int64) error {
	workflowID := workflows.GitHubPollWorkflowID(projectID)
	err := m.temporal.CancelWorkflow(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			m.log.Info("poll workflow not running", "workflow_id", workflowID)
			return nil
		}
		return fmt.Errorf("failed to cancel poll workflow %s: %w", workflowID, err)
	}

	m.log.Info("poll workflow cancelled", "workflow_id", workflowID, "project_id", projectID)
	return nil
}

// StartAll starts polling for every active project. Failures are collected,
// not fatal: one broken project must not block the rest.
func (m *ProjectWorkflowManager) StartAll(ctx context.Context) error {
	projects, err := m.store.ActiveProjects()
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range projects {
		if err := m.StartPolling(ctx, p.ID); err != nil {
			m.log.Error("failed to start polling", "project_id", p.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
