// Package workflows defines the durable orchestrations of the engine: one
// execution workflow per agent run and one poll loop per project. Workflows
// hold no state of their own beyond activity results; every side effect lives
// in an activity so that replay stays deterministic.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/paid-dev/paid-engine/internal/activities"
	"github.com/paid-dev/paid-engine/internal/githubsync"
	"github.com/paid-dev/paid-engine/internal/store"
)

// acts is never dereferenced; it only names activity methods for the SDK.
var acts *activities.Activities

const (
	// AgentExecutionWorkflowType is the registered name of the run workflow.
	AgentExecutionWorkflowType = "AgentExecutionWorkflow"

	defaultActivityTimeout = 5 * time.Minute
	agentActivityTimeout   = 60 * time.Minute
	cleanupTimeout         = 2 * time.Minute
)

// AgentExecutionInput describes one agent run.
type AgentExecutionInput struct {
	ProjectID               int64                `json:"project_id"`
	IssueID                 *int64               `json:"issue_id,omitempty"`
	AgentType               store.AgentType      `json:"agent_type,omitempty"`
	SourcePullRequestNumber *int                 `json:"source_pull_request_number,omitempty"`
	CustomPrompt            string               `json:"custom_prompt,omitempty"`
	Triggers                []githubsync.Trigger `json:"triggers,omitempty"`
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: defaultActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
}

// AgentExecutionWorkflow drives one run end to end: create the run record,
// provision the container, prepare the workspace, execute the agent, then
// push and open (or update) the pull request. Container and worktree cleanup
// is guaranteed on every path, including failure and cancellation, via a
// disconnected context.
func AgentExecutionWorkflow(ctx workflow.Context, in AgentExecutionInput) (err error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	var created activities.CreateAgentRunOutput
	err = workflow.ExecuteActivity(ctx, acts.CreateAgentRun, activities.CreateAgentRunInput{
		ProjectID:               in.ProjectID,
		IssueID:                 in.IssueID,
		WorkflowID:              info.WorkflowExecution.ID,
		AgentType:               in.AgentType,
		SourcePullRequestNumber: in.SourcePullRequestNumber,
		CustomPrompt:            in.CustomPrompt,
	}).Get(ctx, &created)
	if err != nil {
		return err
	}
	runID := created.RunID

	recordState(ctx, info.WorkflowExecution.ID, store.WorkflowRunning, "")

	// Cleanup and terminal bookkeeping run even when the workflow context is
	// already cancelled or failing.
	defer func() {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
			StartToCloseTimeout: cleanupTimeout,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
		})

		status := store.WorkflowCompleted
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			status = store.WorkflowFailed
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				status = store.WorkflowCancelled
				if aerr := workflow.ExecuteActivity(dctx, acts.MarkAgentRunCancelled,
					activities.RunAgentInput{RunID: runID}).Get(dctx, nil); aerr != nil {
					logger.Error("failed to mark run cancelled", "run_id", runID, "error", aerr)
				}
			} else {
				if aerr := workflow.ExecuteActivity(dctx, acts.MarkAgentRunFailed,
					activities.MarkAgentRunFailedInput{RunID: runID, Error: errMsg}).Get(dctx, nil); aerr != nil {
					logger.Error("failed to mark run failed", "run_id", runID, "error", aerr)
				}
			}
		}

		cleanupFailed := false
		if aerr := workflow.ExecuteActivity(dctx, acts.CleanupContainer,
			activities.CleanupContainerInput{RunID: runID}).Get(dctx, nil); aerr != nil {
			cleanupFailed = true
			logger.Error("container cleanup failed", "run_id", runID, "error", aerr)
		}
		if aerr := workflow.ExecuteActivity(dctx, acts.CleanupWorktree,
			activities.CleanupWorktreeInput{RunID: runID, Failed: cleanupFailed}).Get(dctx, nil); aerr != nil {
			logger.Error("worktree cleanup failed", "run_id", runID, "error", aerr)
		}

		recordState(dctx, info.WorkflowExecution.ID, status, errMsg)
	}()

	if err = workflow.ExecuteActivity(ctx, acts.ProvisionContainer,
		activities.ProvisionContainerInput{RunID: runID}).Get(ctx, nil); err != nil {
		return err
	}

	if err = workflow.ExecuteActivity(ctx, acts.CloneRepo,
		activities.CloneRepoInput{RunID: runID}).Get(ctx, nil); err != nil {
		return err
	}

	// PR follow-ups rebase first; conflicts flow into the prompt instead of
	// failing the run.
	var threadIDs []string
	if created.PRFollowup {
		var rebase activities.RebaseBranchOutput
		if err = workflow.ExecuteActivity(ctx, acts.RebaseBranch,
			activities.RebaseBranchInput{RunID: runID}).Get(ctx, &rebase); err != nil {
			return err
		}
		var prep activities.PreparePrPromptOutput
		if err = workflow.ExecuteActivity(ctx, acts.PreparePrPrompt, activities.PreparePrPromptInput{
			RunID:     runID,
			Triggers:  in.Triggers,
			Conflicts: rebase.Conflicts,
		}).Get(ctx, &prep); err != nil {
			return err
		}
		threadIDs = prep.ThreadIDs
	}

	agentCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: agentActivityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	var result activities.RunAgentOutput
	if err = workflow.ExecuteActivity(agentCtx, acts.RunAgent,
		activities.RunAgentInput{RunID: runID}).Get(agentCtx, &result); err != nil {
		return err
	}

	if !result.HasChanges {
		logger.Info("agent produced no changes", "run_id", runID)
		return workflow.ExecuteActivity(ctx, acts.MarkAgentRunComplete,
			activities.MarkAgentRunCompleteInput{RunID: runID, Reason: "no_changes"}).Get(ctx, nil)
	}

	if err = workflow.ExecuteActivity(ctx, acts.PushBranch,
		activities.PushBranchInput{RunID: runID}).Get(ctx, nil); err != nil {
		return err
	}

	if created.PRFollowup {
		if len(threadIDs) > 0 {
			if aerr := workflow.ExecuteActivity(ctx, acts.ResolveReviewThreads, activities.ResolveReviewThreadsInput{
				RunID:     runID,
				ThreadIDs: threadIDs,
			}).Get(ctx, nil); aerr != nil {
				logger.Warn("failed to resolve review threads", "run_id", runID, "error", aerr)
			}
		}
		return workflow.ExecuteActivity(ctx, acts.CompleteExistingPrRun,
			activities.CompleteExistingPrRunInput{RunID: runID}).Get(ctx, nil)
	}

	var pr activities.CreatePullRequestOutput
	if err = workflow.ExecuteActivity(ctx, acts.CreatePullRequest,
		activities.CreatePullRequestInput{RunID: runID}).Get(ctx, &pr); err != nil {
		return err
	}
	return workflow.ExecuteActivity(ctx, acts.UpdateIssueWithPR,
		activities.UpdateIssueWithPRInput{RunID: runID, PRURL: pr.PRURL}).Get(ctx, nil)
}

// recordState mirrors the workflow status into the store, best effort.
func recordState(ctx workflow.Context, workflowID string, status store.WorkflowStatus, errMsg string) {
	started := workflow.GetInfo(ctx).WorkflowStartTime
	in := activities.RecordWorkflowStateInput{
		WorkflowID:   workflowID,
		WorkflowType: AgentExecutionWorkflowType,
		Status:       status,
		StartedAt:    &started,
		ErrorMessage: errMsg,
	}
	if status != store.WorkflowRunning {
		now := workflow.Now(ctx)
		in.CompletedAt = &now
	}
	if err := workflow.ExecuteActivity(ctx, acts.RecordWorkflowState, in).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("failed to record workflow state", "error", err)
	}
}

// AgentExecutionWorkflowID derives the deterministic child id for a run on an
// issue. One issue admits one in-flight run.
func AgentExecutionWorkflowID(projectID, issueID int64) string {
	return fmt.Sprintf("agent-exec-p%d-i%d", projectID, issueID)
}

// PRFollowupWorkflowID derives the child id for the nth follow-up on a PR.
func PRFollowupWorkflowID(projectID int64, prNumber, followup int) string {
	return fmt.Sprintf("agent-exec-p%d-pr%d-f%d", projectID, prNumber, followup)
}
