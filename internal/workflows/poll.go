package workflows

import (
	"errors"
	"fmt"
	"time"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/paid-dev/paid-engine/internal/activities"
)

const (
	// GitHubPollWorkflowType is the registered name of the poll workflow.
	GitHubPollWorkflowType = "GitHubPollWorkflow"

	// maxPollIterations bounds event history before continue-as-new.
	maxPollIterations = 100
)

// GitHubPollInput identifies the polled project.
type GitHubPollInput struct {
	ProjectID int64 `json:"project_id"`
}

// GitHubPollWorkflowID is the singleton workflow id for a project's poll loop.
func GitHubPollWorkflowID(projectID int64) string {
	return fmt.Sprintf("github-poll-%d", projectID)
}

// GitHubPollWorkflow is the per-project poll loop: sync issues, spawn an
// execution workflow per actionable issue, scan engine PRs for follow-up
// work, sleep, repeat. Children are fire-and-forget; a slow agent run never
// delays the next poll. The loop exits cleanly when the project is
// deactivated or deleted, and continues-as-new periodically to keep history
// bounded.
func GitHubPollWorkflow(ctx workflow.Context, in GitHubPollInput) error {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	for i := 0; i < maxPollIterations; i++ {
		var interval activities.GetPollIntervalOutput
		if err := workflow.ExecuteActivity(ctx, acts.GetPollInterval,
			activities.GetPollIntervalInput{ProjectID: in.ProjectID}).Get(ctx, &interval); err != nil {
			return err
		}
		if !interval.Active {
			logger.Info("project inactive, stopping poll loop", "project_id", in.ProjectID)
			return nil
		}

		var fetched activities.FetchIssuesOutput
		if err := workflow.ExecuteActivity(ctx, acts.FetchIssues,
			activities.FetchIssuesInput{ProjectID: in.ProjectID}).Get(ctx, &fetched); err != nil {
			// Rate limits and transient API failures wait out one interval
			// instead of killing the loop.
			logger.Warn("issue sync failed, retrying next interval", "project_id", in.ProjectID, "error", err)
		} else {
			for _, issue := range fetched.Actionable {
				spawnRun(ctx, AgentExecutionWorkflowID(in.ProjectID, issue.IssueID), AgentExecutionInput{
					ProjectID: in.ProjectID,
					IssueID:   &issue.IssueID,
				})
			}
		}

		var scanned activities.ScanPaidPrsOutput
		if err := workflow.ExecuteActivity(ctx, acts.ScanPaidPrs,
			activities.ScanPaidPrsInput{ProjectID: in.ProjectID}).Get(ctx, &scanned); err != nil {
			logger.Warn("PR scan failed, retrying next interval", "project_id", in.ProjectID, "error", err)
		} else {
			for _, cand := range scanned.Candidates {
				// Burn budget before the child starts so a crash between the
				// two never yields unmetered follow-ups. A spawn failure then
				// overcounts by one, which errs on the capped side.
				var followup activities.RecordPrFollowupOutput
				if err := workflow.ExecuteActivity(ctx, acts.RecordPrFollowup,
					activities.RecordPrFollowupInput{IssueID: cand.IssueID}).Get(ctx, &followup); err != nil {
					logger.Warn("failed to record PR follow-up", "issue_id", cand.IssueID, "error", err)
					continue
				}
				prNumber := cand.PRNumber
				spawnRun(ctx, PRFollowupWorkflowID(in.ProjectID, cand.PRNumber, followup.Count), AgentExecutionInput{
					ProjectID:               in.ProjectID,
					IssueID:                 &cand.IssueID,
					SourcePullRequestNumber: &prNumber,
					Triggers:                cand.Triggers,
				})
			}
		}

		if err := workflow.Sleep(ctx, time.Duration(interval.Seconds)*time.Second); err != nil {
			return err
		}
	}

	return workflow.NewContinueAsNewError(ctx, GitHubPollWorkflow, in)
}

// spawnRun starts an execution child fire-and-forget: the poll loop waits
// only for the child to be admitted, and an id collision (the same work is
// already in flight) is not an error.
func spawnRun(ctx workflow.Context, workflowID string, in AgentExecutionInput) {
	logger := workflow.GetLogger(ctx)
	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        workflowID,
		ParentClosePolicy: enums.PARENT_CLOSE_POLICY_ABANDON,
	})
	future := workflow.ExecuteChildWorkflow(childCtx, AgentExecutionWorkflow, in)
	if err := future.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
		var already *temporal.ChildWorkflowExecutionAlreadyStartedError
		if errors.As(err, &already) {
			logger.Info("run already in flight", "workflow_id", workflowID)
			return
		}
		logger.Error("failed to start run workflow", "workflow_id", workflowID, "error", err)
	}
}
