package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/paid-dev/paid-engine/internal/agentharness"
	"github.com/paid-dev/paid-engine/internal/gitops"
	"github.com/paid-dev/paid-engine/internal/prompt"
	"github.com/paid-dev/paid-engine/internal/sandbox"
	"github.com/paid-dev/paid-engine/internal/store"
)

// CreateAgentRunInput identifies the work a new run is for.
type CreateAgentRunInput struct {
	ProjectID               int64           `json:"project_id"`
	IssueID                 *int64          `json:"issue_id,omitempty"`
	WorkflowID              string          `json:"workflow_id"`
	AgentType               store.AgentType `json:"agent_type,omitempty"`
	SourcePullRequestNumber *int            `json:"source_pull_request_number,omitempty"`
	CustomPrompt            string          `json:"custom_prompt,omitempty"`
}

// CreateAgentRunOutput reports the run the workflow now owns.
type CreateAgentRunOutput struct {
	RunID      int64           `json:"run_id"`
	AgentType  store.AgentType `json:"agent_type"`
	PRFollowup bool            `json:"pr_followup"`
}

// CreateAgentRun inserts the run record in status pending. The workflow id is
// the natural key, so a retried activity returns the run it created before
// instead of a duplicate. Linked issues move to in_progress.
func (a *Activities) CreateAgentRun(ctx context.Context, in CreateAgentRunInput) (*CreateAgentRunOutput, error) {
	run, err := a.store.CreateAgentRun(&store.AgentRun{
		ProjectID:               in.ProjectID,
		IssueID:                 in.IssueID,
		TemporalWorkflowID:      in.WorkflowID,
		AgentType:               in.AgentType,
		SourcePullRequestNumber: in.SourcePullRequestNumber,
		CustomPrompt:            in.CustomPrompt,
		ProxyToken:              uuid.NewString(),
	})
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return nil, temporal.NewNonRetryableApplicationError(conflict.Error(), "Conflict", err)
		}
		return nil, err
	}

	if run.IssueID != nil {
		if err := a.store.SetIssuePaidState(*run.IssueID, store.PaidStateInProgress); err != nil {
			return nil, err
		}
	}

	a.log.Info("agent run created",
		"run_id", run.ID, "project_id", run.ProjectID, "agent_type", run.AgentType,
		"pr_followup", run.PRFollowup())
	return &CreateAgentRunOutput{RunID: run.ID, AgentType: run.AgentType, PRFollowup: run.PRFollowup()}, nil
}

// RunAgentInput identifies the run to execute.
type RunAgentInput struct {
	RunID int64 `json:"run_id"`
}

// RunAgentOutput reports what the agent did. HasChanges drives the
// push-or-complete decision in the workflow.
type RunAgentOutput struct {
	HasChanges   bool   `json:"has_changes"`
	Summary      string `json:"summary,omitempty"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	CostCents    int64  `json:"cost_cents"`
}

// RunAgent moves the run to running, builds the prompt, executes the agent
// CLI inside the container with streaming logs, and records token usage. The
// run stays in running on success; a later activity marks the terminal state
// once the push or PR lands.
func (a *Activities) RunAgent(ctx context.Context, in RunAgentInput) (*RunAgentOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}

	if err := a.store.TransitionRun(run.ID, store.RunRunning, nil); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return nil, temporal.NewNonRetryableApplicationError(conflict.Error(), "Conflict", err)
		}
		return nil, err
	}

	harness, err := agentharness.ForType(run.AgentType)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "UnknownAgent", err)
	}

	promptText, err := a.promptForRun(run, project)
	if err != nil {
		a.failRun(run.ID, err.Error())
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "PromptRejected", err)
	}

	sb, err := a.reconnectedSandbox(ctx, run)
	if err != nil {
		return nil, err
	}

	cmd := harness.BuildCommand(agentharness.RunSpec{Prompt: promptText, DangerousMode: true})
	res, err := sb.Execute(ctx, sandbox.ExecRequest{
		Argv:   cmd.Argv,
		Stdin:  cmd.Stdin,
		Env:    cmd.Env,
		Stream: true,
	})
	if err != nil {
		var timeout *sandbox.TimeoutError
		if errors.As(err, &timeout) {
			msg := fmt.Sprintf("agent timed out after %s", timeout.Timeout)
			_ = a.store.UpdateAgentRun(run.ID, map[string]any{"error_message": msg})
			if terr := a.store.TransitionRun(run.ID, store.RunTimeout, nil); terr != nil {
				a.log.Warn("failed to mark run timed out", "run_id", run.ID, "error", terr)
			}
			a.markIssueState(run, store.PaidStateFailed)
			return nil, temporal.NewNonRetryableApplicationError(msg, "AgentTimeout", err)
		}
		return nil, err
	}

	parsed, err := harness.ParseOutput(res.ExitCode, res.Stdout, res.Stderr)
	if err != nil {
		return nil, err
	}

	costCents := int64(0)
	if parsed.TokensInput > 0 || parsed.TokensOutput > 0 {
		costCents, err = a.usage.Track(run.ID, project.ID, parsed.TokensInput, parsed.TokensOutput)
		if err != nil {
			a.log.Warn("failed to record usage", "run_id", run.ID, "error", err)
		}
	}

	if !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = fmt.Sprintf("Agent exited with code %d", parsed.ExitCode)
		}
		a.failRun(run.ID, msg)
		a.markIssueState(run, store.PaidStateFailed)
		return nil, temporal.NewNonRetryableApplicationError(msg, "AgentFailed", nil)
	}

	git := gitops.New(sb, a.sinkFor(run.ID), a.log)
	hasChanges := git.HasChangesSince(ctx, run.BaseCommitSHA)

	return &RunAgentOutput{
		HasChanges:   hasChanges,
		Summary:      parsed.Summary,
		TokensInput:  parsed.TokensInput,
		TokensOutput: parsed.TokensOutput,
		CostCents:    costCents,
	}, nil
}

// promptForRun picks the agent prompt: an explicit custom prompt wins, then a
// stored prompt version, then the built-in issue prompt. Issues from
// untrusted authors are rejected here as a second line of defense; ingestion
// already dropped their bodies.
func (a *Activities) promptForRun(run *store.AgentRun, project *store.Project) (string, error) {
	if run.CustomPrompt != "" {
		return run.CustomPrompt, nil
	}
	if run.IssueID == nil {
		return "", fmt.Errorf("run %d has neither custom prompt nor issue", run.ID)
	}

	issue, err := a.store.GetIssue(*run.IssueID)
	if err != nil {
		return "", err
	}
	trusted := project.TrustedUser(issue.GithubCreatorLogin)
	body := ""
	if issue.Body != nil {
		body = *issue.Body
	}

	if pv, err := a.store.ResolvePromptVersion(store.IssueImplementationSlug, project.AccountID, project.ID); err == nil && pv != nil {
		if !trusted {
			return "", &prompt.UntrustedIssueError{IssueNumber: int64(issue.GithubNumber), Author: issue.GithubCreatorLogin}
		}
		cmds := prompt.CommandsFor(project.DetectedLanguage)
		return pv.Render(map[string]string{
			"issue_number": fmt.Sprintf("%d", issue.GithubNumber),
			"issue_title":  issue.Title,
			"issue_body":   body,
			"language":     project.DetectedLanguage,
			"test_command": cmds.Test,
			"lint_command": cmds.Lint,
		}), nil
	}

	return prompt.BuildIssuePrompt(prompt.IssueInput{
		IssueNumber: int64(issue.GithubNumber),
		Title:       issue.Title,
		Body:        body,
		Author:      issue.GithubCreatorLogin,
		Trusted:     trusted,
		Language:    project.DetectedLanguage,
	})
}

// failRun records the error and moves the run to failed, tolerating runs that
// already reached a terminal state.
func (a *Activities) failRun(runID int64, msg string) {
	if err := a.store.UpdateAgentRun(runID, map[string]any{"error_message": msg}); err != nil {
		a.log.Warn("failed to record run error", "run_id", runID, "error", err)
	}
	if err := a.store.TransitionRun(runID, store.RunFailed, nil); err != nil {
		var conflict *store.ConflictError
		if !errors.As(err, &conflict) {
			a.log.Warn("failed to mark run failed", "run_id", runID, "error", err)
		}
	}
}

// markIssueState updates the linked issue's pipeline state, best effort.
func (a *Activities) markIssueState(run *store.AgentRun, state store.PaidState) {
	if run.IssueID == nil {
		return
	}
	if err := a.store.SetIssuePaidState(*run.IssueID, state); err != nil {
		a.log.Warn("failed to update issue state", "issue_id", *run.IssueID, "error", err)
	}
}

// MarkAgentRunCompleteInput carries the run and an optional reason.
type MarkAgentRunCompleteInput struct {
	RunID  int64  `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// MarkAgentRunComplete moves the run to completed. Called on the no-changes
// path and as the terminal step of custom-prompt runs. Tolerates runs already
// terminal so workflow retries stay idempotent.
func (a *Activities) MarkAgentRunComplete(ctx context.Context, in MarkAgentRunCompleteInput) error {
	run, err := a.store.GetAgentRun(in.RunID)
	if err != nil {
		return err
	}
	if err := a.store.TransitionRun(in.RunID, store.RunCompleted, nil); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			a.log.Warn("run already terminal", "run_id", in.RunID, "detail", conflict.Detail)
			return nil
		}
		return err
	}
	if in.Reason != "" {
		if err := a.store.AppendRunLog(in.RunID, store.LogSystem,
			"run completed: "+in.Reason, map[string]any{"key": "run.completed", "reason": in.Reason}); err != nil {
			a.log.Warn("failed to append completion log", "run_id", in.RunID, "error", err)
		}
	}
	a.markIssueState(run, store.PaidStateCompleted)
	return nil
}

// MarkAgentRunFailedInput carries the run and the failure message.
type MarkAgentRunFailedInput struct {
	RunID int64  `json:"run_id"`
	Error string `json:"error"`
}

// MarkAgentRunFailed moves the run to failed with the given message.
// Tolerates runs already terminal.
func (a *Activities) MarkAgentRunFailed(ctx context.Context, in MarkAgentRunFailedInput) error {
	run, err := a.store.GetAgentRun(in.RunID)
	if err != nil {
		return err
	}
	a.failRun(in.RunID, in.Error)
	a.markIssueState(run, store.PaidStateFailed)
	return nil
}

// MarkAgentRunCancelled moves the run to cancelled after a workflow
// cancellation. Tolerates runs already terminal.
func (a *Activities) MarkAgentRunCancelled(ctx context.Context, in RunAgentInput) error {
	if err := a.store.TransitionRun(in.RunID, store.RunCancelled, nil); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		return err
	}
	return nil
}

// RecordWorkflowStateInput mirrors one workflow run into the store.
type RecordWorkflowStateInput struct {
	WorkflowID   string               `json:"workflow_id"`
	WorkflowType string               `json:"workflow_type"`
	Status       store.WorkflowStatus `json:"status"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	InputData    string               `json:"input_data,omitempty"`
}

// RecordWorkflowState upserts the local mirror of a workflow run. The durable
// engine stays the source of truth; the mirror serves dashboards and the CLI.
func (a *Activities) RecordWorkflowState(ctx context.Context, in RecordWorkflowStateInput) error {
	return a.store.RecordWorkflowState(&store.WorkflowState{
		TemporalWorkflowID: in.WorkflowID,
		WorkflowType:       in.WorkflowType,
		Status:             in.Status,
		StartedAt:          in.StartedAt,
		CompletedAt:        in.CompletedAt,
		ErrorMessage:       in.ErrorMessage,
		InputData:          in.InputData,
	})
}
