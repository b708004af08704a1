package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paid-dev/paid-engine/internal/githubapi"
	"github.com/paid-dev/paid-engine/internal/githubsync"
	"github.com/paid-dev/paid-engine/internal/prompt"
	"github.com/paid-dev/paid-engine/internal/store"
)

// PreparePrPromptInput carries the scanner triggers into prompt construction.
type PreparePrPromptInput struct {
	RunID     int64                `json:"run_id"`
	Triggers  []githubsync.Trigger `json:"triggers,omitempty"`
	Conflicts bool                 `json:"conflicts,omitempty"` // automatic rebase hit conflicts
}

// PreparePrPromptOutput reports what went into the prompt. ThreadIDs feed the
// resolve step after the agent pushes.
type PreparePrPromptOutput struct {
	PromptLength int      `json:"prompt_length"`
	ThreadIDs    []string `json:"thread_ids,omitempty"`
}

// PreparePrPrompt gathers a PR's actionable feedback, renders the follow-up
// prompt, and stores it as the run's custom prompt. Feedback is re-fetched
// here rather than trusted from the scan: the scan may be minutes old.
func (a *Activities) PreparePrPrompt(ctx context.Context, in PreparePrPromptInput) (*PreparePrPromptOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}
	if !run.PRFollowup() {
		return nil, fmt.Errorf("run %d is not a PR follow-up", run.ID)
	}
	prNumber := *run.SourcePullRequestNumber

	gh, err := a.githubFor(project)
	if err != nil {
		return nil, err
	}
	pr, err := gh.PullRequest(ctx, project.Owner, project.Repo, prNumber)
	if err != nil {
		return nil, err
	}

	prIn := prompt.PRInput{
		PRNumber:       prNumber,
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		BaseBranch:     pr.GetBase().GetRef(),
		Language:       project.DetectedLanguage,
		MergeConflicts: in.Conflicts,
	}
	if prIn.BaseBranch == "" {
		prIn.BaseBranch = project.DefaultBranch
	}

	for _, trig := range in.Triggers {
		switch trig.Type {
		case "ci_failure":
			prIn.CIFailures = trig.Details
		case "merge_conflicts":
			prIn.MergeConflicts = true
		}
	}

	var threadIDs []string
	if threads, err := gh.ReviewThreads(ctx, project.Owner, project.Repo, prNumber); err == nil {
		for _, th := range threads {
			if th.IsResolved || !threadHasTrustedComment(th, project) {
				continue
			}
			prIn.ReviewThreads = append(prIn.ReviewThreads, th)
			threadIDs = append(threadIDs, th.ID)
		}
	} else {
		a.log.Warn("failed to fetch review threads", "pr", prNumber, "error", err)
	}

	var watermark time.Time
	if last, err := a.store.LastCompletedRunForPR(project.ID, prNumber); err == nil && last != nil && last.CompletedAt != nil {
		watermark = *last.CompletedAt
	}
	if comments, err := gh.IssueComments(ctx, project.Owner, project.Repo, prNumber); err == nil {
		var conv []prompt.ConversationComment
		for _, c := range comments {
			conv = append(conv, prompt.ConversationComment{
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		prIn.Comments = prompt.FilterConversationComments(conv, project.TrustedUser, watermark)
	} else {
		a.log.Warn("failed to fetch conversation comments", "pr", prNumber, "error", err)
	}

	// The linked issue section applies only when the run traces back to a
	// real issue, not to the PR's own mirror row.
	if run.IssueID != nil {
		if issue, err := a.store.GetIssue(*run.IssueID); err == nil && !issue.IsPullRequest {
			prIn.IssueNumber = int64(issue.GithubNumber)
			prIn.IssueTitle = issue.Title
			if issue.Body != nil {
				prIn.IssueBody = *issue.Body
			}
		}
	}

	text := prompt.BuildPRPrompt(prIn)
	if err := a.store.UpdateAgentRun(run.ID, map[string]any{"custom_prompt": text}); err != nil {
		return nil, err
	}
	return &PreparePrPromptOutput{PromptLength: len(text), ThreadIDs: threadIDs}, nil
}

func threadHasTrustedComment(th githubapi.ReviewThread, project *store.Project) bool {
	for _, c := range th.Comments {
		if !prompt.IsBot(c.Author) && project.TrustedUser(c.Author) {
			return true
		}
	}
	return false
}

// CreatePullRequestInput identifies the run to open a PR for.
type CreatePullRequestInput struct {
	RunID int64 `json:"run_id"`
}

// CreatePullRequestOutput reports the PR the run produced.
type CreatePullRequestOutput struct {
	PRNumber int    `json:"pr_number"`
	PRURL    string `json:"pr_url"`
}

// CreatePullRequest opens the PR for a new-issue run, labels it as
// engine-generated, and moves the run to completed. A retry that finds the PR
// already recorded on the run returns it instead of opening a duplicate.
func (a *Activities) CreatePullRequest(ctx context.Context, in CreatePullRequestInput) (*CreatePullRequestOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}
	if run.PullRequestNumber != nil {
		return &CreatePullRequestOutput{PRNumber: *run.PullRequestNumber, PRURL: run.PullRequestURL}, nil
	}
	if run.BranchName == "" {
		return nil, fmt.Errorf("run %d has no branch to open a PR from", run.ID)
	}

	title, body := prContent(run, a.issueForRun(run))

	gh, err := a.githubFor(project)
	if err != nil {
		return nil, err
	}
	pr, err := gh.CreatePullRequest(ctx, project.Owner, project.Repo, title, run.BranchName, project.DefaultBranch, body)
	if err != nil {
		return nil, err
	}

	// The scanner keys follow-up eligibility on this label. Creation
	// tolerates the label already existing.
	if err := gh.CreateLabel(ctx, project.Owner, project.Repo, githubsync.PaidGeneratedLabel, "5319e7"); err != nil {
		a.log.Warn("failed to ensure label", "label", githubsync.PaidGeneratedLabel, "error", err)
	}
	if err := gh.AddLabelsToIssue(ctx, project.Owner, project.Repo, pr.GetNumber(), []string{githubsync.PaidGeneratedLabel}); err != nil {
		a.log.Warn("failed to label pull request", "pr", pr.GetNumber(), "error", err)
	}

	if err := a.store.UpdateAgentRun(run.ID, map[string]any{
		"pull_request_url":    pr.GetHTMLURL(),
		"pull_request_number": pr.GetNumber(),
	}); err != nil {
		return nil, err
	}
	if err := a.store.TransitionRun(run.ID, store.RunCompleted, nil); err != nil {
		return nil, err
	}

	a.log.Info("pull request created", "run_id", run.ID, "pr", pr.GetNumber(), "url", pr.GetHTMLURL())
	return &CreatePullRequestOutput{PRNumber: pr.GetNumber(), PRURL: pr.GetHTMLURL()}, nil
}

func (a *Activities) issueForRun(run *store.AgentRun) *store.Issue {
	if run.IssueID == nil {
		return nil
	}
	issue, err := a.store.GetIssue(*run.IssueID)
	if err != nil || issue.IsPullRequest {
		return nil
	}
	return issue
}

// prContent builds the PR title and body. Issue runs link back with a
// closing keyword so the merge closes the issue.
func prContent(run *store.AgentRun, issue *store.Issue) (string, string) {
	if issue != nil {
		title := fmt.Sprintf("Fix #%d: %s", issue.GithubNumber, issue.Title)
		body := fmt.Sprintf("Closes #%d\n\nAutomated changes for the linked issue.", issue.GithubNumber)
		return title, body
	}
	summary := strings.TrimSpace(run.CustomPrompt)
	if len(summary) > 60 {
		summary = summary[:60]
	}
	if summary == "" {
		summary = fmt.Sprintf("Automated changes (run %d)", run.ID)
	}
	return summary, "Automated changes."
}

// UpdateIssueWithPRInput links the created PR back to its issue.
type UpdateIssueWithPRInput struct {
	RunID int64  `json:"run_id"`
	PRURL string `json:"pr_url"`
}

// UpdateIssueWithPR comments the PR link on the source issue, removes the
// trigger labels so the poll loop does not pick the issue up again, and marks
// the issue completed. Label removal tolerates labels already gone.
func (a *Activities) UpdateIssueWithPR(ctx context.Context, in UpdateIssueWithPRInput) error {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return err
	}
	issue := a.issueForRun(run)
	if issue == nil {
		return nil
	}

	gh, err := a.githubFor(project)
	if err != nil {
		return err
	}
	if err := gh.AddComment(ctx, project.Owner, project.Repo, issue.GithubNumber,
		"Pull request created: "+in.PRURL); err != nil {
		a.log.Warn("failed to comment PR link", "issue", issue.GithubNumber, "error", err)
	}
	for _, label := range project.TriggerLabels() {
		if err := gh.RemoveLabelFromIssue(ctx, project.Owner, project.Repo, issue.GithubNumber, label); err != nil {
			a.log.Warn("failed to remove trigger label", "issue", issue.GithubNumber, "label", label, "error", err)
		}
	}
	return a.store.SetIssuePaidState(issue.ID, store.PaidStateCompleted)
}

// ResolveReviewThreadsInput lists the threads the follow-up addressed.
type ResolveReviewThreadsInput struct {
	RunID     int64    `json:"run_id"`
	ThreadIDs []string `json:"thread_ids"`
}

// ResolveReviewThreadsOutput counts the threads actually resolved.
type ResolveReviewThreadsOutput struct {
	Resolved int `json:"resolved"`
}

// ResolveReviewThreads marks the addressed review threads resolved, best
// effort: a thread that fails to resolve is logged and skipped.
func (a *Activities) ResolveReviewThreads(ctx context.Context, in ResolveReviewThreadsInput) (*ResolveReviewThreadsOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}
	if len(in.ThreadIDs) == 0 {
		return &ResolveReviewThreadsOutput{}, nil
	}
	gh, err := a.githubFor(project)
	if err != nil {
		return nil, err
	}

	resolved := 0
	for _, id := range in.ThreadIDs {
		if err := gh.ResolveReviewThread(ctx, id); err != nil {
			a.log.Warn("failed to resolve review thread", "run_id", run.ID, "thread_id", id, "error", err)
			continue
		}
		resolved++
	}
	return &ResolveReviewThreadsOutput{Resolved: resolved}, nil
}

// CompleteExistingPrRunInput identifies the follow-up run to finish.
type CompleteExistingPrRunInput struct {
	RunID int64 `json:"run_id"`
}

// CompleteExistingPrRun finishes a PR follow-up: comments on the PR and moves
// the run to completed. Tolerates runs already terminal.
func (a *Activities) CompleteExistingPrRun(ctx context.Context, in CompleteExistingPrRunInput) error {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return err
	}
	if !run.PRFollowup() {
		return fmt.Errorf("run %d is not a PR follow-up", run.ID)
	}

	gh, err := a.githubFor(project)
	if err != nil {
		return err
	}
	if err := gh.AddComment(ctx, project.Owner, project.Repo, *run.SourcePullRequestNumber,
		"Agent pushed updates to this PR."); err != nil {
		a.log.Warn("failed to comment on PR", "pr", *run.SourcePullRequestNumber, "error", err)
	}

	return a.MarkAgentRunComplete(ctx, MarkAgentRunCompleteInput{RunID: run.ID, Reason: "pr_followup_pushed"})
}
