package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/paid-dev/paid-engine/internal/githubapi"
	"github.com/paid-dev/paid-engine/internal/githubsync"
	"github.com/paid-dev/paid-engine/internal/store"
)

// FetchIssuesInput identifies the project to sync.
type FetchIssuesInput struct {
	ProjectID int64 `json:"project_id"`
}

// ActionableIssue is one issue ready for an agent run.
type ActionableIssue struct {
	IssueID     int64  `json:"issue_id"`
	IssueNumber int    `json:"issue_number"`
	Stage       string `json:"stage"`
}

// FetchIssuesOutput reports the sync pass and the issues worth running on.
type FetchIssuesOutput struct {
	Synced     int               `json:"synced"`
	Untrusted  int               `json:"untrusted"`
	Closed     int               `json:"closed"`
	Actionable []ActionableIssue `json:"actionable,omitempty"`
}

// FetchIssues mirrors the project's labeled issues into the store and returns
// the ones in state new with a trigger label. A rate-limited API surfaces as
// a typed application error so the workflow can back off until the reset.
func (a *Activities) FetchIssues(ctx context.Context, in FetchIssuesInput) (*FetchIssuesOutput, error) {
	project, err := a.store.GetProject(in.ProjectID)
	if err != nil {
		return nil, err
	}
	gh, err := a.githubFor(project)
	if err != nil {
		return nil, err
	}

	syncer := githubsync.New(a.store, gh, a.log)
	summary, err := syncer.FetchIssues(ctx, project)
	if err != nil {
		var rle *githubapi.RateLimitError
		if errors.As(err, &rle) {
			return nil, temporal.NewApplicationError(rle.Error(), "RateLimit", rle.ResetAt)
		}
		return nil, err
	}

	out := &FetchIssuesOutput{Synced: summary.Synced, Untrusted: summary.Untrusted, Closed: summary.Closed}
	issues, err := a.store.OpenIssues(project.ID)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if issue.IsPullRequest || issue.PaidState != store.PaidStateNew {
			continue
		}
		stage := githubsync.DetectStage(project, issue)
		if stage == "" {
			continue
		}
		out.Actionable = append(out.Actionable, ActionableIssue{
			IssueID:     issue.ID,
			IssueNumber: issue.GithubNumber,
			Stage:       stage,
		})
	}
	return out, nil
}

// ScanPaidPrsInput identifies the project to scan.
type ScanPaidPrsInput struct {
	ProjectID int64 `json:"project_id"`
}

// ScanPaidPrsOutput lists the PRs that earned a follow-up run.
type ScanPaidPrsOutput struct {
	Candidates []githubsync.PRCandidate `json:"candidates,omitempty"`
}

// ScanPaidPrs inspects open engine-generated PRs for actionable feedback.
func (a *Activities) ScanPaidPrs(ctx context.Context, in ScanPaidPrsInput) (*ScanPaidPrsOutput, error) {
	project, err := a.store.GetProject(in.ProjectID)
	if err != nil {
		return nil, err
	}
	gh, err := a.githubFor(project)
	if err != nil {
		return nil, err
	}

	syncer := githubsync.New(a.store, gh, a.log)
	candidates, err := syncer.ScanPaidPrs(ctx, project)
	if err != nil {
		var rle *githubapi.RateLimitError
		if errors.As(err, &rle) {
			return nil, temporal.NewApplicationError(rle.Error(), "RateLimit", rle.ResetAt)
		}
		return nil, err
	}
	return &ScanPaidPrsOutput{Candidates: candidates}, nil
}

// GetPollIntervalInput identifies the polled project.
type GetPollIntervalInput struct {
	ProjectID int64 `json:"project_id"`
}

// GetPollIntervalOutput reports the sleep interval and whether polling should
// continue at all.
type GetPollIntervalOutput struct {
	Seconds int  `json:"seconds"`
	Active  bool `json:"active"`
}

// GetPollInterval returns the project's current poll interval. A deactivated
// or deleted project reports Active false, which terminates the poll loop
// cleanly instead of erroring forever.
func (a *Activities) GetPollInterval(ctx context.Context, in GetPollIntervalInput) (*GetPollIntervalOutput, error) {
	project, err := a.store.GetProject(in.ProjectID)
	if err != nil {
		var nfe *store.NotFoundError
		if errors.As(err, &nfe) {
			return &GetPollIntervalOutput{Active: false}, nil
		}
		return nil, err
	}
	if !project.Active {
		return &GetPollIntervalOutput{Active: false}, nil
	}
	seconds := project.PollIntervalSeconds
	if seconds <= 0 {
		seconds = 300
	}
	return &GetPollIntervalOutput{Seconds: seconds, Active: true}, nil
}

// RecordPrFollowupInput identifies the PR mirror issue whose budget is spent.
type RecordPrFollowupInput struct {
	IssueID int64 `json:"issue_id"`
}

// RecordPrFollowupOutput reports the follow-up ordinal just consumed.
type RecordPrFollowupOutput struct {
	Count int `json:"count"`
}

// RecordPrFollowup increments the PR's follow-up counter and returns the new
// value. The scanner stops producing candidates once the project budget is
// exhausted; the ordinal also keys the follow-up workflow id.
func (a *Activities) RecordPrFollowup(ctx context.Context, in RecordPrFollowupInput) (*RecordPrFollowupOutput, error) {
	if err := a.store.IncrementPRFollowupCount(in.IssueID); err != nil {
		return nil, err
	}
	issue, err := a.store.GetIssue(in.IssueID)
	if err != nil {
		return nil, err
	}
	return &RecordPrFollowupOutput{Count: issue.PRFollowupCount}, nil
}
