// Package githubsync keeps the local issue mirror in step with GitHub and
// scans agent-generated pull requests for feedback worth a follow-up run.
package githubsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v70/github"

	"github.com/paid-dev/paid-engine/internal/githubapi"
	"github.com/paid-dev/paid-engine/internal/store"
)

const (
	// MaxPages caps issue pagination per sync; beyond it the sync stops
	// with a warning rather than hammering the API.
	MaxPages = 10

	// PaidGeneratedLabel marks pull requests opened by the engine.
	PaidGeneratedLabel = "paid-generated"
)

// GitHub is the client surface the syncer needs. *githubapi.Client
// satisfies it.
type GitHub interface {
	Issues(ctx context.Context, owner, repo string, labels []string, state string, page int) ([]*github.Issue, bool, error)
	PullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
	CheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]*github.CheckRun, error)
	ReviewThreads(ctx context.Context, owner, repo string, number int) ([]githubapi.ReviewThread, error)
	IssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, error)
	PullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error)
	RemoveLabelFromIssue(ctx context.Context, owner, repo string, number int, label string) error
}

// Syncer mirrors GitHub state into the store.
type Syncer struct {
	store *store.Store
	gh    GitHub
	log   *slog.Logger
}

// New creates a Syncer.
func New(st *store.Store, gh GitHub, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: st, gh: gh, log: logger}
}

// SyncSummary reports what one FetchIssues pass did.
type SyncSummary struct {
	Synced    int
	Untrusted int
	Closed    int
}

// FetchIssues pulls the project's labeled open issues page by page, upserts
// them locally, and closes local issues that disappeared from GitHub. Bodies
// of issues filed by untrusted authors are dropped before they are stored,
// so downstream prompt construction can never see them.
func (s *Syncer) FetchIssues(ctx context.Context, project *store.Project) (*SyncSummary, error) {
	labels := project.TriggerLabels()
	summary := &SyncSummary{}
	var seen []int64

	page := 1
	for {
		items, hasMore, err := s.gh.Issues(ctx, project.Owner, project.Repo, labels, "open", page)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues for %s: %w", project.FullName(), err)
		}

		for _, item := range items {
			up := store.IssueUpsert{
				GithubIssueID:      item.GetID(),
				GithubNumber:       item.GetNumber(),
				Title:              item.GetTitle(),
				Labels:             labelNames(item.Labels),
				IsPullRequest:      item.PullRequestLinks != nil,
				GithubCreatorLogin: item.GetUser().GetLogin(),
			}
			if project.TrustedUser(up.GithubCreatorLogin) {
				body := item.GetBody()
				up.Body = &body
			} else {
				summary.Untrusted++
				s.log.Warn("dropping body of issue from untrusted author",
					"key", "github_sync.untrusted_issue_skipped",
					"project", project.FullName(),
					"issue_number", up.GithubNumber,
					"author", up.GithubCreatorLogin)
			}

			if _, err := s.store.UpsertIssue(project.ID, up); err != nil {
				return nil, fmt.Errorf("failed to upsert issue #%d: %w", up.GithubNumber, err)
			}
			seen = append(seen, up.GithubIssueID)
			summary.Synced++
		}

		if !hasMore {
			break
		}
		page++
		if page > MaxPages {
			s.log.Warn("issue sync hit the pagination cap, stopping early",
				"project", project.FullName(), "max_pages", MaxPages)
			break
		}
	}

	closed, err := s.store.CloseIssuesExcept(project.ID, seen)
	if err != nil {
		return nil, fmt.Errorf("failed to close stale issues: %w", err)
	}
	summary.Closed = closed
	return summary, nil
}

// DetectStage maps an issue's labels onto the project's stage mapping.
// "build" outranks "plan" when both labels are present, and issues from
// untrusted authors never trigger anything.
func DetectStage(project *store.Project, issue *store.Issue) string {
	if !project.TrustedUser(issue.GithubCreatorLogin) {
		return ""
	}
	if label, ok := project.LabelMappings["build"]; ok && issue.HasLabel(label) {
		return "build"
	}
	if label, ok := project.LabelMappings["plan"]; ok && issue.HasLabel(label) {
		return "plan"
	}
	return ""
}

func labelNames(labels []*github.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.GetName())
	}
	return out
}
