package githubsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/go-github/v70/github"

	"github.com/paid-dev/paid-engine/internal/prompt"
	"github.com/paid-dev/paid-engine/internal/store"
)

// Trigger names one reason a PR deserves a follow-up run.
type Trigger struct {
	Type    string   `json:"type"`
	Details []string `json:"details,omitempty"`
}

// PRCandidate is one PR the scanner wants a follow-up run for.
type PRCandidate struct {
	IssueID  int64     `json:"issue_id"`
	PRNumber int       `json:"pr_number"`
	Triggers []Trigger `json:"triggers"`
}

// failedConclusions are the check-run conclusions that count as CI failure.
var failedConclusions = map[string]bool{
	"failure":   true,
	"cancelled": true,
	"timed_out": true,
}

// ScanPaidPrs inspects open engine-generated PRs for actionable feedback. A
// PR is skipped while a run is already active on it or once its follow-up
// budget is spent. Individual signal errors are logged and that signal
// dropped; one broken API surface must not stall the whole scan.
func (s *Syncer) ScanPaidPrs(ctx context.Context, project *store.Project) ([]PRCandidate, error) {
	if !project.AutoScanPRs {
		return nil, nil
	}

	issues, err := s.store.OpenPullRequestIssues(project.ID)
	if err != nil {
		return nil, err
	}

	var out []PRCandidate
	for _, issue := range issues {
		if !issue.HasLabel(PaidGeneratedLabel) {
			continue
		}
		if active, err := s.store.ActiveRunForPR(project.ID, issue.GithubNumber); err == nil && active != nil {
			continue
		}
		if issue.PRFollowupCount >= project.MaxPRFollowupRuns {
			s.log.Debug("PR follow-up budget exhausted",
				"project", project.FullName(), "pr_number", issue.GithubNumber)
			continue
		}

		pr, err := s.gh.PullRequest(ctx, project.Owner, project.Repo, issue.GithubNumber)
		if err != nil {
			s.log.Warn("failed to fetch PR, skipping",
				"project", project.FullName(), "pr_number", issue.GithubNumber, "error", err)
			continue
		}

		var watermark time.Time
		if last, err := s.store.LastCompletedRunForPR(project.ID, issue.GithubNumber); err == nil && last != nil && last.CompletedAt != nil {
			watermark = *last.CompletedAt
		}

		triggers := s.collectTriggers(ctx, project, issue, pr, watermark)
		if len(triggers) == 0 {
			continue
		}

		out = append(out, PRCandidate{
			IssueID:  issue.ID,
			PRNumber: issue.GithubNumber,
			Triggers: triggers,
		})

		// Strip actionable labels now so the next scan does not re-fire
		// on the same signal.
		for _, trig := range triggers {
			if trig.Type != "actionable_labels" {
				continue
			}
			for _, label := range trig.Details {
				if err := s.gh.RemoveLabelFromIssue(ctx, project.Owner, project.Repo, issue.GithubNumber, label); err != nil {
					s.log.Warn("failed to remove action label",
						"pr_number", issue.GithubNumber, "label", label, "error", err)
				}
			}
		}
	}
	return out, nil
}

func (s *Syncer) collectTriggers(ctx context.Context, project *store.Project, issue *store.Issue, pr *github.PullRequest, watermark time.Time) []Trigger {
	var triggers []Trigger

	if t := s.ciFailureTrigger(ctx, project, pr); t != nil {
		triggers = append(triggers, *t)
	}
	if t := s.reviewThreadsTrigger(ctx, project, issue.GithubNumber); t != nil {
		triggers = append(triggers, *t)
	}
	if t := s.conversationTrigger(ctx, project, issue.GithubNumber, watermark); t != nil {
		triggers = append(triggers, *t)
	}
	if t := s.changesRequestedTrigger(ctx, project, issue.GithubNumber, watermark); t != nil {
		triggers = append(triggers, *t)
	}
	if t := actionableLabelsTrigger(project, issue); t != nil {
		triggers = append(triggers, *t)
	}
	if project.AutoFixMergeConflicts && pr.Mergeable != nil && !*pr.Mergeable {
		// A nil Mergeable means GitHub has not computed it yet; only a
		// definite false fires.
		triggers = append(triggers, Trigger{Type: "merge_conflicts"})
	}
	return triggers
}

// ciFailureTrigger fires when every check has finished and at least one
// failed. Pending checks (null conclusion) suppress the signal entirely.
func (s *Syncer) ciFailureTrigger(ctx context.Context, project *store.Project, pr *github.PullRequest) *Trigger {
	runs, err := s.gh.CheckRunsForRef(ctx, project.Owner, project.Repo, pr.GetHead().GetSHA())
	if err != nil {
		s.log.Warn("check runs unavailable", "pr_number", pr.GetNumber(), "error", err)
		return nil
	}
	if len(runs) == 0 {
		return nil
	}

	var failed []string
	for _, run := range runs {
		conclusion := run.GetConclusion()
		if conclusion == "" {
			return nil // still running
		}
		if failedConclusions[conclusion] {
			failed = append(failed, run.GetName())
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &Trigger{Type: "ci_failure", Details: failed}
}

func (s *Syncer) reviewThreadsTrigger(ctx context.Context, project *store.Project, prNumber int) *Trigger {
	threads, err := s.gh.ReviewThreads(ctx, project.Owner, project.Repo, prNumber)
	if err != nil {
		s.log.Warn("review threads unavailable", "pr_number", prNumber, "error", err)
		return nil
	}

	var ids []string
	for _, thread := range threads {
		if thread.IsResolved {
			continue
		}
		for _, c := range thread.Comments {
			if !prompt.IsBot(c.Author) && project.TrustedUser(c.Author) {
				ids = append(ids, thread.ID)
				break
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return &Trigger{Type: "review_threads", Details: ids}
}

func (s *Syncer) conversationTrigger(ctx context.Context, project *store.Project, prNumber int, watermark time.Time) *Trigger {
	comments, err := s.gh.IssueComments(ctx, project.Owner, project.Repo, prNumber)
	if err != nil {
		s.log.Warn("PR comments unavailable", "pr_number", prNumber, "error", err)
		return nil
	}

	converted := make([]prompt.ConversationComment, 0, len(comments))
	for _, c := range comments {
		converted = append(converted, prompt.ConversationComment{
			Author:    c.GetUser().GetLogin(),
			Body:      c.GetBody(),
			CreatedAt: c.GetCreatedAt().Time,
		})
	}
	kept := prompt.FilterConversationComments(converted, project.TrustedUser, watermark)
	if len(kept) == 0 {
		return nil
	}
	authors := make([]string, 0, len(kept))
	for _, c := range kept {
		authors = append(authors, c.Author)
	}
	return &Trigger{Type: "conversation_comments", Details: authors}
}

// changesRequestedTrigger fires when a trusted reviewer's latest review
// requests changes and postdates the last completed run.
func (s *Syncer) changesRequestedTrigger(ctx context.Context, project *store.Project, prNumber int, watermark time.Time) *Trigger {
	reviews, err := s.gh.PullRequestReviews(ctx, project.Owner, project.Repo, prNumber)
	if err != nil {
		s.log.Warn("PR reviews unavailable", "pr_number", prNumber, "error", err)
		return nil
	}

	latest := map[string]*github.PullRequestReview{}
	for _, review := range reviews {
		login := review.GetUser().GetLogin()
		if prompt.IsBot(login) || !project.TrustedUser(login) {
			continue
		}
		if prev, ok := latest[login]; !ok || review.GetSubmittedAt().Time.After(prev.GetSubmittedAt().Time) {
			latest[login] = review
		}
	}

	var who []string
	for login, review := range latest {
		if !strings.EqualFold(review.GetState(), "CHANGES_REQUESTED") {
			continue
		}
		if !watermark.IsZero() && !review.GetSubmittedAt().Time.After(watermark) {
			continue
		}
		who = append(who, login)
	}
	if len(who) == 0 {
		return nil
	}
	return &Trigger{Type: "changes_requested", Details: who}
}

func actionableLabelsTrigger(project *store.Project, issue *store.Issue) *Trigger {
	var present []string
	for _, label := range project.PRActionLabels {
		if issue.HasLabel(label) {
			present = append(present, label)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return &Trigger{Type: "actionable_labels", Details: present}
}
