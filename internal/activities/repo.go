package activities

import (
	"context"
	"fmt"

	"github.com/paid-dev/paid-engine/internal/gitops"
	"github.com/paid-dev/paid-engine/internal/prompt"
	"github.com/paid-dev/paid-engine/internal/store"
)

// CloneRepoInput identifies the run whose workspace is prepared.
type CloneRepoInput struct {
	RunID int64 `json:"run_id"`
}

// CloneRepoOutput reports where the work tree ended up.
type CloneRepoOutput struct {
	BranchName    string `json:"branch_name"`
	BaseCommitSHA string `json:"base_commit_sha"`
}

// CloneRepo clones the project into the run's container and puts it on the
// right branch: a fresh paid/ branch for new-issue runs (plus the pre-commit
// hook), the existing PR head for follow-ups. Cloning is idempotent, and the
// branch name survives retries via the run row.
func (a *Activities) CloneRepo(ctx context.Context, in CloneRepoInput) (*CloneRepoOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}
	sb, err := a.reconnectedSandbox(ctx, run)
	if err != nil {
		return nil, err
	}
	git := gitops.New(sb, a.sinkFor(run.ID), a.log)

	cloneIn := gitops.CloneInput{
		Owner:        project.Owner,
		Repo:         project.Repo,
		RunID:        run.ID,
		CustomPrompt: run.CustomPrompt,
	}
	if run.IssueID != nil {
		issue, err := a.store.GetIssue(*run.IssueID)
		if err != nil {
			return nil, err
		}
		if !issue.IsPullRequest {
			cloneIn.IssueNumber = int64(issue.GithubNumber)
			cloneIn.IssueTitle = issue.Title
		}
	}

	var res *gitops.CloneResult
	if run.PRFollowup() {
		gh, err := a.githubFor(project)
		if err != nil {
			return nil, err
		}
		pr, err := gh.PullRequest(ctx, project.Owner, project.Repo, *run.SourcePullRequestNumber)
		if err != nil {
			return nil, err
		}
		head := pr.GetHead().GetRef()
		if head == "" {
			return nil, fmt.Errorf("pull request %d has no head ref", *run.SourcePullRequestNumber)
		}
		res, err = git.CloneAndCheckoutBranch(ctx, cloneIn, head, project.DefaultBranch)
		if err != nil {
			return nil, err
		}
	} else {
		branch := run.BranchName
		res, err = git.CloneAndSetupBranch(ctx, cloneIn, branch)
		if err != nil {
			return nil, err
		}
		cmds := prompt.CommandsFor(project.DetectedLanguage)
		git.InstallGitHooks(ctx, cmds.Lint, cmds.Test)
	}

	if _, err := a.store.ReclaimWorktree(project.ID, run.ID, res.BranchName, res.WorktreePath, res.BaseCommitSHA); err != nil {
		return nil, err
	}
	if err := a.store.UpdateAgentRun(run.ID, map[string]any{
		"branch_name":     res.BranchName,
		"base_commit_sha": res.BaseCommitSHA,
		"worktree_path":   res.WorktreePath,
	}); err != nil {
		return nil, err
	}

	return &CloneRepoOutput{BranchName: res.BranchName, BaseCommitSHA: res.BaseCommitSHA}, nil
}

// RebaseBranchInput identifies the PR follow-up run to rebase.
type RebaseBranchInput struct {
	RunID int64 `json:"run_id"`
}

// RebaseBranchOutput reports the rebase outcome. Conflicts are not an error:
// the workflow hands them to the agent via the follow-up prompt.
type RebaseBranchOutput struct {
	Rebased   bool `json:"rebased"`
	Conflicts bool `json:"conflicts"`
}

// RebaseBranch rebases a PR follow-up branch onto its base so the agent works
// against current code. New-issue runs are a no-op. Conflicts are reported,
// not resolved: the workflow hands them to the agent via the follow-up prompt.
func (a *Activities) RebaseBranch(ctx context.Context, in RebaseBranchInput) (*RebaseBranchOutput, error) {
	run, project, err := a.runAndProject(in.RunID)
	if err != nil {
		return nil, err
	}
	if !run.PRFollowup() {
		return &RebaseBranchOutput{}, nil
	}

	base := project.DefaultBranch
	if gh, err := a.githubFor(project); err == nil {
		if pr, err := gh.PullRequest(ctx, project.Owner, project.Repo, *run.SourcePullRequestNumber); err == nil {
			if ref := pr.GetBase().GetRef(); ref != "" {
				base = ref
			}
		}
	}

	sb, err := a.reconnectedSandbox(ctx, run)
	if err != nil {
		return nil, err
	}
	git := gitops.New(sb, a.sinkFor(run.ID), a.log)
	ok, err := git.RebaseOnto(ctx, base)
	if err != nil {
		return nil, err
	}
	return &RebaseBranchOutput{Rebased: ok, Conflicts: !ok}, nil
}

// PushBranchInput identifies the run whose branch is pushed.
type PushBranchInput struct {
	RunID int64 `json:"run_id"`
}

// PushBranchOutput reports the pushed HEAD.
type PushBranchOutput struct {
	CommitSHA string `json:"commit_sha"`
}

// PushBranch commits any changes the agent left uncommitted, then pushes the
// run's branch. Follow-up runs rewrite an existing remote branch and push
// with force-with-lease; new-issue runs never force.
func (a *Activities) PushBranch(ctx context.Context, in PushBranchInput) (*PushBranchOutput, error) {
	run, err := a.store.GetAgentRun(in.RunID)
	if err != nil {
		return nil, err
	}
	sb, err := a.reconnectedSandbox(ctx, run)
	if err != nil {
		return nil, err
	}
	git := gitops.New(sb, a.sinkFor(run.ID), a.log)

	if _, err := git.CommitUncommittedChanges(ctx); err != nil {
		return nil, err
	}
	sha, err := git.PushBranch(ctx, run.BranchName, run.PRFollowup())
	if err != nil {
		return nil, err
	}

	if wt, err := a.store.WorktreeForRun(run.ID); err == nil && wt != nil {
		if err := a.store.MarkWorktreePushed(wt.ID); err != nil {
			a.log.Warn("failed to mark worktree pushed", "worktree_id", wt.ID, "error", err)
		}
	}
	if err := a.store.UpdateAgentRun(run.ID, map[string]any{"result_commit_sha": sha}); err != nil {
		return nil, err
	}
	return &PushBranchOutput{CommitSHA: sha}, nil
}

// CleanupWorktreeInput identifies the run whose worktree record is closed.
type CleanupWorktreeInput struct {
	RunID  int64 `json:"run_id"`
	Failed bool  `json:"failed,omitempty"` // container teardown failed
}

// CleanupWorktree marks the run's worktree record cleaned (or cleanup_failed)
// after container teardown. A run without a worktree is a no-op.
func (a *Activities) CleanupWorktree(ctx context.Context, in CleanupWorktreeInput) error {
	wt, err := a.store.WorktreeForRun(in.RunID)
	if err != nil {
		return err
	}
	if wt == nil || wt.Status != store.WorktreeActive {
		return nil
	}
	return a.store.MarkWorktreeCleaned(wt.ID, !in.Failed)
}
