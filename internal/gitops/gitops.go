// Package gitops runs git inside the agent container. No credentials ever
// touch the host: the container's git credential helper fetches tokens from
// the secrets proxy, so every operation here is an in-container exec.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paid-dev/paid-engine/internal/sandbox"
	"github.com/paid-dev/paid-engine/internal/store"
)

const (
	cloneTimeout = 120 * time.Second
	pushTimeout  = 60 * time.Second

	// maxSlugLen bounds the human-readable part of a branch name.
	maxSlugLen = 55
)

// Executor runs a command inside the run's container. *sandbox.Sandbox
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)
}

// Git performs repository operations inside one run's container.
type Git struct {
	exec Executor
	log  *slog.Logger
	sink sandbox.LogSink
}

// New creates a Git bound to the given executor. A nil sink discards logs.
func New(exec Executor, sink sandbox.LogSink, logger *slog.Logger) *Git {
	if sink == nil {
		sink = sandbox.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{exec: exec, sink: sink, log: logger}
}

func (g *Git) run(ctx context.Context, timeout time.Duration, argv ...string) (*sandbox.ExecResult, error) {
	res, err := g.exec.Execute(ctx, sandbox.ExecRequest{Argv: argv, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// git runs a git command and fails on a non-zero exit.
func (g *Git) git(ctx context.Context, timeout time.Duration, args ...string) (*sandbox.ExecResult, error) {
	argv := append([]string{"git"}, args...)
	res, err := g.run(ctx, timeout, argv...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("git %s exited %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// CloneInput identifies the repository and the naming material for the new
// branch.
type CloneInput struct {
	Owner        string
	Repo         string
	RunID        int64
	IssueNumber  int64  // 0 for custom-prompt runs
	IssueTitle   string
	CustomPrompt string
}

// CloneResult reports where the work tree ended up.
type CloneResult struct {
	BranchName    string
	BaseCommitSHA string
	WorktreePath  string
}

// insideWorkTree reports whether /workspace already holds a git work tree.
// Used for idempotency: activity retries must not re-clone.
func (g *Git) insideWorkTree(ctx context.Context) bool {
	res, err := g.run(ctx, 10*time.Second, "git", "rev-parse", "--is-inside-work-tree")
	return err == nil && res.ExitCode == 0
}

func (g *Git) clone(ctx context.Context, owner, repo string) error {
	if g.insideWorkTree(ctx) {
		g.log.Debug("workspace already cloned", "owner", owner, "repo", repo)
		return nil
	}
	url := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if _, err := g.git(ctx, cloneTimeout, "clone", url, "."); err != nil {
		return fmt.Errorf("failed to clone %s/%s: %w", owner, repo, err)
	}
	return nil
}

func (g *Git) headSHA(ctx context.Context) (string, error) {
	res, err := g.git(ctx, 10*time.Second, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// branchSlug builds the human-readable part of a branch name. Issue runs use
// the issue number plus the slugified title; custom-prompt runs slugify the
// prompt; everything else falls back to the run id.
func branchSlug(in CloneInput) string {
	var slug string
	switch {
	case in.IssueNumber > 0:
		slug = fmt.Sprintf("%d-%s", in.IssueNumber, truncate(store.Slugify(in.IssueTitle), 50))
	case in.CustomPrompt != "":
		slug = truncate(store.Slugify(in.CustomPrompt), 50)
	default:
		slug = fmt.Sprintf("agent-%d", in.RunID)
	}
	slug = strings.TrimSuffix(truncate(slug, maxSlugLen), "-")
	if slug == "" {
		slug = fmt.Sprintf("agent-%d", in.RunID)
	}
	return slug
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BranchName returns a fresh branch name for the given input, suffixed with
// six hex chars to keep retries collision-free.
func BranchName(in CloneInput) string {
	return fmt.Sprintf("paid/%s-%s", branchSlug(in), uuid.NewString()[:6])
}

// CloneAndSetupBranch clones the repository into the workspace (skipping when
// a work tree is already present) and creates a fresh branch. The returned
// base commit is the HEAD the branch started from.
func (g *Git) CloneAndSetupBranch(ctx context.Context, in CloneInput, branch string) (*CloneResult, error) {
	if err := g.clone(ctx, in.Owner, in.Repo); err != nil {
		return nil, err
	}
	if branch == "" {
		branch = BranchName(in)
	}
	if _, err := g.git(ctx, 30*time.Second, "checkout", "-B", branch); err != nil {
		return nil, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	base, err := g.headSHA(ctx)
	if err != nil {
		return nil, err
	}
	return &CloneResult{BranchName: branch, BaseCommitSHA: base, WorktreePath: "/workspace"}, nil
}

// CloneAndCheckoutBranch clones (idempotently) and checks out an existing
// branch, typically a PR head. The base commit is the merge-base with the
// default branch, falling back to HEAD when no merge-base can be computed.
func (g *Git) CloneAndCheckoutBranch(ctx context.Context, in CloneInput, branch, defaultBranch string) (*CloneResult, error) {
	if err := g.clone(ctx, in.Owner, in.Repo); err != nil {
		return nil, err
	}
	if _, err := g.git(ctx, 30*time.Second, "checkout", branch); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", branch, err)
	}

	base := ""
	if res, err := g.run(ctx, 10*time.Second, "git", "merge-base", defaultBranch, "HEAD"); err == nil && res.ExitCode == 0 {
		base = strings.TrimSpace(res.Stdout)
	}
	if base == "" {
		head, err := g.headSHA(ctx)
		if err != nil {
			return nil, err
		}
		base = head
	}
	return &CloneResult{BranchName: branch, BaseCommitSHA: base, WorktreePath: "/workspace"}, nil
}

// PushBranch pushes the branch to origin and returns the pushed HEAD SHA.
// forceWithLease is set for PR follow-up runs, which rewrite an existing
// remote branch; new-issue runs never force.
func (g *Git) PushBranch(ctx context.Context, branch string, forceWithLease bool) (string, error) {
	if strings.TrimSpace(branch) == "" {
		return "", fmt.Errorf("cannot push: branch name is blank")
	}
	args := []string{"push", "--no-verify"}
	if forceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, "origin", branch)
	if _, err := g.git(ctx, pushTimeout, args...); err != nil {
		return "", fmt.Errorf("failed to push %s: %w", branch, err)
	}
	sha, err := g.headSHA(ctx)
	if err != nil {
		return "", err
	}
	g.sink.Append("system", "pushed branch "+branch,
		map[string]any{"key": "container_git.pushed", "commit": sha})
	return sha, nil
}

// CommitUncommittedChanges commits anything the agent left in the working
// tree. Agents are told to commit themselves; this is the safety net for the
// ones that don't. Returns whether a commit was made.
func (g *Git) CommitUncommittedChanges(ctx context.Context) (bool, error) {
	status, err := g.git(ctx, 30*time.Second, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status.Stdout) == "" {
		return false, nil
	}
	if _, err := g.git(ctx, 30*time.Second, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := g.git(ctx, 30*time.Second, "commit", "--no-verify", "-m", "Apply agent changes"); err != nil {
		return false, err
	}
	return true, nil
}

// HasChangesSince reports whether any commits landed after base or the
// working tree is dirty. Exec failures read as "no changes" so that a flaky
// container can never fabricate a push.
func (g *Git) HasChangesSince(ctx context.Context, base string) bool {
	if res, err := g.run(ctx, 30*time.Second, "git", "log", "--oneline", base+"..HEAD"); err == nil &&
		res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "" {
		return true
	}
	res, err := g.run(ctx, 30*time.Second, "git", "status", "--porcelain")
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""
}

// HasChanges diffs against base when known, otherwise against HEAD.
func (g *Git) HasChanges(ctx context.Context, base string) bool {
	args := []string{"git", "diff", "--stat"}
	if base != "" {
		args = append(args, base, "HEAD")
	} else {
		args = append(args, "HEAD")
	}
	res, err := g.run(ctx, 30*time.Second, args...)
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""
}

// RebaseOnto rebases the current branch onto origin/<base>. Returns false
// when the rebase hit conflicts (after aborting it); the caller then hands
// conflict resolution to the agent instead.
func (g *Git) RebaseOnto(ctx context.Context, base string) (bool, error) {
	if _, err := g.git(ctx, 60*time.Second, "fetch", "origin", base); err != nil {
		return false, err
	}
	res, err := g.run(ctx, 60*time.Second, "git", "rebase", "origin/"+base)
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if strings.Contains(res.Stderr, "CONFLICT") || strings.Contains(res.Stdout, "CONFLICT") {
		// Best effort: leave the tree clean for the agent.
		_, _ = g.run(ctx, 30*time.Second, "git", "rebase", "--abort")
		g.sink.Append("system", "rebase onto "+base+" hit conflicts",
			map[string]any{"key": "container_git.rebase_conflict"})
		return false, nil
	}
	return false, fmt.Errorf("git rebase exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
}
