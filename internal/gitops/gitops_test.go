package gitops

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/paid-dev/paid-engine/internal/sandbox"
)

// fakeExec replays scripted results keyed by a substring of the command.
type fakeExec struct {
	results  map[string]*sandbox.ExecResult
	commands []string
	stdins   []string
}

func newFakeExec() *fakeExec {
	return &fakeExec{results: map[string]*sandbox.ExecResult{}}
}

func (f *fakeExec) on(substr string, res *sandbox.ExecResult) { f.results[substr] = res }

func (f *fakeExec) Execute(_ context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	cmd := req.Shell
	if cmd == "" {
		cmd = strings.Join(req.Argv, " ")
	}
	f.commands = append(f.commands, cmd)
	f.stdins = append(f.stdins, req.Stdin)
	for substr, res := range f.results {
		if strings.Contains(cmd, substr) {
			return res, nil
		}
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *fakeExec) ran(substr string) bool {
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func TestCloneAndSetupBranch(t *testing.T) {
	fake := newFakeExec()
	fake.on("rev-parse --is-inside-work-tree", &sandbox.ExecResult{ExitCode: 128})
	fake.on("rev-parse HEAD", &sandbox.ExecResult{Stdout: "abc123def\n"})
	g := New(fake, nil, nil)

	in := CloneInput{Owner: "acme", Repo: "widgets", RunID: 5, IssueNumber: 42, IssueTitle: "Fix login bug"}
	res, err := g.CloneAndSetupBranch(context.Background(), in, "")
	if err != nil {
		t.Fatalf("CloneAndSetupBranch: %v", err)
	}

	if !fake.ran("clone https://github.com/acme/widgets.git .") {
		t.Error("repository was not cloned")
	}
	want := regexp.MustCompile(`^paid/42-fix-login-bug-[0-9a-f]{6}$`)
	if !want.MatchString(res.BranchName) {
		t.Errorf("branch = %q, want match %s", res.BranchName, want)
	}
	if res.BaseCommitSHA != "abc123def" {
		t.Errorf("base commit = %q", res.BaseCommitSHA)
	}
	if res.WorktreePath != "/workspace" {
		t.Errorf("worktree path = %q", res.WorktreePath)
	}
}

func TestCloneSkippedWhenWorkTreeExists(t *testing.T) {
	fake := newFakeExec()
	fake.on("rev-parse --is-inside-work-tree", &sandbox.ExecResult{Stdout: "true\n"})
	fake.on("rev-parse HEAD", &sandbox.ExecResult{Stdout: "abc\n"})
	g := New(fake, nil, nil)

	_, err := g.CloneAndSetupBranch(context.Background(), CloneInput{Owner: "a", Repo: "b", RunID: 1}, "paid/agent-1-aaaaaa")
	if err != nil {
		t.Fatalf("CloneAndSetupBranch: %v", err)
	}
	if fake.ran("clone") {
		t.Error("re-cloned an existing work tree")
	}
}

func TestBranchSlugShapes(t *testing.T) {
	long := strings.Repeat("very long title ", 10)
	cases := []struct {
		in   CloneInput
		want *regexp.Regexp
	}{
		{CloneInput{IssueNumber: 7, IssueTitle: "Add OAuth2 support!"}, regexp.MustCompile(`^paid/7-add-oauth2-support-[0-9a-f]{6}$`)},
		{CloneInput{CustomPrompt: "Refactor the billing module"}, regexp.MustCompile(`^paid/refactor-the-billing-module-[0-9a-f]{6}$`)},
		{CloneInput{RunID: 33}, regexp.MustCompile(`^paid/agent-33-[0-9a-f]{6}$`)},
		{CloneInput{IssueNumber: 9, IssueTitle: long}, regexp.MustCompile(`^paid/9-[a-z0-9-]{1,50}-[0-9a-f]{6}$`)},
	}
	for _, tc := range cases {
		got := BranchName(tc.in)
		if !tc.want.MatchString(got) {
			t.Errorf("BranchName(%+v) = %q, want match %s", tc.in, got, tc.want)
		}
		if idx := strings.LastIndex(got, "-"); len(got[len("paid/"):idx]) > maxSlugLen {
			t.Errorf("slug part of %q exceeds %d chars", got, maxSlugLen)
		}
	}
}

func TestCloneAndCheckoutBranchMergeBaseFallback(t *testing.T) {
	fake := newFakeExec()
	fake.on("rev-parse --is-inside-work-tree", &sandbox.ExecResult{Stdout: "true\n"})
	fake.on("merge-base", &sandbox.ExecResult{ExitCode: 1, Stderr: "fatal: no merge base"})
	fake.on("rev-parse HEAD", &sandbox.ExecResult{Stdout: "headsha\n"})
	g := New(fake, nil, nil)

	res, err := g.CloneAndCheckoutBranch(context.Background(), CloneInput{Owner: "a", Repo: "b"}, "paid/x-aaaaaa", "main")
	if err != nil {
		t.Fatalf("CloneAndCheckoutBranch: %v", err)
	}
	if res.BaseCommitSHA != "headsha" {
		t.Errorf("base = %q, want HEAD fallback", res.BaseCommitSHA)
	}
	if !fake.ran("checkout paid/x-aaaaaa") {
		t.Error("branch not checked out")
	}
}

func TestPushBranch(t *testing.T) {
	fake := newFakeExec()
	fake.on("rev-parse HEAD", &sandbox.ExecResult{Stdout: "pushed1\n"})
	g := New(fake, nil, nil)

	sha, err := g.PushBranch(context.Background(), "paid/42-fix-aaaaaa", false)
	if err != nil {
		t.Fatalf("PushBranch: %v", err)
	}
	if sha != "pushed1" {
		t.Errorf("result sha = %q", sha)
	}
	if !fake.ran("push --no-verify origin paid/42-fix-aaaaaa") {
		t.Errorf("push command wrong: %v", fake.commands)
	}
	if fake.ran("--force-with-lease") {
		t.Error("new-issue push must never force")
	}
}

func TestPushBranchForceWithLease(t *testing.T) {
	fake := newFakeExec()
	fake.on("rev-parse HEAD", &sandbox.ExecResult{Stdout: "pushed2\n"})
	g := New(fake, nil, nil)

	if _, err := g.PushBranch(context.Background(), "paid/pr-7-aaaaaa", true); err != nil {
		t.Fatalf("PushBranch: %v", err)
	}
	if !fake.ran("push --no-verify --force-with-lease origin paid/pr-7-aaaaaa") {
		t.Errorf("force-with-lease missing: %v", fake.commands)
	}
}

func TestPushBranchRejectsBlankBranch(t *testing.T) {
	g := New(newFakeExec(), nil, nil)
	if _, err := g.PushBranch(context.Background(), "  ", false); err == nil {
		t.Fatal("pushed with a blank branch name")
	}
}

func TestCommitUncommittedChanges(t *testing.T) {
	fake := newFakeExec()
	fake.on("status --porcelain", &sandbox.ExecResult{Stdout: " M main.go\n"})
	g := New(fake, nil, nil)

	committed, err := g.CommitUncommittedChanges(context.Background())
	if err != nil {
		t.Fatalf("CommitUncommittedChanges: %v", err)
	}
	if !committed {
		t.Error("dirty tree not committed")
	}
	if !fake.ran("commit --no-verify -m Apply agent changes") {
		t.Errorf("commit command wrong: %v", fake.commands)
	}

	// Clean tree: no commit.
	fake2 := newFakeExec()
	fake2.on("status --porcelain", &sandbox.ExecResult{Stdout: ""})
	g2 := New(fake2, nil, nil)
	committed, err = g2.CommitUncommittedChanges(context.Background())
	if err != nil || committed {
		t.Errorf("clean tree: committed=%v err=%v", committed, err)
	}
	if fake2.ran("git add") {
		t.Error("staged files on a clean tree")
	}
}

func TestHasChangesSince(t *testing.T) {
	fake := newFakeExec()
	fake.on("log --oneline", &sandbox.ExecResult{Stdout: "abc fix\n"})
	g := New(fake, nil, nil)
	if !g.HasChangesSince(context.Background(), "base1") {
		t.Error("commits after base not detected")
	}

	// No commits but a dirty tree still counts.
	fake2 := newFakeExec()
	fake2.on("log --oneline", &sandbox.ExecResult{Stdout: ""})
	fake2.on("status --porcelain", &sandbox.ExecResult{Stdout: "?? new.go\n"})
	if !New(fake2, nil, nil).HasChangesSince(context.Background(), "base1") {
		t.Error("dirty tree not detected")
	}

	// Nothing at all.
	fake3 := newFakeExec()
	if New(fake3, nil, nil).HasChangesSince(context.Background(), "base1") {
		t.Error("phantom changes reported")
	}
}

func TestRebaseOntoConflictAborts(t *testing.T) {
	fake := newFakeExec()
	fake.on("rebase origin/main", &sandbox.ExecResult{ExitCode: 1, Stderr: "CONFLICT (content): merge conflict in app.go"})
	g := New(fake, nil, nil)

	ok, err := g.RebaseOnto(context.Background(), "main")
	if err != nil {
		t.Fatalf("RebaseOnto: %v", err)
	}
	if ok {
		t.Error("conflicted rebase reported success")
	}
	if !fake.ran("rebase --abort") {
		t.Error("conflicted rebase not aborted")
	}
}

func TestRebaseOntoSuccess(t *testing.T) {
	fake := newFakeExec()
	g := New(fake, nil, nil)
	ok, err := g.RebaseOnto(context.Background(), "main")
	if err != nil || !ok {
		t.Fatalf("RebaseOnto: ok=%v err=%v", ok, err)
	}
	if !fake.ran("fetch origin main") {
		t.Error("base branch not fetched")
	}
}

func TestInstallGitHooksRejectsMetacharacters(t *testing.T) {
	fake := newFakeExec()
	sink := &recordingSink{}
	g := New(fake, sink, nil)

	g.InstallGitHooks(context.Background(), "echo; rm -rf /", "rspec")

	if fake.ran("pre-commit") {
		t.Error("hook written despite forbidden characters")
	}
	if n := sink.count("container_git.install_hooks_failed"); n != 1 {
		t.Errorf("install_hooks_failed warnings = %d, want 1", n)
	}
}

func TestInstallGitHooksWritesGuardedScript(t *testing.T) {
	fake := newFakeExec()
	fake.on("test -f .git/hooks/pre-commit", &sandbox.ExecResult{ExitCode: 1})
	g := New(fake, nil, nil)

	g.InstallGitHooks(context.Background(), "golangci-lint run", "go test ./...")

	var script string
	for i, c := range fake.commands {
		if strings.Contains(c, "cat > .git/hooks/pre-commit") {
			script = fake.stdins[i]
		}
	}
	if script == "" {
		t.Fatal("hook not written")
	}
	for _, want := range []string{
		"#!/bin/sh",
		"command -v golangci-lint",
		"golangci-lint run || exit 1",
		"go test ./... || exit 1",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("hook script missing %q:\n%s", want, script)
		}
	}
}

func TestInstallGitHooksNeverOverwrites(t *testing.T) {
	fake := newFakeExec()
	// test -f exits 0: a hook already exists.
	g := New(fake, nil, nil)
	g.InstallGitHooks(context.Background(), "rubocop", "rspec")
	if fake.ran("cat > .git/hooks/pre-commit") {
		t.Error("existing hook overwritten")
	}
}

// recordingSink counts entries by metadata key.
type recordingSink struct {
	keys []string
}

func (r *recordingSink) Append(_, _ string, metadata map[string]any) {
	if k, ok := metadata["key"].(string); ok {
		r.keys = append(r.keys, k)
	}
}

func (r *recordingSink) count(key string) int {
	n := 0
	for _, k := range r.keys {
		if k == key {
			n++
		}
	}
	return n
}
