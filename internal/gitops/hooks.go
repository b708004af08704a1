package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/paid-dev/paid-engine/internal/sandbox"
)

// hookWordPattern is the only shape a hook command word may take. Commands
// come from a fixed language table, so this is defense-in-depth rather than
// the primary barrier.
var hookWordPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-/.]+$`)

// validateHookCommand checks every whitespace-separated word of cmd.
func validateHookCommand(cmd string) error {
	for _, word := range strings.Fields(cmd) {
		if !hookWordPattern.MatchString(word) {
			return fmt.Errorf("hook command word %q contains forbidden characters", word)
		}
	}
	return nil
}

// hookScript renders the pre-commit hook body. Each command is guarded by a
// PATH check on its first word so repositories without the tool installed
// still commit.
func hookScript(lintCmd, testCmd string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	for _, cmd := range []string{lintCmd, testCmd} {
		if cmd == "" {
			continue
		}
		first := strings.Fields(cmd)[0]
		fmt.Fprintf(&sb, "if command -v %s >/dev/null 2>&1; then\n", first)
		fmt.Fprintf(&sb, "  %s || exit 1\n", cmd)
		sb.WriteString("fi\n")
	}
	return sb.String()
}

// InstallGitHooks writes a pre-commit hook running lint then tests. Invalid
// commands cause the install to be skipped with a warning; nothing is ever
// raised to the caller, and an existing hook is never overwritten.
func (g *Git) InstallGitHooks(ctx context.Context, lintCmd, testCmd string) {
	for _, cmd := range []string{lintCmd, testCmd} {
		if cmd == "" {
			continue
		}
		if err := validateHookCommand(cmd); err != nil {
			g.log.Warn("skipping git hook install", "error", err)
			g.sink.Append("system", "git hook install skipped: "+err.Error(),
				map[string]any{"key": "container_git.install_hooks_failed"})
			return
		}
	}

	// Respect a hook the repository already ships.
	if res, err := g.run(ctx, 10*time.Second, "test", "-f", ".git/hooks/pre-commit"); err == nil && res.ExitCode == 0 {
		g.log.Debug("pre-commit hook already present, not overwriting")
		return
	}

	// The hook body travels over stdin so no part of it is ever shell-parsed.
	res, err := g.exec.Execute(ctx, sandbox.ExecRequest{
		Shell:   "cat > .git/hooks/pre-commit && chmod +x .git/hooks/pre-commit",
		Stdin:   hookScript(lintCmd, testCmd),
		Timeout: 10 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		detail := ""
		if err != nil {
			detail = err.Error()
		} else {
			detail = strings.TrimSpace(res.Stderr)
		}
		g.log.Warn("git hook install failed", "detail", detail)
		g.sink.Append("system", "git hook install failed: "+detail,
			map[string]any{"key": "container_git.install_hooks_failed"})
	}
}
