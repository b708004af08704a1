package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/paid-dev/paid-engine/internal/githubapi"
)

// minCommentLength filters out drive-by reactions ("thanks!", "+1") from
// conversation feedback.
const minCommentLength = 20

// IsBot reports whether a login belongs to an automation account. GitHub
// Apps end in "[bot]"; plenty of CI accounts just contain "bot".
func IsBot(login string) bool {
	lower := strings.ToLower(login)
	return strings.HasSuffix(lower, "[bot]") || strings.Contains(lower, "bot")
}

// ConversationComment is one issue-style comment on the PR.
type ConversationComment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// FilterConversationComments keeps comments from trusted non-bot users,
// posted strictly after the watermark, with substantive bodies.
func FilterConversationComments(comments []ConversationComment, trusted func(string) bool, since time.Time) []ConversationComment {
	var out []ConversationComment
	for _, c := range comments {
		if IsBot(c.Author) || !trusted(c.Author) {
			continue
		}
		if !since.IsZero() && !c.CreatedAt.After(since) {
			continue
		}
		if len(strings.TrimSpace(c.Body)) < minCommentLength {
			continue
		}
		out = append(out, c)
	}
	return out
}

// PRInput carries the feedback a PR follow-up prompt digests. Slices left
// empty simply omit their section.
type PRInput struct {
	PRNumber   int
	Title      string
	Body       string
	BaseBranch string

	// Linked issue, when the PR closes one.
	IssueNumber int64
	IssueTitle  string
	IssueBody   string

	MergeConflicts bool     // automatic rebase failed
	CIFailures     []string // names of failed check runs

	ReviewThreads []githubapi.ReviewThread // unresolved only
	Comments      []ConversationComment    // pre-filtered

	Language string
}

// BuildPRPrompt renders the prompt for a PR follow-up run. Sections appear
// only when they have content, and the instruction list is derived from
// which ones fired, ordered conflicts first.
func BuildPRPrompt(in PRInput) string {
	cmds := CommandsFor(in.Language)

	var sections []string
	var steps []string

	var task strings.Builder
	task.WriteString("# Task\n\n")
	fmt.Fprintf(&task, "Update pull request #%d (%s) into `%s` based on the feedback below.", in.PRNumber, in.Title, in.BaseBranch)
	if body := strings.TrimSpace(in.Body); body != "" {
		task.WriteString("\n\n")
		task.WriteString(body)
	}
	sections = append(sections, task.String())

	if in.IssueNumber > 0 {
		var sb strings.Builder
		sb.WriteString("# Issue Requirements\n\n")
		fmt.Fprintf(&sb, "This PR addresses issue #%d: %s", in.IssueNumber, in.IssueTitle)
		if body := strings.TrimSpace(in.IssueBody); body != "" {
			sb.WriteString("\n\n")
			sb.WriteString(body)
		}
		sections = append(sections, sb.String())
	}

	if in.MergeConflicts {
		var sb strings.Builder
		sb.WriteString("# Merge Conflicts\n\n")
		fmt.Fprintf(&sb, "The branch conflicts with `%s`. Run `git merge origin/%s`, resolve every conflict, and commit the merge.", in.BaseBranch, in.BaseBranch)
		sections = append(sections, sb.String())
		steps = append(steps, "Resolve the merge conflicts.")
	}

	if len(in.CIFailures) > 0 {
		var sb strings.Builder
		sb.WriteString("# CI Failures\n\n")
		sb.WriteString("These checks failed on the current head:\n")
		for _, name := range in.CIFailures {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
		steps = append(steps, "Fix the failing CI checks.")
	}

	if len(in.ReviewThreads) > 0 {
		var sb strings.Builder
		sb.WriteString("# Code Review Comments\n")
		for _, thread := range in.ReviewThreads {
			for _, c := range thread.Comments {
				loc := c.Path
				if c.Line > 0 {
					loc = fmt.Sprintf("%s:%d", c.Path, c.Line)
				}
				fmt.Fprintf(&sb, "\n%s (%s):\n%s\n", c.Author, loc, strings.TrimSpace(c.Body))
			}
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
		steps = append(steps, "Address every code review comment.")
	}

	if len(in.Comments) > 0 {
		var sb strings.Builder
		sb.WriteString("# Conversation Comments\n")
		for _, c := range in.Comments {
			fmt.Fprintf(&sb, "\n%s:\n%s\n", c.Author, strings.TrimSpace(c.Body))
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
		steps = append(steps, "Address the conversation feedback.")
	}

	steps = append(steps,
		fmt.Sprintf("Run the tests: `%s`", cmds.Test),
		fmt.Sprintf("Run the linter: `%s`", cmds.Lint),
		"Commit your work.")

	var instr strings.Builder
	instr.WriteString("# Instructions\n\n")
	for i, step := range steps {
		fmt.Fprintf(&instr, "%d. %s\n", i+1, step)
	}
	sections = append(sections, strings.TrimRight(instr.String(), "\n"))

	sections = append(sections, rulesSection(cmds))

	return strings.Join(sections, "\n\n")
}
