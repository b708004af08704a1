// Package prompt renders the instructions handed to coding agents. Issue
// runs get a task description with optional codebase context; PR follow-up
// runs get a feedback digest assembled from CI, reviews, and conversation.
// Untrusted input never reaches a prompt: issue bodies from unknown authors
// are rejected here as a second barrier behind the sync layer.
package prompt

import (
	"fmt"
	"strings"
)

// maxContextChunks bounds how many search results an issue prompt carries.
const maxContextChunks = 10

// maxChunkContent truncates individual chunk bodies.
const maxChunkContent = 2000

// UntrustedIssueError is returned when a prompt is requested for an issue
// whose author is not on the project's allow-list.
type UntrustedIssueError struct {
	IssueNumber int64
	Author      string
}

func (e *UntrustedIssueError) Error() string {
	return fmt.Sprintf("refusing to build prompt for issue #%d: author %q is not trusted", e.IssueNumber, e.Author)
}

// ContextChunk is one snippet of repository code attached to an issue
// prompt, typically from an external code-search component.
type ContextChunk struct {
	File      string
	StartLine int
	EndLine   int
	ChunkType string // e.g. "function", "class"
	Name      string
	Language  string // fence tag
	Content   string
}

// IssueInput carries everything an issue-mode prompt needs.
type IssueInput struct {
	IssueNumber int64
	Title       string
	Body        string
	Author      string
	Trusted     bool
	Language    string // project's detected language
	Chunks      []ContextChunk
}

// BuildIssuePrompt renders the prompt for a new-issue run.
func BuildIssuePrompt(in IssueInput) (string, error) {
	if !in.Trusted {
		return "", &UntrustedIssueError{IssueNumber: in.IssueNumber, Author: in.Author}
	}
	cmds := CommandsFor(in.Language)

	var sections []string

	var task strings.Builder
	task.WriteString("# Task\n\n")
	fmt.Fprintf(&task, "%s ##%d\n\n", in.Title, in.IssueNumber)
	task.WriteString(strings.TrimSpace(in.Body))
	sections = append(sections, task.String())

	if ctx := renderContext(in.Chunks); ctx != "" {
		sections = append(sections, ctx)
	}

	var instr strings.Builder
	instr.WriteString("# Instructions\n\n")
	instr.WriteString("1. Analyze the task and the relevant code.\n")
	instr.WriteString("2. Implement the change.\n")
	fmt.Fprintf(&instr, "3. Run the tests: `%s`\n", cmds.Test)
	fmt.Fprintf(&instr, "4. Run the linter: `%s`\n", cmds.Lint)
	instr.WriteString("5. Commit your work with a clear message.")
	sections = append(sections, instr.String())

	sections = append(sections, rulesSection(cmds))

	return strings.Join(sections, "\n\n"), nil
}

func renderContext(chunks []ContextChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	if len(chunks) > maxContextChunks {
		chunks = chunks[:maxContextChunks]
	}
	var sb strings.Builder
	sb.WriteString("# Relevant Codebase Context\n")
	for _, c := range chunks {
		content := c.Content
		if len(content) > maxChunkContent {
			content = content[:maxChunkContent]
		}
		fmt.Fprintf(&sb, "\n## %s:%d-%d (%s: %s)\n", c.File, c.StartLine, c.EndLine, c.ChunkType, c.Name)
		fmt.Fprintf(&sb, "```%s\n%s\n```\n", c.Language, strings.TrimRight(content, "\n"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func rulesSection(cmds Commands) string {
	var sb strings.Builder
	sb.WriteString("# Rules\n\n")
	fmt.Fprintf(&sb, "- Lint (`%s`) and tests (`%s`) MUST pass before every commit.\n", cmds.Lint, cmds.Test)
	sb.WriteString("- Never commit with --no-verify.\n")
	sb.WriteString("- Never disable or weaken linter rules to get a pass.\n")
	sb.WriteString("- Fix forward; do not revert unrelated work.\n")
	sb.WriteString("- Match the existing code style of the repository.\n")
	sb.WriteString("- Do not push; the orchestrator pushes for you.")
	return sb.String()
}
