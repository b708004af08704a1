package agentharness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paid-dev/paid-engine/internal/store"
)

// ClaudeCode drives the claude CLI in non-interactive stream-json mode.
type ClaudeCode struct{}

func (ClaudeCode) Name() store.AgentType { return store.AgentClaudeCode }
func (ClaudeCode) Provider() string      { return "claude" }

// BuildCommand runs claude in print mode. The prompt travels over stdin;
// positional prompts hit argv length limits and leak into process listings.
func (ClaudeCode) BuildCommand(spec RunSpec) Command {
	argv := []string{"claude", "--print", "--verbose", "--output-format", "stream-json"}
	if spec.DangerousMode {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	if spec.Model != "" {
		argv = append(argv, "--model", spec.Model)
	}
	return Command{Argv: argv, Stdin: spec.Prompt}
}

// claudeUsage holds the usage block of a result event.
type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// claudeEvent is one NDJSON line of stream-json output. Only the pieces the
// engine consumes are modeled.
type claudeEvent struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result  string       `json:"result"`
	Usage   *claudeUsage `json:"usage"`
	IsError bool         `json:"is_error"`
}

// ParseOutput walks the NDJSON stream. Malformed lines are skipped; the
// result event's usage block carries the authoritative token counts.
func (ClaudeCode) ParseOutput(exitCode int, stdout, stderr string) (*Result, error) {
	res := &Result{ExitCode: exitCode, Success: exitCode == 0}

	var lastText string
	for _, line := range bytes.Split([]byte(stdout), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var evt claudeEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "assistant":
			for _, block := range evt.Message.Content {
				if block.Type == "text" && block.Text != "" {
					lastText = block.Text
				}
			}
		case "result":
			if evt.Usage != nil {
				res.TokensInput = evt.Usage.InputTokens
				res.TokensOutput = evt.Usage.OutputTokens
			}
			if evt.Result != "" {
				lastText = evt.Result
			}
			if evt.IsError {
				res.Success = false
			}
		}
	}

	res.Summary = strings.TrimSpace(lastText)
	if !res.Success {
		res.Error = lastErrorLine(stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("agent exited %d", exitCode)
		}
	}
	return res, nil
}

func lastErrorLine(stderr string) string {
	trimmed := strings.TrimSpace(stderr)
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func init() {
	Register(store.AgentClaudeCode, func() Harness { return ClaudeCode{} })
}
