package agentharness

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/paid-dev/paid-engine/internal/store"
)

// cliHarness covers the agents whose CLIs take a prompt over stdin and
// report usage, if at all, as loose text. Per-agent differences are data,
// not code.
type cliHarness struct {
	agentType     store.AgentType
	provider      string
	baseArgv      []string
	dangerousFlag string // appended in dangerous mode, empty when unsupported
	modelFlag     string
}

func (h cliHarness) Name() store.AgentType { return h.agentType }
func (h cliHarness) Provider() string      { return h.provider }

func (h cliHarness) BuildCommand(spec RunSpec) Command {
	argv := append([]string{}, h.baseArgv...)
	if spec.DangerousMode && h.dangerousFlag != "" {
		argv = append(argv, h.dangerousFlag)
	}
	if spec.Model != "" && h.modelFlag != "" {
		argv = append(argv, h.modelFlag, spec.Model)
	}
	return Command{Argv: argv, Stdin: spec.Prompt}
}

// tokenPatterns match the usage lines the various CLIs print. First match
// wins; agents that report nothing yield zero counts.
var tokenPatterns = []*regexp.Regexp{
	// aider: "Tokens: 1,234 sent, 567 received."
	regexp.MustCompile(`Tokens:\s*([\d,]+)\s+sent,\s*([\d,]+)\s+received`),
	// generic JSON-ish: "input_tokens": 123 ... "output_tokens": 45
	regexp.MustCompile(`"input_tokens":\s*(\d+)[\s\S]*?"output_tokens":\s*(\d+)`),
}

func (h cliHarness) ParseOutput(exitCode int, stdout, stderr string) (*Result, error) {
	res := &Result{ExitCode: exitCode, Success: exitCode == 0}

	combined := stdout + "\n" + stderr
	for _, pattern := range tokenPatterns {
		if m := pattern.FindStringSubmatch(combined); m != nil {
			res.TokensInput = parseCount(m[1])
			res.TokensOutput = parseCount(m[2])
			break
		}
	}

	if res.Success {
		res.Summary = fmt.Sprintf("%s run finished", h.agentType)
	} else {
		res.Error = lastErrorLine(stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("agent exited %d", exitCode)
		}
	}
	return res, nil
}

func parseCount(s string) int64 {
	clean := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ',' {
			clean = append(clean, s[i])
		}
	}
	n, _ := strconv.ParseInt(string(clean), 10, 64)
	return n
}

func init() {
	for _, h := range []cliHarness{
		{store.AgentCursor, "cursor", []string{"cursor-agent", "--print"}, "--force", "--model"},
		{store.AgentCodex, "codex", []string{"codex", "exec"}, "--dangerously-bypass-approvals-and-sandbox", "--model"},
		{store.AgentCopilot, "github_copilot", []string{"copilot", "--prompt-stdin"}, "--allow-all-tools", "--model"},
		{store.AgentAider, "aider", []string{"aider", "--yes-always", "--no-gitignore"}, "", "--model"},
		{store.AgentGemini, "gemini", []string{"gemini", "--prompt-interactive=false"}, "--yolo", "--model"},
		{store.AgentOpencode, "opencode", []string{"opencode", "run"}, "", "--model"},
		{store.AgentKilocode, "kilocode", []string{"kilocode", "run"}, "--auto-approve", "--model"},
	} {
		h := h
		Register(h.agentType, func() Harness { return h })
	}
}
