package prompt

import "fmt"

// Commands holds the per-language test and lint invocations given to the
// agent and installed into the pre-commit hook.
type Commands struct {
	Test string
	Lint string
}

// languageCommands is the fixed language table. Entries are plain argv-style
// strings; the git hook installer re-validates every word before use.
var languageCommands = map[string]Commands{
	"ruby":       {Test: "bundle exec rspec", Lint: "bundle exec rubocop"},
	"javascript": {Test: "npm test", Lint: "npm run lint"},
	"typescript": {Test: "npm test", Lint: "npm run lint"},
	"python":     {Test: "pytest", Lint: "ruff check ."},
	"go":         {Test: "go test ./...", Lint: "golangci-lint run"},
	"rust":       {Test: "cargo test", Lint: "cargo clippy"},
}

// DefaultLanguage applies when a project has no detected language.
const DefaultLanguage = "ruby"

// CommandsFor returns the test and lint commands for a language. Unknown
// languages get echo placeholders so prompts stay well-formed.
func CommandsFor(language string) Commands {
	if language == "" {
		language = DefaultLanguage
	}
	if cmds, ok := languageCommands[language]; ok {
		return cmds
	}
	return Commands{
		Test: fmt.Sprintf("echo %q", "No test command configured"),
		Lint: fmt.Sprintf("echo %q", "No lint command configured"),
	}
}
