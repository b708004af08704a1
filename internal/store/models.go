package store

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// PaidState tracks where an issue sits in the agent pipeline.
type PaidState string

const (
	PaidStateNew        PaidState = "new"
	PaidStatePlanning   PaidState = "planning"
	PaidStateInProgress PaidState = "in_progress"
	PaidStateCompleted  PaidState = "completed"
	PaidStateFailed     PaidState = "failed"
)

// RunStatus is the lifecycle state of an AgentRun. Transitions are monotone:
// pending -> running -> one of the terminal states, and terminal states never
// change again.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// AgentType identifies which coding-agent harness runs inside the container.
type AgentType string

const (
	AgentClaudeCode AgentType = "claude_code"
	AgentCursor     AgentType = "cursor"
	AgentCodex      AgentType = "codex"
	AgentCopilot    AgentType = "copilot"
	AgentAider      AgentType = "aider"
	AgentGemini     AgentType = "gemini"
	AgentOpencode   AgentType = "opencode"
	AgentKilocode   AgentType = "kilocode"
	AgentAPI        AgentType = "api"
)

// WorktreeStatus is the lifecycle state of a Worktree record.
type WorktreeStatus string

const (
	WorktreeActive        WorktreeStatus = "active"
	WorktreeCleaned       WorktreeStatus = "cleaned"
	WorktreeCleanupFailed WorktreeStatus = "cleanup_failed"
)

// LogType classifies an AgentRunLog entry.
type LogType string

const (
	LogStdout LogType = "stdout"
	LogStderr LogType = "stderr"
	LogSystem LogType = "system"
	LogMetric LogType = "metric"
)

// WorkflowStatus mirrors the workflow engine's run status.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowTimedOut  WorkflowStatus = "timed_out"
)

// Account owns projects, tokens and users.
type Account struct {
	ID        int64
	Slug      string
	Name      string
	CreatedAt time.Time
}

// GithubToken is an encrypted-at-rest GitHub credential. Value bytes never
// appear on the struct; use Store.TokenValue.
type GithubToken struct {
	ID         int64
	AccountID  int64
	Name       string
	Prefix     string
	Scopes     string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Active reports whether the token may be used: not revoked, and either
// without expiry or expiring in the future.
func (t *GithubToken) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// tokenPrefixPattern matches the recognized GitHub token formats: classic PAT,
// fine-grained PAT, OAuth, user-to-server, server-to-server, and refresh.
var tokenPrefixPattern = regexp.MustCompile(`^(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]+$|^github_pat_[A-Za-z0-9_]+$`)

// ValidTokenFormat reports whether value matches a recognized GitHub token
// prefix format.
func ValidTokenFormat(value string) bool {
	return tokenPrefixPattern.MatchString(value)
}

// TokenPrefix returns the recognizable prefix of a token value ("ghp",
// "github_pat", ...) for storage alongside the ciphertext.
func TokenPrefix(value string) string {
	if strings.HasPrefix(value, "github_pat_") {
		return "github_pat"
	}
	if i := strings.Index(value, "_"); i > 0 {
		return value[:i]
	}
	return ""
}

// Project binds a GitHub repository to an account and token.
type Project struct {
	ID                     int64
	AccountID              int64
	GithubTokenID          int64
	Owner                  string
	Repo                   string
	GithubID               int64
	DefaultBranch          string
	Active                 bool
	PollIntervalSeconds    int
	LabelMappings          map[string]string // stage ("build"/"plan") -> GitHub label
	PRActionLabels         []string
	AllowedGithubUsernames []string
	AutoScanPRs            bool
	AutoFixMergeConflicts  bool
	MaxPRFollowupRuns      int
	TotalCostCents         int64
	TotalTokensUsed        int64
	DetectedLanguage       string
	CreatedAt              time.Time
}

// FullName returns "owner/repo".
func (p *Project) FullName() string {
	return p.Owner + "/" + p.Repo
}

// TrustedUser reports whether login is in the project's allowed list.
func (p *Project) TrustedUser(login string) bool {
	for _, u := range p.AllowedGithubUsernames {
		if u == login {
			return true
		}
	}
	return false
}

// TriggerLabels returns the configured stage labels, deduplicated, in a
// stable order.
func (p *Project) TriggerLabels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, stage := range []string{"build", "plan"} {
		if l, ok := p.LabelMappings[stage]; ok && l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// Issue mirrors a GitHub issue (or PR) for one project. Bodies of issues
// created by untrusted users are dropped at ingestion and stay nil.
type Issue struct {
	ID                 int64
	ProjectID          int64
	GithubIssueID      int64
	GithubNumber       int
	Title              string
	Body               *string
	Labels             []string
	GithubState        string // "open" or "closed"
	IsPullRequest      bool
	GithubCreatorLogin string
	PaidState          PaidState
	PRFollowupCount    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasLabel reports whether the issue carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AgentRun is one invocation of a coding agent for one issue or PR follow-up.
type AgentRun struct {
	ID                      int64
	ProjectID               int64
	IssueID                 *int64
	TemporalWorkflowID      string
	AgentType               AgentType
	Status                  RunStatus
	StartedAt               *time.Time
	CompletedAt             *time.Time
	DurationSeconds         *int64
	WorktreePath            string
	BranchName              string
	BaseCommitSHA           string
	ResultCommitSHA         string
	PullRequestURL          string
	PullRequestNumber       *int
	SourcePullRequestNumber *int
	CustomPrompt            string
	TokensInput             int64
	TokensOutput            int64
	CostCents               int64
	ProxyToken              string
	ContainerID             string
	ErrorMessage            string
	CreatedAt               time.Time
}

// PRFollowup reports whether this run targets an existing PR's branch.
func (r *AgentRun) PRFollowup() bool {
	return r.SourcePullRequestNumber != nil
}

// Worktree is the bookkeeping record of a cloned-and-branched working copy
// inside a container.
type Worktree struct {
	ID         int64
	ProjectID  int64
	AgentRunID *int64
	Path       string
	BranchName string
	BaseCommit string
	Status     WorktreeStatus
	Pushed     bool
	CleanedAt  *time.Time
	CreatedAt  time.Time
}

// AgentRunLog is an append-only log entry for a run.
type AgentRunLog struct {
	ID         int64
	AgentRunID int64
	LogType    LogType
	Content    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// WorkflowState is an opaque mirror of the workflow engine's run records.
type WorkflowState struct {
	ID                 int64
	TemporalWorkflowID string
	WorkflowType       string
	Status             WorkflowStatus
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	InputData          string
}

// PromptVersion is an immutable prompt template revision. Rendering
// substitutes {{key}} placeholders with string values.
type PromptVersion struct {
	ID              int64
	Slug            string
	Scope           string // "global", "account", "project"
	AccountID       *int64
	ProjectID       *int64
	Version         int
	Template        string
	SystemPrompt    string
	Variables       []string
	CreatedBy       string
	ChangeNotes     string
	ParentVersionID *int64
	CreatedAt       time.Time
}

// Render substitutes {{key}} placeholders in the template.
func (p *PromptVersion) Render(vars map[string]string) string {
	out := p.Template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

var slugCleaner = regexp.MustCompile(`[^a-z0-9-]+`)
var hyphenRun = regexp.MustCompile(`-{2,}`)

// Slugify lowercases the input, replaces runs of disallowed characters with
// hyphens, collapses hyphen runs, and trims leading/trailing hyphens.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugCleaner.ReplaceAllString(s, "-")
	s = hyphenRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalStringSlice(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalStringMap(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
