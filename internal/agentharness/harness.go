// Package agentharness adapts the supported coding-agent CLIs to one
// execution contract: build the in-container command for a prompt, then
// parse the tool's output into a result with token usage.
package agentharness

import (
	"fmt"
	"sort"
	"sync"

	"github.com/paid-dev/paid-engine/internal/store"
)

// RunSpec is what a harness needs to build its command.
type RunSpec struct {
	Prompt        string
	Model         string // optional model override
	DangerousMode bool   // skip the tool's own permission prompts; sandbox is the boundary
}

// Command is the in-container invocation for one agent run.
type Command struct {
	Argv  []string
	Stdin string // prompt delivered via stdin when non-empty
	Env   []string
}

// Result is the parsed outcome of one agent invocation.
type Result struct {
	Success      bool
	ExitCode     int
	TokensInput  int64
	TokensOutput int64
	Summary      string
	Error        string
}

// Harness is implemented by each agent adapter.
type Harness interface {
	// Name returns the agent type this harness serves.
	Name() store.AgentType

	// Provider names the credential set the secrets proxy injects for
	// this agent.
	Provider() string

	// BuildCommand constructs the container command for a run.
	BuildCommand(spec RunSpec) Command

	// ParseOutput turns raw process output into a Result.
	ParseOutput(exitCode int, stdout, stderr string) (*Result, error)
}

var (
	registry   = make(map[store.AgentType]func() Harness)
	registryMu sync.RWMutex
)

// Register adds a harness factory. Called from adapter init functions.
func Register(agentType store.AgentType, factory func() Harness) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[agentType] = factory
}

// ForType returns a harness for the agent type.
func ForType(agentType store.AgentType) (Harness, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[agentType]
	if !ok {
		return nil, fmt.Errorf("unknown agent type: %s", agentType)
	}
	return factory(), nil
}

// Registered lists the registered agent types in stable order.
func Registered() []store.AgentType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]store.AgentType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
