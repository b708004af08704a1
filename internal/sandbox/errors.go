package sandbox

import (
	"fmt"
	"time"
)

// ProvisionError wraps any container setup failure. It is fatal for the run.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("container provision failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// TimeoutError reports that an exec exceeded its deadline. Partial output
// captured before the deadline is preserved.
type TimeoutError struct {
	Command string
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

// ExecutionError wraps engine-level exec failures (create/attach/inspect),
// as opposed to commands that ran and exited non-zero.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("exec failed for %q: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
