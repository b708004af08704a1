package sandbox

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult carries the outcome of one in-container command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExecRequest describes one command. Exactly one of Shell or Argv must be
// set: Shell runs via `/bin/sh -c`, Argv execs directly.
type ExecRequest struct {
	Shell   string
	Argv    []string
	Timeout time.Duration // 0 uses the sandbox default
	Stream  bool          // forward output chunks to the log sink as they arrive
	User    string        // override exec user (e.g. "root" for setup steps)
	Stdin   string        // piped to the command when non-empty
	Env     []string
}

func (r *ExecRequest) describe() string {
	if r.Shell != "" {
		return r.Shell
	}
	return strings.Join(r.Argv, " ")
}

// chunkWriter buffers output and optionally forwards each chunk to the sink.
type chunkWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	sink    LogSink
	logType string
	stream  bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.stream && len(p) > 0 {
		w.sink.Append(w.logType, string(p), nil)
	}
	return len(p), nil
}

func (w *chunkWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Execute runs a command in the container via exec. Output is demultiplexed
// into stdout/stderr; with Stream set, chunks are forwarded to the log sink
// as they arrive. On timeout, buffered output is flushed into the returned
// TimeoutError. The exit code comes from the exec result, never from the
// container's main process.
func (s *Sandbox) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	cmd := req.Argv
	if req.Shell != "" {
		cmd = []string{"/bin/sh", "-c", req.Shell}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.opts.ExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := s.api.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd:          cmd,
		User:         req.User,
		Env:          req.Env,
		WorkingDir:   s.opts.WorkspacePath,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  req.Stdin != "",
	})
	if err != nil {
		return nil, &ExecutionError{Command: req.describe(), Err: err}
	}

	attach, err := s.api.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, &ExecutionError{Command: req.describe(), Err: err}
	}
	defer attach.Close()

	stdout := &chunkWriter{sink: s.sink, logType: "stdout", stream: req.Stream}
	stderr := &chunkWriter{sink: s.sink, logType: "stderr", stream: req.Stream}

	if req.Stdin != "" {
		go func() {
			_, _ = attach.Conn.Write([]byte(req.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-execCtx.Done():
		// Flush whatever arrived before the deadline, then fail.
		s.sink.Append("system", "command timed out: "+req.describe(),
			map[string]any{"key": "container.execute.timeout", "timeout_seconds": timeout.Seconds()})
		return nil, &TimeoutError{
			Command: req.describe(),
			Timeout: timeout,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	case err := <-done:
		if err != nil {
			return nil, &ExecutionError{Command: req.describe(), Err: err}
		}
	}

	inspect, err := s.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, &ExecutionError{Command: req.describe(), Err: err}
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// execAsRoot runs a setup command as root with a short timeout.
func (s *Sandbox) execAsRoot(ctx context.Context, argv []string) (*ExecResult, error) {
	return s.Execute(ctx, ExecRequest{Argv: argv, User: "root", Timeout: 30 * time.Second})
}
