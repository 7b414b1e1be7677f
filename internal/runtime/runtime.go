// Package runtime abstracts the sandbox container runtime. The lifecycle
// controller is the only component that holds container references; the
// execution service and terminal gateway reach the runtime exclusively
// through handle-scoped operations brokered by the controller.
package runtime

import (
	"context"
	"io"
	"time"
)

// Runtime provisions and drives per-session sandbox containers.
type Runtime interface {
	// Ping verifies the runtime is reachable. Called once at startup as a
	// capability probe; the result is cached for the process lifetime.
	Ping(ctx context.Context) error

	// StartContainer boots a long-lived container for a session with the
	// session's file tree mounted at /workspace.
	StartContainer(ctx context.Context, spec ContainerSpec) (*Container, error)

	// StopContainer gracefully stops and removes the container. The
	// session's file tree survives — only compute is destroyed.
	StopContainer(ctx context.Context, containerID string) error

	// Exec runs a one-shot command inside a running container and captures
	// its output. A timeout produces a result with TimedOut set and
	// partial output, not an error.
	Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)

	// Attach opens an interactive shell inside a running container.
	Attach(ctx context.Context, containerID string) (AttachStream, error)

	// HealthCheck verifies the container is still running.
	HealthCheck(ctx context.Context, containerID string) error
}

// ContainerSpec describes the container to boot for a session.
type ContainerSpec struct {
	SessionID string            // Used in the container name for operator visibility.
	FilesDir  string            // Host path bind-mounted at /workspace.
	Env       map[string]string // Extra environment on top of the sanitized base set.
}

// Container is the opaque handle to a running sandbox.
type Container struct {
	ID        string
	CreatedAt time.Time
}

// ExecRequest defines what to run and under what constraints.
type ExecRequest struct {
	Command []string      // Program and arguments (e.g. ["python3", "main.py"]).
	Timeout time.Duration // Zero = runtime default.
}

// ExecResult captures the outcome of a one-shot execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int  // -1 when TimedOut.
	TimedOut   bool // The process was killed at the deadline; output is partial.
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// AttachStream is a bidirectional byte stream to a container's interactive
// shell. Reads return interleaved stdout/stderr as the PTY produces them;
// writes feed shell stdin.
type AttachStream interface {
	io.ReadWriteCloser

	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
