// Package executor runs user code inside a session's sandbox container.
// Two entry points: RunCommand hands an opaque shell command line to the
// container's shell, RunFile picks an interpreter for a workspace file by
// extension or explicit language. Executions on the same session are
// serialized with a small wait queue; when the queue is full callers fail
// fast with ErrBusy instead of piling up.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/pathsafe"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
)

var (
	// ErrBusy is returned when a session's execution slot and wait queue
	// are both occupied.
	ErrBusy = errors.New("session is busy executing")
	// ErrUnsupportedFile is returned when no interpreter is known for the
	// file's extension or the requested language.
	ErrUnsupportedFile = errors.New("no interpreter for file")
)

// interpreters maps file extensions to the command that runs them inside
// the container. Files are addressed relative to /workspace.
var interpreters = map[string][]string{
	".py":   {"python3"},
	".js":   {"node"},
	".sh":   {"bash"},
	".bash": {"bash"},
	".rb":   {"ruby"},
	".go":   {"go", "run"},
}

// languages maps explicit language names to the same commands, for
// requests that override extension detection.
var languages = map[string][]string{
	"python": {"python3"},
	"node":   {"node"},
	"bash":   {"bash"},
	"shell":  {"bash"},
	"ruby":   {"ruby"},
	"go":     {"go", "run"},
}

// Runner is the slice of the lifecycle controller the executor needs.
// It enforces the running-state guard before touching the runtime.
type Runner interface {
	Exec(ctx context.Context, id uuid.UUID, command []string, timeout time.Duration) (*runtime.ExecResult, error)
}

// Config holds execution limits.
type Config struct {
	Timeout  time.Duration // Per-execution deadline. Default 30s.
	MaxQueue int           // Executions in flight or queued per session. Default 2.
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 2
	}
	return c
}

// Service executes commands and files in session containers.
type Service struct {
	cfg    Config
	runner Runner
	reg    *registry.Registry
	logger *slog.Logger

	mu    sync.Mutex
	slots map[uuid.UUID]*slot
}

// slot serializes executions for one session. sem has capacity one; the
// waiting counter bounds how many callers may block on it.
type slot struct {
	sem     chan struct{}
	waiting int
}

// New creates an execution service.
func New(cfg Config, runner Runner, reg *registry.Registry, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		runner: runner,
		reg:    reg,
		logger: logger,
		slots:  make(map[uuid.UUID]*slot),
	}
}

// RunCommand executes an opaque command line through the container shell.
func (s *Service) RunCommand(ctx context.Context, sessionID uuid.UUID, command string) (*runtime.ExecResult, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	return s.run(ctx, sessionID, []string{"/bin/sh", "-c", command})
}

// RunFile executes a workspace file with the interpreter matching its
// extension, or the explicitly requested language when lang is non-empty.
// The file path is validated and normalized before it reaches the
// container.
func (s *Service) RunFile(ctx context.Context, sessionID uuid.UUID, file, lang string) (*runtime.ExecResult, error) {
	rel, err := pathsafe.Normalize(file)
	if err != nil {
		return nil, err
	}
	if rel == "" {
		return nil, fmt.Errorf("%w: empty path", pathsafe.ErrInvalidPath)
	}

	cmd, err := interpreterFor(rel, lang)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, sessionID, append(cmd, rel))
}

func interpreterFor(file, lang string) ([]string, error) {
	if lang != "" {
		cmd, ok := languages[strings.ToLower(lang)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown language %q", ErrUnsupportedFile, lang)
		}
		return append([]string(nil), cmd...), nil
	}

	ext := strings.ToLower(path.Ext(file))
	cmd, ok := interpreters[ext]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q", ErrUnsupportedFile, ext)
	}
	return append([]string(nil), cmd...), nil
}

func (s *Service) run(ctx context.Context, sessionID uuid.UUID, command []string) (*runtime.ExecResult, error) {
	release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := s.runner.Exec(ctx, sessionID, command, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	s.reg.TouchActivity(ctx, sessionID)

	if res.TimedOut {
		s.logger.Warn("execution timed out",
			slog.String("session_id", sessionID.String()),
			slog.Duration("timeout", s.cfg.Timeout),
		)
	} else {
		s.logger.Debug("execution finished",
			slog.String("session_id", sessionID.String()),
			slog.Int("exit_code", res.ExitCode),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return res, nil
}

// acquire takes the session's execution slot. The waiting counter covers
// the holder plus queued callers; once it reaches MaxQueue further calls
// fail fast with ErrBusy instead of blocking.
func (s *Service) acquire(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	s.mu.Lock()
	sl, ok := s.slots[sessionID]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[sessionID] = sl
	}
	if sl.waiting >= s.cfg.MaxQueue {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d execution(s) in flight", ErrBusy, sl.waiting)
	}
	sl.waiting++
	s.mu.Unlock()

	leave := func() {
		s.mu.Lock()
		sl.waiting--
		s.mu.Unlock()
	}

	select {
	case sl.sem <- struct{}{}:
		return func() {
			<-sl.sem
			leave()
		}, nil
	case <-ctx.Done():
		leave()
		return nil, ctx.Err()
	}
}
