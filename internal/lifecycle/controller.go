// Package lifecycle drives a session's sandbox container between
// stopped/starting/running/stopping/error. The Controller is the single
// writer of observed state: every transition goes through an atomic
// compare-and-set on the session store, and different sessions proceed
// fully in parallel while operations on the same session serialize on a
// per-session mutex.
//
// The Controller also brokers all handle-scoped runtime access: the
// execution service and terminal gateway never hold a container
// reference of their own — they ask the Controller per operation, which
// enforces the readiness guard centrally.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/workspace"
)

var (
	// ErrConflict is returned when an operation races a conflicting
	// lifecycle operation (e.g. stop while starting) or would create a
	// second live handle.
	ErrConflict = errors.New("conflicting lifecycle operation")
	// ErrNotRunning is returned by handle-scoped operations when the
	// session is not in the running state.
	ErrNotRunning = errors.New("session is not running")
	// ErrTimeout is returned when a start or stop misses its deadline.
	// The session is forced to error rather than left in a transitional
	// state forever.
	ErrTimeout = errors.New("lifecycle operation deadline exceeded")
)

// Listener observes committed state transitions. Callbacks run
// synchronously on the transitioning goroutine, promptly after the
// transition commits — keep them fast.
type Listener interface {
	SessionTransitioned(sessionID uuid.UUID, state domain.SessionState, errMsg string)
}

// Config holds lifecycle timing knobs.
type Config struct {
	StartTimeout time.Duration // Overall deadline for start. Default 120s.
	StopTimeout  time.Duration // Overall deadline for stop. Default 60s.
	StartRetries int           // Provisioning attempts inside start. Default 3.
	RetryBackoff time.Duration // Base backoff between attempts, doubles. Default 2s.
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 120 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 60 * time.Second
	}
	if c.StartRetries <= 0 {
		c.StartRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	return c
}

// Handle is the live runtime reference for a session's container.
// Exactly one live handle exists per session while observed state is not
// stopped; a second handle attempt is a programming error.
type Handle struct {
	ContainerID     string
	CreatedAt       time.Time
	LastHealthCheck time.Time
}

// Controller owns the session state machine.
type Controller struct {
	cfg    Config
	store  registry.Store
	rt     runtime.Runtime
	ws     *workspace.Workspace
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry

	lmu       sync.RWMutex
	listeners []Listener
}

// entry serializes lifecycle operations for one session and owns its handle.
type entry struct {
	mu     sync.Mutex
	handle *Handle
}

// NewController creates a Controller.
func NewController(cfg Config, store registry.Store, rt runtime.Runtime, ws *workspace.Workspace, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		store:   store,
		rt:      rt,
		ws:      ws,
		logger:  logger,
		entries: make(map[uuid.UUID]*entry),
	}
}

// AddListener registers a transition observer.
func (c *Controller) AddListener(l Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Controller) notify(id uuid.UUID, state domain.SessionState, errMsg string) {
	c.lmu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lmu.RUnlock()

	for _, l := range listeners {
		l.SessionTransitioned(id, state, errMsg)
	}
}

func (c *Controller) entry(id uuid.UUID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	return e
}

// transition commits a CAS edge and notifies listeners on success.
func (c *Controller) transition(ctx context.Context, id uuid.UUID, from, to domain.SessionState, errMsg string) (bool, error) {
	ok, err := c.store.CompareAndSetState(ctx, id, from, to, errMsg)
	if err != nil {
		return false, fmt.Errorf("transitioning %s %s→%s: %w", id, from, to, err)
	}
	if !ok {
		return false, nil
	}
	c.logger.Info("session state transition",
		slog.String("session_id", id.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	c.notify(id, to, errMsg)
	return true, nil
}

// commitCtx returns a short background context for committing a
// transition after container work already finished. The caller's request
// context may be canceled by then (client gone, write timeout); the
// record must still leave its transitional state.
func commitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// forceError moves the session to error regardless of the calling context's
// deadline — a failed start must never leave the record stuck in starting.
func (c *Controller) forceError(id uuid.UUID, from domain.SessionState, msg string) {
	ctx, cancel := commitCtx()
	defer cancel()
	if _, err := c.transition(ctx, id, from, domain.StateError, msg); err != nil {
		c.logger.Error("forcing error state failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Start boots the session's container. Idempotent: a session already
// starting or running is a no-op. A start attempt always resolves to
// running or error within the configured deadline.
func (c *Controller) Start(ctx context.Context, id uuid.UUID) error {
	e := c.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch s.ObservedState {
	case domain.StateRunning, domain.StateStarting:
		return nil // Idempotent.
	case domain.StateStopping:
		return fmt.Errorf("%w: session is stopping", ErrConflict)
	}

	if e.handle != nil {
		// stopped/error with a live handle means a bug in this package.
		return fmt.Errorf("%w: session %s already has a live handle", ErrConflict, id)
	}

	ok, err := c.transition(ctx, id, s.ObservedState, domain.StateStarting, "")
	if err != nil {
		return err
	}
	if !ok {
		// Lost a cross-process race into starting — same outcome as the
		// idempotent no-op above.
		return nil
	}

	if err := c.store.SetDesiredState(ctx, id, domain.DesiredRunning); err != nil {
		c.logger.Warn("recording desired state failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}

	ctr, err := c.provision(ctx, s)
	if err != nil {
		c.forceError(id, domain.StateStarting, err.Error())
		return err
	}

	e.handle = &Handle{ContainerID: ctr.ID, CreatedAt: ctr.CreatedAt}

	cctx, cancel := commitCtx()
	ok, err = c.transition(cctx, id, domain.StateStarting, domain.StateRunning, "")
	cancel()
	if err != nil {
		c.destroyHandle(e, id)
		c.forceError(id, domain.StateStarting, fmt.Sprintf("committing start: %v", err))
		return err
	}
	if !ok {
		// The record moved under us (force-errored elsewhere). Don't leak
		// the container.
		c.destroyHandle(e, id)
		return fmt.Errorf("%w: session left starting during provisioning", ErrConflict)
	}
	return nil
}

// provision boots a container with bounded retries and backoff, all inside
// the start deadline. Transient runtime failures (image pull hiccups,
// daemon restarts) are retried; the last error surfaces when attempts or
// the deadline run out.
func (c *Controller) provision(ctx context.Context, s *domain.Session) (*runtime.Container, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	spec := runtime.ContainerSpec{
		SessionID: s.ID.String(),
		FilesDir:  c.ws.SessionFilesDir(s.ID.String()),
	}

	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.StartRetries; attempt++ {
		ctr, err := c.rt.StartContainer(ctx, spec)
		if err == nil {
			return ctr, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: start deadline exceeded after %d attempt(s): %v", ErrTimeout, attempt, lastErr)
		}

		c.logger.Warn("container provisioning failed, retrying",
			slog.String("session_id", s.ID.String()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: start deadline exceeded after %d attempt(s): %v", ErrTimeout, attempt, lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("provisioning container: %w", lastErr)
}

// Stop gracefully shuts the session's container down. Idempotent for
// stopped/stopping sessions. Terminal connections are closed (via the
// stopping notification) before the handle is destroyed.
func (c *Controller) Stop(ctx context.Context, id uuid.UUID) error {
	e := c.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.stopLocked(ctx, e, id)
}

func (c *Controller) stopLocked(ctx context.Context, e *entry, id uuid.UUID) error {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch s.ObservedState {
	case domain.StateStopped, domain.StateStopping:
		return nil // Idempotent.
	case domain.StateStarting:
		return fmt.Errorf("%w: session is starting", ErrConflict)
	case domain.StateError:
		// Nothing orderly to do; reap any leftover handle.
		c.destroyHandle(e, id)
		if err := c.store.SetDesiredState(ctx, id, domain.DesiredStopped); err != nil {
			return err
		}
		return nil
	}

	ok, err := c.transition(ctx, id, domain.StateRunning, domain.StateStopping, "")
	if err != nil {
		return err
	}
	if !ok {
		return nil // Cross-process race: someone else is stopping.
	}

	if err := c.store.SetDesiredState(ctx, id, domain.DesiredStopped); err != nil {
		c.logger.Warn("recording desired state failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}

	// Listeners (the terminal gateway) have now been told "stopping" and
	// have closed their attachments; destroying the handle is safe.
	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()

	if e.handle != nil {
		if err := c.rt.StopContainer(stopCtx, e.handle.ContainerID); err != nil {
			msg := fmt.Sprintf("stopping container: %v", err)
			if stopCtx.Err() != nil {
				msg = fmt.Sprintf("stop deadline exceeded: %v", err)
				err = fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			c.forceError(id, domain.StateStopping, msg)
			e.handle = nil
			return err
		}
	}
	e.handle = nil

	cctx, cancel2 := commitCtx()
	_, err = c.transition(cctx, id, domain.StateStopping, domain.StateStopped, "")
	cancel2()
	if err != nil {
		c.forceError(id, domain.StateStopping, fmt.Sprintf("committing stop: %v", err))
		return err
	}
	return nil
}

// destroyHandle force-removes a session's container, best-effort.
func (c *Controller) destroyHandle(e *entry, id uuid.UUID) {
	if e.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	if err := c.rt.StopContainer(ctx, e.handle.ContainerID); err != nil {
		c.logger.Warn("destroying container failed",
			slog.String("session_id", id.String()),
			slog.String("container", e.handle.ContainerID),
			slog.String("error", err.Error()),
		)
	}
	e.handle = nil
}

// Status is a pure read of the session's observed state. Never triggers
// side effects.
func (c *Controller) Status(ctx context.Context, id uuid.UUID) (domain.SessionState, string, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return s.ObservedState, s.ErrorMessage, nil
}

// Delete soft-deletes the session record. Without force the session must
// already be stopped; with force a best-effort stop runs first and the
// record is marked deleted regardless. Underlying files are never purged
// implicitly.
func (c *Controller) Delete(ctx context.Context, id uuid.UUID, force bool) error {
	e := c.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if s.ObservedState != domain.StateStopped {
		if !force {
			return fmt.Errorf("%w: session must be stopped before delete (state %s)", ErrConflict, s.ObservedState)
		}
		if err := c.stopLocked(ctx, e, id); err != nil {
			c.logger.Warn("best-effort stop before force delete failed",
				slog.String("session_id", id.String()),
				slog.String("error", err.Error()),
			)
			c.destroyHandle(e, id)
		}
	}

	if err := c.store.SoftDelete(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("soft-deleting session: %w", err)
	}

	c.logger.Info("session deleted",
		slog.String("session_id", id.String()),
		slog.Bool("force", force),
	)
	return nil
}

// Exec runs a one-shot command inside the session's container. Fails fast
// with ErrNotRunning before any runtime call when the session isn't
// running.
func (c *Controller) Exec(ctx context.Context, id uuid.UUID, command []string, timeout time.Duration) (*runtime.ExecResult, error) {
	h, err := c.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.rt.Exec(ctx, h.ContainerID, runtime.ExecRequest{Command: command, Timeout: timeout})
}

// Attach opens an interactive shell stream on the session's container,
// guarded by the same readiness check as Exec.
func (c *Controller) Attach(ctx context.Context, id uuid.UUID) (runtime.AttachStream, error) {
	h, err := c.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.rt.Attach(ctx, h.ContainerID)
}

func (c *Controller) requireRunning(ctx context.Context, id uuid.UUID) (Handle, error) {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	if s.ObservedState != domain.StateRunning {
		return Handle{}, fmt.Errorf("%w: state is %s", ErrNotRunning, s.ObservedState)
	}

	e := c.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return Handle{}, fmt.Errorf("%w: no live container handle", ErrNotRunning)
	}
	return *e.handle, nil
}

// Recover reconciles records left in transitional or running states by a
// previous process. Handles are process-lifetime, so any such session has
// an orphaned (or already dead) container; the record is forced to error
// so the user can retry start cleanly.
func (c *Controller) Recover(ctx context.Context, sessions []domain.Session) {
	for i := range sessions {
		s := &sessions[i]
		switch s.ObservedState {
		case domain.StateStarting, domain.StateRunning, domain.StateStopping:
			c.forceError(s.ID, s.ObservedState, "orchestrator restarted; container orphaned")
			c.logger.Warn("recovered stale session state",
				slog.String("session_id", s.ID.String()),
				slog.String("was", string(s.ObservedState)),
			)
		}
	}
}

// RunHealthMonitor periodically health-checks every live handle and
// forces running sessions whose container died to error. Blocks until
// ctx is canceled.
func (c *Controller) RunHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkHandles(ctx)
		}
	}
}

func (c *Controller) checkHandles(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		e := c.entry(id)
		e.mu.Lock()
		if e.handle == nil {
			e.mu.Unlock()
			continue
		}
		containerID := e.handle.ContainerID
		err := c.rt.HealthCheck(ctx, containerID)
		if err == nil {
			e.handle.LastHealthCheck = time.Now().UTC()
			e.mu.Unlock()
			continue
		}

		c.logger.Warn("container health check failed",
			slog.String("session_id", id.String()),
			slog.String("container", containerID),
			slog.String("error", err.Error()),
		)
		e.handle = nil
		e.mu.Unlock()

		c.forceError(id, domain.StateRunning, fmt.Sprintf("container died: %v", err))
	}
}
