// Package statuspoll is the read-side facade over session status. It
// serves point reads, owner-scoped lists, and bounded condition waits for
// callers (CLI, API handlers, tests) that need "block until running"
// semantics without touching the lifecycle controller.
package statuspoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/registry"
)

var (
	// ErrWaitTimeout is returned when the condition did not hold before
	// the wait deadline.
	ErrWaitTimeout = errors.New("wait deadline exceeded")
	// ErrPredicateFailed is returned when the predicate reports the
	// condition can no longer be met, so further polling is pointless.
	ErrPredicateFailed = errors.New("wait condition failed")
)

// Predicate inspects a session snapshot. Return done=true to finish the
// wait, or a non-nil error to abort it (wrapped in ErrPredicateFailed).
type Predicate func(s *domain.Session) (done bool, err error)

// Facade reads session status through the registry store.
type Facade struct {
	store    registry.Store
	logger   *slog.Logger
	interval time.Duration
}

// New creates a Facade. interval is the default poll spacing for
// WaitUntil; zero means 500ms.
func New(store registry.Store, logger *slog.Logger, interval time.Duration) *Facade {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Facade{store: store, logger: logger, interval: interval}
}

// Status is a point read of a session's observed state and error message.
func (f *Facade) Status(ctx context.Context, id uuid.UUID) (domain.SessionState, string, error) {
	s, err := f.store.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return s.ObservedState, s.ErrorMessage, nil
}

// List returns all live sessions for an owner.
func (f *Facade) List(ctx context.Context, ownerID string) ([]domain.Session, error) {
	return f.store.List(ctx, ownerID)
}

// WaitUntil polls the session until the predicate is satisfied, the
// predicate aborts, or the timeout passes. Transient store errors are
// tolerated and polling continues; a missing session is definitive and
// surfaces immediately. The three outcomes are distinguishable with
// errors.Is: nil, ErrPredicateFailed, ErrWaitTimeout (or the caller's
// context error).
func (f *Facade) WaitUntil(ctx context.Context, id uuid.UUID, pred Predicate, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = f.interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := f.store.Get(ctx, id)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			return err
		case err != nil:
			// Transient transport error: keep polling, the overall
			// timeout bounds us.
			f.logger.Debug("status poll failed, retrying",
				slog.String("session_id", id.String()),
				slog.String("error", err.Error()),
			)
		default:
			done, perr := pred(s)
			if perr != nil {
				return fmt.Errorf("%w: %v", ErrPredicateFailed, perr)
			}
			if done {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running is the common predicate: done when the session reaches running,
// aborts when it lands in error.
func Running(s *domain.Session) (bool, error) {
	switch s.ObservedState {
	case domain.StateRunning:
		return true, nil
	case domain.StateError:
		return false, fmt.Errorf("session entered error state: %s", s.ErrorMessage)
	}
	return false, nil
}

// Stopped is the mirror predicate for shutdown waits.
func Stopped(s *domain.Session) (bool, error) {
	switch s.ObservedState {
	case domain.StateStopped:
		return true, nil
	case domain.StateError:
		return false, fmt.Errorf("session entered error state: %s", s.ErrorMessage)
	}
	return false, nil
}
