// Package registry owns the durable session records. It is the only
// component that writes to the session store; the lifecycle controller
// requests observed-state transitions through CompareAndSetState, and
// everything else reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
)

var (
	// ErrNotFound is returned for unknown or soft-deleted sessions.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidName is returned when a session name fails validation.
	ErrInvalidName = errors.New("invalid session name")
)

const maxNameLength = 128

// Store is the persistence interface for session records.
// SQLite and PostgreSQL backends implement it; tests use in-memory fakes.
type Store interface {
	Create(ctx context.Context, s *domain.Session) error
	// Get returns the session by ID. Soft-deleted sessions yield ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	// List returns all non-deleted sessions for an owner, newest first.
	List(ctx context.Context, ownerID string) ([]domain.Session, error)
	// UpdateMeta persists name/description changes.
	UpdateMeta(ctx context.Context, id uuid.UUID, name, description string) error
	// CompareAndSetState atomically moves observed_state from → to,
	// recording errMsg (empty clears it). Returns false when the stored
	// state no longer matches from — the caller lost the race.
	CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.SessionState, errMsg string) (bool, error)
	// SetDesiredState records what the user asked for.
	SetDesiredState(ctx context.Context, id uuid.UUID, ds domain.DesiredState) error
	// TouchActivity bumps last_activity_at.
	TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error
	// SetFileCount updates the advisory file counter.
	SetFileCount(ctx context.Context, id uuid.UUID, n int) error
	// SoftDelete marks the record deleted; the row is retained for audit.
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListIdleRunning returns running sessions with no activity since the cutoff.
	ListIdleRunning(ctx context.Context, cutoff time.Time) ([]domain.Session, error)
	// ListTransitional returns sessions left in starting, running, or
	// stopping — the states a crashed process can strand. Used for
	// recovery at startup.
	ListTransitional(ctx context.Context) ([]domain.Session, error)
}

// Registry is the session registry service. It validates input, stamps
// identity and timestamps, and delegates persistence to the Store.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// New creates a Registry backed by the given store.
func New(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Create registers a new session record in state stopped.
func (r *Registry) Create(ctx context.Context, ownerID, name, description string) (*domain.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: must be 1-%d characters", ErrInvalidName, maxNameLength)
	}

	now := time.Now().UTC()
	s := &domain.Session{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Name:           name,
		Description:    description,
		DesiredState:   domain.DesiredStopped,
		ObservedState:  domain.StateStopped,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := r.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Info("session created",
		slog.String("session_id", s.ID.String()),
		slog.String("owner_id", ownerID),
		slog.String("name", name),
	)
	return s, nil
}

// Get returns a session by ID. Soft-deleted sessions are invisible.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return r.store.Get(ctx, id)
}

// GetOwned returns the session only if it belongs to ownerID.
// A session owned by someone else reads as ErrNotFound rather than
// leaking its existence.
func (r *Registry) GetOwned(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Session, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all live sessions for an owner.
func (r *Registry) List(ctx context.Context, ownerID string) ([]domain.Session, error) {
	return r.store.List(ctx, ownerID)
}

// UpdateMeta renames a session and replaces its description.
func (r *Registry) UpdateMeta(ctx context.Context, id uuid.UUID, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidName, maxNameLength)
	}
	return r.store.UpdateMeta(ctx, id, name, description)
}

// TouchActivity records user activity (exec, terminal input, file ops).
// The idle reaper uses this timestamp; failures are logged, not surfaced,
// because activity tracking must never fail the operation it rides on.
func (r *Registry) TouchActivity(ctx context.Context, id uuid.UUID) {
	if err := r.store.TouchActivity(ctx, id, time.Now().UTC()); err != nil {
		r.logger.Warn("touching session activity failed",
			slog.String("session_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// SetFileCount updates the advisory file counter.
func (r *Registry) SetFileCount(ctx context.Context, id uuid.UUID, n int) error {
	return r.store.SetFileCount(ctx, id, n)
}

// Store exposes the underlying store for components that need the
// transition primitives (the lifecycle controller).
func (r *Registry) Store() Store {
	return r.store
}
