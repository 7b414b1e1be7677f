// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the observed lifecycle state of a session's container.
// Transitions follow stopped → starting → running → stopping → stopped;
// error is reachable from starting/running/stopping and retryable back
// to starting.
type SessionState string

const (
	StateStopped  SessionState = "stopped"
	StateStarting SessionState = "starting"
	StateRunning  SessionState = "running"
	StateStopping SessionState = "stopping"
	StateError    SessionState = "error"
)

// DesiredState is what the user asked for, independent of what the
// container is actually doing right now.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// Session is a user's persistent record of one coding sandbox. The record
// outlives the container: a session exists whether or not its container
// is running.
//
// The registry store is the single owner of the record. ObservedState and
// ErrorMessage change only through the lifecycle controller's transition
// API — no other component writes them.
type Session struct {
	ID          uuid.UUID
	OwnerID     string // External user ID (API key identity).
	Name        string
	Description string

	DesiredState  DesiredState
	ObservedState SessionState
	ErrorMessage  string // Set when ObservedState == error.

	// FileCount is advisory bookkeeping for dashboards, not authoritative.
	FileCount int

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	DeletedAt      *time.Time // Soft delete. Non-nil = excluded from listings and all operations.
}

// Deleted reports whether the session has been soft-deleted.
func (s *Session) Deleted() bool {
	return s.DeletedAt != nil
}

// CanTransition reports whether the edge from → to is legal in the
// session state machine.
func CanTransition(from, to SessionState) bool {
	switch to {
	case StateStarting:
		return from == StateStopped || from == StateError
	case StateRunning:
		return from == StateStarting
	case StateStopping:
		return from == StateRunning
	case StateStopped:
		return from == StateStopping
	case StateError:
		return from == StateStarting || from == StateRunning || from == StateStopping
	}
	return false
}
