// Package storage defines the unified Store interface that abstracts
// session persistence. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/jkaninda/sanduku/internal/registry"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the unified persistence interface. Both backends implement it.
type Store interface {
	// Sessions returns the session record store.
	Sessions() registry.Store

	// Ping checks the backing database for health/readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}
