// Package reaper stops sessions that have been idle past a configurable
// timeout. Activity is tracked by the registry (exec, terminal stdin,
// file operations); the reaper sweeps on a cron schedule and asks the
// lifecycle controller for an orderly stop. Files are untouched — an
// idle-stopped session restarts with its workspace intact.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sanduku/internal/registry"
)

// Stopper is the slice of the lifecycle controller the reaper needs.
type Stopper interface {
	Stop(ctx context.Context, id uuid.UUID) error
}

// Config holds reaper settings.
type Config struct {
	Enabled     bool
	Schedule    string        // Cron expression. Default "*/5 * * * *".
	IdleTimeout time.Duration // Inactivity before a session is stopped. Default 30m.
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "*/5 * * * *"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	return c
}

// Validate checks the cron expression.
func (c Config) Validate() error {
	if _, err := cron.ParseStandard(c.withDefaults().Schedule); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// Reaper sweeps idle running sessions on a schedule.
type Reaper struct {
	cfg     Config
	store   registry.Store
	stopper Stopper
	logger  *slog.Logger
}

// New creates a Reaper.
func New(cfg Config, store registry.Store, stopper Stopper, logger *slog.Logger) *Reaper {
	return &Reaper{cfg: cfg.withDefaults(), store: store, stopper: stopper, logger: logger}
}

// Start schedules the sweep and returns a stop function. A disabled
// reaper returns a no-op stop.
func (r *Reaper) Start(ctx context.Context) (func(), error) {
	if !r.cfg.Enabled {
		r.logger.Info("idle session reaper disabled")
		return func() {}, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()

	r.logger.Info("idle session reaper started",
		slog.String("schedule", r.cfg.Schedule),
		slog.Duration("idle_timeout", r.cfg.IdleTimeout),
	)

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}, nil
}

// Sweep stops every running session whose last activity is older than
// the idle timeout. Individual failures are logged and do not abort the
// sweep; a session that raced into a conflicting operation is simply
// picked up next time.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.IdleTimeout)
	sessions, err := r.store.ListIdleRunning(ctx, cutoff)
	if err != nil {
		r.logger.Error("listing idle sessions failed", slog.String("error", err.Error()))
		return
	}

	for _, s := range sessions {
		if err := r.stopper.Stop(ctx, s.ID); err != nil {
			r.logger.Warn("stopping idle session failed",
				slog.String("session_id", s.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("idle session stopped",
			slog.String("session_id", s.ID.String()),
			slog.Time("last_activity", s.LastActivityAt),
		)
	}
}
