package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/registry"
)

type idleStore struct {
	registry.Store

	idle    []domain.Session
	listErr error
}

func (s *idleStore) ListIdleRunning(_ context.Context, _ time.Time) ([]domain.Session, error) {
	return s.idle, s.listErr
}

type recordingStopper struct {
	mu      sync.Mutex
	stopped []uuid.UUID
	fail    map[uuid.UUID]error
}

func (r *recordingStopper) Stop(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[id]; ok {
		return err
	}
	r.stopped = append(r.stopped, id)
	return nil
}

func TestSweepStopsIdleSessions(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	store := &idleStore{idle: []domain.Session{{ID: a}, {ID: b}}}
	stopper := &recordingStopper{}
	r := New(Config{IdleTimeout: time.Minute}, store, stopper, slog.New(slog.DiscardHandler))

	r.Sweep(context.Background())

	if len(stopper.stopped) != 2 {
		t.Fatalf("stopped = %v, want both sessions", stopper.stopped)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	bad, good := uuid.New(), uuid.New()
	store := &idleStore{idle: []domain.Session{{ID: bad}, {ID: good}}}
	stopper := &recordingStopper{fail: map[uuid.UUID]error{bad: errors.New("conflicting lifecycle operation")}}
	r := New(Config{}, store, stopper, slog.New(slog.DiscardHandler))

	r.Sweep(context.Background())

	if len(stopper.stopped) != 1 || stopper.stopped[0] != good {
		t.Errorf("stopped = %v, want only %s", stopper.stopped, good)
	}
}

func TestSweepListFailure(t *testing.T) {
	store := &idleStore{listErr: errors.New("db down")}
	stopper := &recordingStopper{}
	r := New(Config{}, store, stopper, slog.New(slog.DiscardHandler))

	r.Sweep(context.Background())

	if len(stopper.stopped) != 0 {
		t.Errorf("stopped = %v, want none on list failure", stopper.stopped)
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := (Config{Schedule: "*/5 * * * *"}).Validate(); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
	if err := (Config{}).Validate(); err != nil {
		t.Errorf("default schedule rejected: %v", err)
	}
	if err := (Config{Schedule: "not a cron"}).Validate(); err == nil {
		t.Error("invalid schedule accepted")
	}
}

func TestDisabledReaperStartsNoop(t *testing.T) {
	r := New(Config{Enabled: false}, &idleStore{}, &recordingStopper{}, slog.New(slog.DiscardHandler))

	stop, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stop()
}
