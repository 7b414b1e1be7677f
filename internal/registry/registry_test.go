package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
)

// memStore is a minimal in-memory Store for service-level tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
	touchErr error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (m *memStore) Create(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) List(_ context.Context, ownerID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && s.DeletedAt == nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) UpdateMeta(_ context.Context, id uuid.UUID, name, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Name = name
	s.Description = description
	return nil
}

func (m *memStore) CompareAndSetState(_ context.Context, id uuid.UUID, from, to domain.SessionState, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.ObservedState != from {
		return false, nil
	}
	s.ObservedState = to
	s.ErrorMessage = errMsg
	return true, nil
}

func (m *memStore) SetDesiredState(_ context.Context, id uuid.UUID, ds domain.DesiredState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.DesiredState = ds
		return nil
	}
	return ErrNotFound
}

func (m *memStore) TouchActivity(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touchErr != nil {
		return m.touchErr
	}
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = at
	}
	return nil
}

func (m *memStore) SetFileCount(_ context.Context, id uuid.UUID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.FileCount = n
	}
	return nil
}

func (m *memStore) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.DeletedAt = &at
		return nil
	}
	return ErrNotFound
}

func (m *memStore) ListIdleRunning(_ context.Context, cutoff time.Time) ([]domain.Session, error) {
	return nil, nil
}

func (m *memStore) ListTransitional(_ context.Context) ([]domain.Session, error) {
	return nil, nil
}

func newTestRegistry() (*Registry, *memStore) {
	store := newMemStore()
	return New(store, slog.New(slog.DiscardHandler)), store
}

func TestCreateStampsDefaults(t *testing.T) {
	reg, _ := newTestRegistry()

	s, err := reg.Create(context.Background(), "alice", "  web-app  ", "demo")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.Name != "web-app" {
		t.Errorf("name = %q, want trimmed", s.Name)
	}
	if s.ObservedState != domain.StateStopped || s.DesiredState != domain.DesiredStopped {
		t.Errorf("new session states = %q/%q, want stopped/stopped", s.ObservedState, s.DesiredState)
	}
	if s.ID == uuid.Nil || s.CreatedAt.IsZero() || s.LastActivityAt.IsZero() {
		t.Error("identity and timestamps must be stamped")
	}
}

func TestCreateRejectsBadNames(t *testing.T) {
	reg, _ := newTestRegistry()

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"too long", strings.Repeat("x", maxNameLength+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Create(context.Background(), "alice", tc.value, "")
			if !errors.Is(err, ErrInvalidName) {
				t.Errorf("Create(%q) error = %v, want ErrInvalidName", tc.value, err)
			}
		})
	}
}

func TestGetOwnedMasksOtherOwners(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	s, err := reg.Create(ctx, "alice", "web-app", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.GetOwned(ctx, s.ID, "alice"); err != nil {
		t.Errorf("owner lookup error = %v", err)
	}
	if _, err := reg.GetOwned(ctx, s.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign lookup error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMetaValidatesName(t *testing.T) {
	reg, store := newTestRegistry()
	ctx := context.Background()

	s, err := reg.Create(ctx, "alice", "web-app", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.UpdateMeta(ctx, s.ID, "", "desc"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("UpdateMeta empty name error = %v, want ErrInvalidName", err)
	}
	if err := reg.UpdateMeta(ctx, s.ID, " renamed ", "desc"); err != nil {
		t.Fatalf("UpdateMeta() error = %v", err)
	}
	got, _ := store.Get(ctx, s.ID)
	if got.Name != "renamed" {
		t.Errorf("name = %q, want trimmed rename", got.Name)
	}
}

func TestTouchActivitySwallowsStoreErrors(t *testing.T) {
	reg, store := newTestRegistry()
	ctx := context.Background()

	s, err := reg.Create(ctx, "alice", "web-app", "")
	if err != nil {
		t.Fatal(err)
	}

	store.touchErr = errors.New("db down")
	reg.TouchActivity(ctx, s.ID) // must not panic or surface the error

	store.touchErr = nil
	before, _ := store.Get(ctx, s.ID)
	reg.TouchActivity(ctx, s.ID)
	after, _ := store.Get(ctx, s.ID)
	if after.LastActivityAt.Before(before.LastActivityAt) {
		t.Error("activity timestamp must move forward")
	}
}
