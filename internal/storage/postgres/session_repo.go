package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/registry"
)

// SessionRepository implements registry.Store on GORM. The SQLite
// backend reuses it since both drivers share the same models.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a session repository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	model := toSessionModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating session %s: %w", s.ID, err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return toSessionDomain(&model), nil
}

func (r *SessionRepository) List(ctx context.Context, ownerID string) ([]domain.Session, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions for %s: %w", ownerID, err)
	}

	sessions := make([]domain.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, *toSessionDomain(&models[i]))
	}
	return sessions, nil
}

func (r *SessionRepository) UpdateMeta(ctx context.Context, id uuid.UUID, name, description string) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{
			"name":        name,
			"description": description,
		})
	if result.Error != nil {
		return fmt.Errorf("updating session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// CompareAndSetState is a conditional UPDATE on observed_state; the
// WHERE clause carries the expected state so the transition is atomic
// at the database level.
func (r *SessionRepository) CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.SessionState, errMsg string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND observed_state = ? AND deleted_at IS NULL", id, string(from)).
		Updates(map[string]any{
			"observed_state": string(to),
			"error_message":  errMsg,
		})
	if result.Error != nil {
		return false, fmt.Errorf("transitioning session %s: %w", id, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// No row matched: either the state moved under us or the session
	// is gone. Distinguish so callers can report ErrNotFound.
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *SessionRepository) SetDesiredState(ctx context.Context, id uuid.UUID, ds domain.DesiredState) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("desired_state", string(ds))
	if result.Error != nil {
		return fmt.Errorf("setting desired state for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) TouchActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("last_activity_at", at)
	if result.Error != nil {
		return fmt.Errorf("touching session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) SetFileCount(ctx context.Context, id uuid.UUID, n int) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("file_count", n)
	if result.Error != nil {
		return fmt.Errorf("setting file count for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at)
	if result.Error != nil {
		return fmt.Errorf("deleting session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) ListTransitional(ctx context.Context) ([]domain.Session, error) {
	states := []string{
		string(domain.StateStarting),
		string(domain.StateRunning),
		string(domain.StateStopping),
	}

	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("observed_state IN ? AND deleted_at IS NULL", states).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing transitional sessions: %w", err)
	}

	sessions := make([]domain.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, *toSessionDomain(&models[i]))
	}
	return sessions, nil
}

func (r *SessionRepository) ListIdleRunning(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("observed_state = ? AND last_activity_at < ? AND deleted_at IS NULL",
			string(domain.StateRunning), cutoff).
		Order("last_activity_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}

	sessions := make([]domain.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, *toSessionDomain(&models[i]))
	}
	return sessions, nil
}
