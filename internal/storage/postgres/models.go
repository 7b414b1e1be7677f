package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
)

// SessionModel is the GORM model for session records. Soft delete is
// modeled explicitly with deleted_at so the registry controls its
// semantics instead of gorm.DeletedAt hooks.
type SessionModel struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerID        string     `gorm:"size:128;index"`
	Name           string     `gorm:"size:128"`
	Description    string     `gorm:"type:text"`
	DesiredState   string     `gorm:"size:16"`
	ObservedState  string     `gorm:"size:16;index"`
	ErrorMessage   string     `gorm:"type:text"`
	FileCount      int        `gorm:"default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time  `gorm:"index"`
	DeletedAt      *time.Time `gorm:"index"`
}

// TableName overrides the GORM table name.
func (SessionModel) TableName() string { return "sessions" }

func toSessionModel(s *domain.Session) SessionModel {
	return SessionModel{
		ID:             s.ID,
		OwnerID:        s.OwnerID,
		Name:           s.Name,
		Description:    s.Description,
		DesiredState:   string(s.DesiredState),
		ObservedState:  string(s.ObservedState),
		ErrorMessage:   s.ErrorMessage,
		FileCount:      s.FileCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastActivityAt: s.LastActivityAt,
		DeletedAt:      s.DeletedAt,
	}
}

func toSessionDomain(m *SessionModel) *domain.Session {
	return &domain.Session{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Name:           m.Name,
		Description:    m.Description,
		DesiredState:   domain.DesiredState(m.DesiredState),
		ObservedState:  domain.SessionState(m.ObservedState),
		ErrorMessage:   m.ErrorMessage,
		FileCount:      m.FileCount,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		LastActivityAt: m.LastActivityAt,
		DeletedAt:      m.DeletedAt,
	}
}
