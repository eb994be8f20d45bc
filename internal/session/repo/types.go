package repo

import (
	"time"

	"previewd/internal/session"
	"previewd/internal/tier"
)

const sessionCacheTTL = time.Minute * 5

type sessionModel struct {
	tableName struct{} `pg:"preview_sessions"`

	ID           string         `json:"id" pg:"id,pk"`
	UserID       string         `json:"user_id" pg:"user_id,notnull"`
	ProjectID    string         `json:"project_id" pg:"project_id,notnull"`
	Status       session.Status `json:"status" pg:"status,notnull"`
	Tier         tier.Name      `json:"tier" pg:"tier,notnull"`
	ClaimKey     string         `json:"claim_key" pg:"claim_key,notnull"`
	MachineID    string         `json:"machine_id" pg:"machine_id"`
	MachineURL   string         `json:"machine_url" pg:"machine_url"`
	Limits       session.Limits `json:"limits" pg:"limits,type:jsonb,notnull"`
	ExpiresAt    time.Time      `json:"expires_at" pg:"expires_at,notnull"`
	ErrorMessage string         `json:"error_message" pg:"error_message"`
	CreatedAt    time.Time      `json:"created_at" pg:"created_at,notnull"`
	UpdatedAt    time.Time      `json:"updated_at" pg:"updated_at,notnull"`
	EndedAt      *time.Time     `json:"ended_at" pg:"ended_at"`
}

func toModel(s *session.Session) *sessionModel {
	return &sessionModel{
		ID:           s.ID,
		UserID:       s.UserID,
		ProjectID:    s.ProjectID,
		Status:       s.Status,
		Tier:         s.Tier,
		ClaimKey:     s.ClaimKey,
		MachineID:    s.MachineID,
		MachineURL:   s.MachineURL,
		Limits:       s.Limits,
		ExpiresAt:    s.ExpiresAt,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		EndedAt:      s.EndedAt,
	}
}

func (m *sessionModel) toSession() *session.Session {
	return &session.Session{
		ID:           m.ID,
		UserID:       m.UserID,
		ProjectID:    m.ProjectID,
		Status:       m.Status,
		Tier:         m.Tier,
		ClaimKey:     m.ClaimKey,
		MachineID:    m.MachineID,
		MachineURL:   m.MachineURL,
		Limits:       m.Limits,
		ExpiresAt:    m.ExpiresAt,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		EndedAt:      m.EndedAt,
	}
}

func toSessions(models []sessionModel) []*session.Session {
	out := make([]*session.Session, 0, len(models))
	for i := range models {
		out = append(out, models[i].toSession())
	}
	return out
}

func sessionCacheKey(sessionID string) string {
	return "preview:session:" + sessionID + ":record"
}

var liveStatuses = []session.Status{session.StatusCreating, session.StatusActive}
