package api

import (
	"time"

	"previewd/internal/machine"
	"previewd/internal/session"
)

// Envelope 所有鉴权接口的统一响应结构
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type StartSessionRequest struct {
	ProjectID      string                `json:"projectId" binding:"required"`
	Tier           string                `json:"tier"`
	CustomConfig   *machine.CustomConfig `json:"customConfig"`
	IdempotencyKey string                `json:"idempotencyKey"`
}

type StopSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

type ResolveAlertRequest struct {
	Resolution string `json:"resolution"`
}

type StartSessionResponse struct {
	SessionID    string `json:"sessionId"`
	MachineID    string `json:"machineId,omitempty"`
	ContainerURL string `json:"containerUrl,omitempty"`
	Status       string `json:"status"`
	Reused       bool   `json:"reused,omitempty"`
}

type SessionResponse struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	UserID       string         `json:"userId"`
	Status       string         `json:"status"`
	Tier         string         `json:"tier"`
	MachineID    string         `json:"machineId,omitempty"`
	ContainerURL string         `json:"containerUrl,omitempty"`
	Limits       session.Limits `json:"limits"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ExpiresAt    string         `json:"expiresAt"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
	EndedAt      string         `json:"endedAt,omitempty"`
}

type MachineResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	State     machine.State   `json:"state"`
	Region    string          `json:"region"`
	Guest     machine.Guest   `json:"guest"`
	Checks    []machine.Check `json:"checks,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Tier      string          `json:"tier,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

type SessionStatusResponse struct {
	Session      SessionResponse  `json:"session"`
	Machine      *MachineResponse `json:"machine,omitempty"`
	MachineError string           `json:"machineError,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		UserID:       s.UserID,
		Status:       string(s.Status),
		Tier:         string(s.Tier),
		MachineID:    s.MachineID,
		ContainerURL: s.MachineURL,
		Limits:       s.Limits,
		ErrorMessage: s.ErrorMessage,
		ExpiresAt:    formatTime(s.ExpiresAt),
		CreatedAt:    formatTime(s.CreatedAt),
		UpdatedAt:    formatTime(s.UpdatedAt),
	}
	if s.EndedAt != nil {
		resp.EndedAt = formatTime(*s.EndedAt)
	}
	return resp
}

func toMachineResponse(m *machine.Machine) *MachineResponse {
	return &MachineResponse{
		ID:        m.ID,
		Name:      m.Name,
		State:     m.State,
		Region:    m.Region,
		Guest:     m.Config.Guest,
		Checks:    m.Checks,
		SessionID: m.Metadata(machine.MetaSessionID),
		Tier:      m.Metadata(machine.MetaTier),
		CreatedAt: formatTime(m.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
