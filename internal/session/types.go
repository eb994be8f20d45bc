package session

import (
	"time"

	"previewd/internal/machine"
	"previewd/internal/tier"
)

type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusError    Status = "error"
)

// Live 表示该状态仍持有（或正在获取）machine
func (s Status) Live() bool {
	return s == StatusCreating || s == StatusActive
}

// Limits 会话创建时记录的资源限额，之后 tier 的变化不影响它
type Limits struct {
	CPUKind          string  `json:"cpu_kind"`
	CPUCores         int     `json:"cpu_cores"`
	MemoryMB         int     `json:"memory_mb"`
	MaxDurationHours float64 `json:"max_duration_hours"`

	CPUAlertPercent    float64 `json:"cpu_alert_percent,omitempty"`
	MemoryAlertPercent float64 `json:"memory_alert_percent,omitempty"`
}

func LimitsFromTier(t tier.Tier) Limits {
	return Limits{
		CPUKind:          t.Guest.CPUKind,
		CPUCores:         t.Guest.CPUs,
		MemoryMB:         t.Guest.MemoryMB,
		MaxDurationHours: t.MaxDurationHours(),

		CPUAlertPercent:    t.CPUAlertPercent,
		MemoryAlertPercent: t.MemoryAlertPercent,
	}
}

func (l Limits) Guest() machine.Guest {
	return machine.Guest{CPUKind: l.CPUKind, CPUs: l.CPUCores, MemoryMB: l.MemoryMB}
}

func (l Limits) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationHours * float64(time.Hour))
}

func (l Limits) Machine() machine.Limits {
	return machine.Limits{
		Guest:              l.Guest(),
		MaxDuration:        l.MaxDuration(),
		CPUAlertPercent:    l.CPUAlertPercent,
		MemoryAlertPercent: l.MemoryAlertPercent,
	}
}

type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ProjectID    string     `json:"project_id"`
	Status       Status     `json:"status"`
	Tier         tier.Name  `json:"tier"`
	ClaimKey     string     `json:"-"`
	MachineID    string     `json:"machine_id,omitempty"`
	MachineURL   string     `json:"machine_url,omitempty"`
	Limits       Limits     `json:"limits"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type CreateRequest struct {
	UserID         string
	ProjectID      string
	Tier           string
	Custom         *machine.CustomConfig
	IdempotencyKey string
}

// ClaimKey 用于识别重复的进行中请求
func (r CreateRequest) ClaimKey() string {
	if r.IdempotencyKey != "" {
		return "idem:" + r.IdempotencyKey
	}
	return r.ProjectID + ":" + r.UserID
}

type CreateResult struct {
	SessionID string   `json:"session_id"`
	MachineID string   `json:"machine_id,omitempty"`
	URL       string   `json:"url,omitempty"`
	Status    Status   `json:"status"`
	Reused    bool     `json:"reused"`
	Session   *Session `json:"-"`
}

type StatusResult struct {
	Session      *Session         `json:"session"`
	Machine      *machine.Machine `json:"machine,omitempty"`
	MachineError string           `json:"machine_error,omitempty"`
}

type Metrics struct {
	SessionID        string                 `json:"session_id"`
	Status           Status                 `json:"status"`
	Tier             tier.Name              `json:"tier"`
	Limits           Limits                 `json:"limits"`
	Usage            *machine.ResourceUsage `json:"usage,omitempty"`
	AgeSeconds       float64                `json:"age_seconds"`
	RemainingSeconds float64                `json:"remaining_seconds"`
}

type SessionHealth struct {
	SessionID string               `json:"session_id"`
	MachineID string               `json:"machine_id,omitempty"`
	Status    machine.HealthStatus `json:"status"`
	Alerts    []string             `json:"alerts"`
	Actions   []string             `json:"actions"`
	Destroyed bool                 `json:"destroyed"`
	Error     string               `json:"error,omitempty"`
}

type EnforcementResult struct {
	SessionID    string               `json:"session_id"`
	WithinLimits bool                 `json:"within_limits"`
	Status       machine.HealthStatus `json:"status"`
	Alerts       []string             `json:"alerts"`
	Actions      []string             `json:"actions"`
	ActionTaken  bool                 `json:"action_taken"`
}

type CleanupReport struct {
	Candidates int `json:"candidates"`
	Ended      int `json:"ended"`
	Failed     int `json:"failed"`
	Orphans    int `json:"orphans"`
}

type MonitoringSummary struct {
	Total         int            `json:"total"`
	OK            int            `json:"ok"`
	Warning       int            `json:"warning"`
	Critical      int            `json:"critical"`
	Errors        int            `json:"errors"`
	AutoDestroyed int            `json:"auto_destroyed"`
	Cleanup       *CleanupReport `json:"cleanup,omitempty"`
}

// 写入监控服务的事件类型
const (
	EventSessionCreated      = "session_created"
	EventSessionError        = "session_error"
	EventSessionEnded        = "session_ended"
	EventSessionAutoDestroy  = "session_auto_destroyed"
	EventMachineDestroyError = "machine_destroy_failed"
	EventStoreInconsistent   = "session_store_inconsistent"
)
