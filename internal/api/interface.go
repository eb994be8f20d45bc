package api

import (
	"context"

	"previewd/internal/eventbus"
	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/scheduler"
	"previewd/internal/session"
)

type Sessions interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.CreateResult, error)
	DestroySession(ctx context.Context, id string) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	GetSessionStatus(ctx context.Context, id string) (*session.StatusResult, error)
	ListUserSessions(ctx context.Context, userID string) ([]*session.Session, error)
	SessionOwners(ctx context.Context, ids []string) (map[string]string, error)
	SessionMetrics(ctx context.Context, id string) (*session.Metrics, error)
	EnforceSessionLimits(ctx context.Context, id string) (*session.EnforcementResult, error)
	CleanupExpiredSessions(ctx context.Context) (*session.CleanupReport, error)
}

type Machines interface {
	Get(ctx context.Context, id string) (*machine.Machine, error)
	List(ctx context.Context) ([]*machine.Machine, error)
}

type Monitoring interface {
	HealthSummary() monitor.HealthSummary
	Metrics(name string, limit int) []monitor.Metric
	Events(limit int, severity monitor.Severity) []monitor.Event
	Alerts(activeOnly bool) []monitor.Alert
	ResolveAlert(id, resolution string) (monitor.Alert, error)
	Dashboard() monitor.Dashboard
	ExportPrometheus() (string, error)
}

type Jobs interface {
	Jobs() []scheduler.JobStatus
	RunJobNow(ctx context.Context, name string) error
}

var (
	_ Sessions   = (*session.Manager)(nil)
	_ Machines   = (*machine.Provisioner)(nil)
	_ Monitoring = (*monitor.Service)(nil)
	_ Jobs       = (*scheduler.Scheduler)(nil)
)

// Deps 路由依赖的组件。Events 可以为 nil，此时关闭事件流
type Deps struct {
	Sessions   Sessions
	Machines   Machines
	Monitoring Monitoring
	Jobs       Jobs
	Events     eventbus.EventBus
}
