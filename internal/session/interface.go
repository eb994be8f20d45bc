package session

import (
	"context"
	"time"

	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/tier"
)

// Repository 会话持久化的唯一读写入口。状态流转以当前状态为条件，
// 条件不满足时返回 ErrTransitionConflict
type Repository interface {
	// ClaimAndCreate 以 creating 状态插入 s，同一 claim key 已有存活会话时返回 *ClaimConflictError
	ClaimAndCreate(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	MarkActive(ctx context.Context, id, machineID, url string) error
	MarkError(ctx context.Context, id, message, machineID string) error
	MarkEnded(ctx context.Context, id string) error
	// ReleaseMachine 回收 machine 后清除 error 会话上的 machine
	ReleaseMachine(ctx context.Context, id, machineID string) error

	ListExpired(ctx context.Context, now time.Time) ([]*Session, error)
	ListActiveOrCreating(ctx context.Context) ([]*Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	// Owners 返回会话 id 到 user id 的映射，未知 id 不出现在结果中
	Owners(ctx context.Context, ids []string) (map[string]string, error)
}

type Provisioner interface {
	Create(ctx context.Context, projectID string, t tier.Tier, custom *machine.CustomConfig, sessionID string) (*machine.Machine, string, error)
	Destroy(ctx context.Context, id string)
	DestroyAndVerify(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*machine.Machine, error)
	MonitorMachine(ctx context.Context, id string, limits *machine.Limits) (*machine.MonitorResult, error)
	EnforceResourceLimits(ctx context.Context, id string, expected *machine.Guest) (bool, error)
	ResourceUsage(ctx context.Context, id string) (*machine.ResourceUsage, error)
	CleanupOrphanedMachines(ctx context.Context, maxAge time.Duration, keep func(*machine.Machine) bool) (int, error)
}

// Recorder 管理器写入的监控服务接口
type Recorder interface {
	RecordMetric(name string, value float64, tags map[string]string)
	RecordEvent(eventType string, payload map[string]any, severity monitor.Severity) monitor.Event
}

var (
	_ Provisioner = (*machine.Provisioner)(nil)
	_ Recorder    = (*monitor.Service)(nil)
)
