package scheduler

import (
	"context"
	"time"

	"previewd/internal/session"
)

const (
	JobContainerCleanup = "container-cleanup"
	JobSystemMonitoring = "system-monitoring"
	JobOrphanCleanup    = "orphan-cleanup"
	JobSessionTimeout   = "session-timeout"
	JobMetricsSnapshot  = "metrics-snapshot"
)

type Intervals struct {
	ContainerCleanup time.Duration
	SystemMonitoring time.Duration
	OrphanCleanup    time.Duration
	SessionTimeout   time.Duration
	MetricsSnapshot  time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		ContainerCleanup: 15 * time.Minute,
		SystemMonitoring: 5 * time.Minute,
		OrphanCleanup:    60 * time.Minute,
		SessionTimeout:   10 * time.Minute,
		MetricsSnapshot:  time.Minute,
	}
}

// Sessions 任务依赖的会话管理器接口
type Sessions interface {
	CleanupExpiredSessions(ctx context.Context) (*session.CleanupReport, error)
	RunMonitoringJob(ctx context.Context) (*session.MonitoringSummary, error)
	CleanupOrphanedMachines(ctx context.Context) (int, error)
	EnforceTimeouts(ctx context.Context) (*session.CleanupReport, error)
	SnapshotMetrics(ctx context.Context) error
}

type RuntimeSampler interface {
	RecordRuntimeMetrics()
}

var _ Sessions = (*session.Manager)(nil)

// DefaultJobs 创建维护任务，间隔为零时使用默认值
func DefaultJobs(sessions Sessions, sampler RuntimeSampler, iv Intervals) []Job {
	def := DefaultIntervals()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}

	return []Job{
		{
			Name:     JobContainerCleanup,
			Interval: pick(iv.ContainerCleanup, def.ContainerCleanup),
			Run: func(ctx context.Context) error {
				_, err := sessions.CleanupExpiredSessions(ctx)
				return err
			},
		},
		{
			Name:     JobSystemMonitoring,
			Interval: pick(iv.SystemMonitoring, def.SystemMonitoring),
			Run: func(ctx context.Context) error {
				_, err := sessions.RunMonitoringJob(ctx)
				return err
			},
		},
		{
			Name:     JobOrphanCleanup,
			Interval: pick(iv.OrphanCleanup, def.OrphanCleanup),
			Run: func(ctx context.Context) error {
				_, err := sessions.CleanupOrphanedMachines(ctx)
				return err
			},
		},
		{
			Name:     JobSessionTimeout,
			Interval: pick(iv.SessionTimeout, def.SessionTimeout),
			Run: func(ctx context.Context) error {
				_, err := sessions.EnforceTimeouts(ctx)
				return err
			},
		},
		{
			Name:     JobMetricsSnapshot,
			Interval: pick(iv.MetricsSnapshot, def.MetricsSnapshot),
			Run: func(ctx context.Context) error {
				if sampler != nil {
					sampler.RecordRuntimeMetrics()
				}
				return sessions.SnapshotMetrics(ctx)
			},
		},
	}
}
