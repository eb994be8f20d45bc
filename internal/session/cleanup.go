package session

import (
	"context"
	"fmt"
	"log/slog"

	"previewd/internal/machine"
)

// CleanupExpiredSessions 结束所有过期会话并清理孤儿 machine，单个会话失败不影响其余会话
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (*CleanupReport, error) {
	expired, err := m.repo.ListExpired(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}

	report := m.destroyBatch(ctx, expired, "expired")

	orphans, err := m.CleanupOrphanedMachines(ctx)
	if err != nil {
		m.logger.Error("Orphan cleanup failed", "error", err)
	}
	report.Orphans = orphans

	if report.Candidates > 0 || report.Orphans > 0 {
		m.logger.Info("Session cleanup completed",
			"candidates", report.Candidates,
			"ended", report.Ended,
			"failed", report.Failed,
			"orphans", report.Orphans,
		)
	}
	return report, nil
}

// CleanupOrphanedMachines 销毁超过 OrphanMaxAge 且没有存活会话引用的托管 machine
func (m *Manager) CleanupOrphanedMachines(ctx context.Context) (int, error) {
	// 取不到会话列表时不能清理，否则会误删在用的机器
	live, err := m.repo.ListActiveOrCreating(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live sessions: %w", err)
	}

	machines := make(map[string]struct{}, len(live))
	sessions := make(map[string]struct{}, len(live))
	for _, s := range live {
		sessions[s.ID] = struct{}{}
		if s.MachineID != "" {
			machines[s.MachineID] = struct{}{}
		}
	}
	keep := func(mach *machine.Machine) bool {
		if _, ok := machines[mach.ID]; ok {
			return true
		}
		_, ok := sessions[mach.Metadata(machine.MetaSessionID)]
		return ok
	}

	n, err := m.prov.CleanupOrphanedMachines(ctx, m.config.OrphanMaxAge, keep)
	if err != nil {
		return 0, err
	}
	if m.recorder != nil {
		m.recorder.RecordMetric("orphaned_machines", float64(n), nil)
	}
	return n, nil
}

// EnforceTimeouts 结束 creating 超过 CreatingTimeout 的会话以及已过期的 active 会话
func (m *Manager) EnforceTimeouts(ctx context.Context) (*CleanupReport, error) {
	live, err := m.repo.ListActiveOrCreating(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}

	now := m.now()
	var stuck, expired []*Session
	for _, s := range live {
		switch {
		case s.Status == StatusCreating && now.Sub(s.CreatedAt) > m.config.CreatingTimeout:
			stuck = append(stuck, s)
		case s.Expired(now):
			expired = append(expired, s)
		}
	}

	report := m.destroyBatch(ctx, stuck, "creation_timeout")
	more := m.destroyBatch(ctx, expired, "expired")
	report.Candidates += more.Candidates
	report.Ended += more.Ended
	report.Failed += more.Failed
	return report, nil
}

func (m *Manager) destroyBatch(ctx context.Context, sessions []*Session, reason string) *CleanupReport {
	report := &CleanupReport{Candidates: len(sessions)}
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			report.Failed += len(sessions) - report.Ended - report.Failed
			break
		}
		if err := m.destroy(ctx, sess, reason, false); err != nil {
			m.logger.Error("Failed to end session", "session_id", sess.ID, "reason", reason, "error", err)
			report.Failed++
			continue
		}
		report.Ended++
	}
	return report
}

// CleanupAllActive 在平台关闭时结束所有存活会话（需开启配置）
func CleanupAllActive(ctx context.Context, m *Manager, logger *slog.Logger) {
	sessions, err := m.repo.ListActiveOrCreating(ctx)
	if err != nil {
		logger.Error("Failed to list active sessions for shutdown cleanup", "error", err)
		return
	}

	if len(sessions) == 0 {
		return
	}

	logger.Info("Cleaning up active sessions on shutdown", "count", len(sessions))
	report := m.destroyBatch(ctx, sessions, "shutdown")
	logger.Info("Shutdown session cleanup completed", "ended", report.Ended, "failed", report.Failed)
}
