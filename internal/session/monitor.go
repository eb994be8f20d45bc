package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/tier"
)

// MonitorAllSessions 对所有存活会话的 machine 分类，最多 MonitorConcurrency 个并发 provider 调用。
// 标记为自动销毁的会话会被销毁，单个会话的失败记录在对应条目的 Error 中
func (m *Manager) MonitorAllSessions(ctx context.Context) ([]SessionHealth, error) {
	sessions, err := m.repo.ListActiveOrCreating(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}

	results := make([]SessionHealth, len(sessions))
	sem := make(chan struct{}, m.config.MonitorConcurrency)
	var wg sync.WaitGroup

	for i, sess := range sessions {
		wg.Go(func() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = SessionHealth{SessionID: sess.ID, MachineID: sess.MachineID, Status: machine.HealthWarning, Alerts: []string{}, Actions: []string{}, Error: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()
			results[i] = m.monitorSession(ctx, sess)
		})
	}
	wg.Wait()

	return results, nil
}

func (m *Manager) monitorSession(ctx context.Context, sess *Session) SessionHealth {
	h := SessionHealth{
		SessionID: sess.ID,
		MachineID: sess.MachineID,
		Status:    machine.HealthOK,
		Alerts:    []string{},
		Actions:   []string{},
	}
	if sess.MachineID == "" {
		// 仍在创建中
		return h
	}

	limits := sess.Limits.Machine()
	res, err := m.prov.MonitorMachine(ctx, sess.MachineID, &limits)
	switch {
	case errors.Is(err, machine.ErrMachineNotFound):
		// 机器已不存在，会话需要结束
		h.Status = machine.HealthCritical
		h.Alerts = append(h.Alerts, "Machine no longer exists")
		h.Actions = append(h.Actions, machine.ActionAutoDestroy)
	case err != nil:
		m.logger.Error("Failed to monitor machine", "session_id", sess.ID, "machine_id", sess.MachineID, "error", err)
		h.Status = machine.HealthWarning
		h.Error = "monitor failed"
		return h
	default:
		h.Status = res.Status
		h.Alerts = res.Alerts
		h.Actions = res.Actions
	}

	if !h.hasAction(machine.ActionAutoDestroy) {
		return h
	}

	m.logger.Warn("Auto-destroying session", "session_id", sess.ID, "machine_id", sess.MachineID, "alerts", h.Alerts)
	if err := m.destroy(ctx, sess, "auto_destroy", true); err != nil {
		h.Error = "auto-destroy failed"
		return h
	}
	h.Destroyed = true
	m.recordEvent(EventSessionAutoDestroy, monitor.SeverityWarning, map[string]any{
		"session_id": sess.ID,
		"machine_id": sess.MachineID,
		"alerts":     h.Alerts,
	})
	return h
}

func (h *SessionHealth) hasAction(action string) bool {
	for _, a := range h.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// EnforceSessionLimits 检查单个会话的资源偏差和时长限额，machine 被标记自动销毁时销毁会话
func (m *Manager) EnforceSessionLimits(ctx context.Context, id string) (*EnforcementResult, error) {
	sess, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.MachineID == "" || !sess.Status.Live() {
		return nil, ErrNoMachine
	}

	guest := sess.Limits.Guest()
	within, err := m.prov.EnforceResourceLimits(ctx, sess.MachineID, &guest)
	if err != nil {
		return nil, fmt.Errorf("enforce resource limits: %w", err)
	}

	limits := sess.Limits.Machine()
	res, err := m.prov.MonitorMachine(ctx, sess.MachineID, &limits)
	if err != nil {
		return nil, fmt.Errorf("monitor machine: %w", err)
	}

	out := &EnforcementResult{
		SessionID:    sess.ID,
		WithinLimits: within,
		Status:       res.Status,
		Alerts:       res.Alerts,
		Actions:      res.Actions,
	}
	if res.Status == machine.HealthCritical && res.HasAction(machine.ActionAutoDestroy) {
		if err := m.destroy(ctx, sess, "limits_exceeded", true); err != nil {
			return out, err
		}
		out.ActionTaken = true
	}
	return out, nil
}

// RunMonitoringJob 执行一轮监控，然后清理过期会话
func (m *Manager) RunMonitoringJob(ctx context.Context) (*MonitoringSummary, error) {
	results, err := m.MonitorAllSessions(ctx)
	if err != nil {
		return nil, err
	}

	sum := &MonitoringSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case machine.HealthCritical:
			sum.Critical++
		case machine.HealthWarning:
			sum.Warning++
		default:
			sum.OK++
		}
		if r.Error != "" {
			sum.Errors++
		}
		if r.Destroyed {
			sum.AutoDestroyed++
		}
	}

	if m.recorder != nil {
		m.recorder.RecordMetric("sessions_ok", float64(sum.OK), nil)
		m.recorder.RecordMetric("sessions_warning", float64(sum.Warning), nil)
		m.recorder.RecordMetric("critical_sessions", float64(sum.Critical), nil)
	}
	m.logger.Info("Monitoring pass completed",
		"total", sum.Total,
		"ok", sum.OK,
		"warning", sum.Warning,
		"critical", sum.Critical,
		"auto_destroyed", sum.AutoDestroyed,
	)

	report, err := m.CleanupExpiredSessions(ctx)
	if err != nil {
		return sum, err
	}
	sum.Cleanup = report
	return sum, nil
}

// SnapshotMetrics 记录会话数量和已分配容量
func (m *Manager) SnapshotMetrics(ctx context.Context) error {
	sessions, err := m.repo.ListActiveOrCreating(ctx)
	if err != nil {
		return fmt.Errorf("list live sessions: %w", err)
	}

	var active, creating, cpus, memMB int
	perTier := map[tier.Name]int{}
	for _, s := range sessions {
		switch s.Status {
		case StatusActive:
			active++
		case StatusCreating:
			creating++
		}
		perTier[s.Tier]++
		cpus += s.Limits.CPUCores
		memMB += s.Limits.MemoryMB
	}

	monitor.SessionLiveCount.WithLabelValues(string(StatusActive)).Set(float64(active))
	monitor.SessionLiveCount.WithLabelValues(string(StatusCreating)).Set(float64(creating))

	if m.recorder == nil {
		return nil
	}
	m.recorder.RecordMetric("active_sessions", float64(active), nil)
	m.recorder.RecordMetric("creating_sessions", float64(creating), nil)
	for _, t := range tier.All() {
		m.recorder.RecordMetric("tier_"+string(t.Name)+"_sessions", float64(perTier[t.Name]), map[string]string{"tier": string(t.Name)})
	}
	m.recorder.RecordMetric("allocated_cpus", float64(cpus), nil)
	m.recorder.RecordMetric("allocated_memory_mb", float64(memMB), nil)
	if m.config.FleetCPUs > 0 {
		m.recorder.RecordMetric("cpu_usage_percent", float64(cpus)/float64(m.config.FleetCPUs)*100, nil)
	}
	if m.config.FleetMemoryMB > 0 {
		m.recorder.RecordMetric("memory_usage_percent", float64(memMB)/float64(m.config.FleetMemoryMB)*100, nil)
	}
	return nil
}
