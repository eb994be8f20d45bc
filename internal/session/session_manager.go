package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"previewd/internal/eventbus"
	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/tier"

	"github.com/google/uuid"
)

type Config struct {
	// OrphanMaxAge 无引用的托管 machine 超过该时长后被销毁
	OrphanMaxAge time.Duration
	// CreatingTimeout 会话停留在 creating 的最长时间
	CreatingTimeout    time.Duration
	MonitorConcurrency int
	NotifyTimeout      time.Duration

	// 集群容量，用于计算使用率指标，为零时不上报
	FleetCPUs     int
	FleetMemoryMB int
}

type Manager struct {
	repo     Repository
	prov     Provisioner
	notifier eventbus.Notifier
	recorder Recorder
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	errorCount atomic.Int64
	bg         sync.WaitGroup
}

func NewManager(repo Repository, prov Provisioner, notifier eventbus.Notifier, recorder Recorder, cfg Config, logger *slog.Logger) *Manager {
	if cfg.OrphanMaxAge == 0 {
		cfg.OrphanMaxAge = 60 * time.Minute
	}
	if cfg.CreatingTimeout == 0 {
		cfg.CreatingTimeout = 5 * time.Minute
	}
	if cfg.MonitorConcurrency <= 0 {
		cfg.MonitorConcurrency = 5
	}
	if cfg.NotifyTimeout == 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if notifier == nil {
		notifier = eventbus.Nop{}
	}

	return &Manager{
		repo:     repo,
		prov:     prov,
		notifier: notifier,
		recorder: recorder,
		config:   cfg,
		logger:   logger.With("component", "session-manager"),
		now:      time.Now,
	}
}

func validate(req CreateRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.ProjectID) == "":
		return fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}
	return nil
}

// CreateSession 在存储中占位，创建 machine 后标记为 active
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	t := tier.Lookup(req.Tier)
	now := m.now()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Status:    StatusCreating,
		Tier:      t.Name,
		ClaimKey:  req.ClaimKey(),
		Limits:    LimitsFromTier(t),
		ExpiresAt: now.Add(t.MaxDuration),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// 先写库再创建机器，重复请求在这里被拦截
	if err := m.repo.ClaimAndCreate(ctx, sess); err != nil {
		var conflict *ClaimConflictError
		if errors.As(err, &conflict) && conflict.Existing != nil {
			existing := conflict.Existing
			// 幂等键被用于另一个项目时不能返回别人的会话
			if existing.ProjectID != req.ProjectID {
				return nil, ErrClaimMismatch
			}
			if existing.Status == StatusActive && existing.UserID == req.UserID {
				m.logger.Info("Reusing active session", "session_id", existing.ID, "claim_key", sess.ClaimKey)
				return &CreateResult{
					SessionID: existing.ID,
					MachineID: existing.MachineID,
					URL:       existing.MachineURL,
					Status:    existing.Status,
					Reused:    true,
					Session:   existing,
				}, nil
			}
		}
		if errors.Is(err, ErrSessionInFlight) {
			return nil, ErrSessionInFlight
		}
		return nil, fmt.Errorf("claim session: %w", err)
	}

	l := m.logger.With("session_id", sess.ID, "project_id", sess.ProjectID, "tier", sess.Tier)
	l.Info("Session claimed, provisioning machine")

	mach, url, err := m.prov.Create(ctx, sess.ProjectID, t, req.Custom, sess.ID)
	// 远端操作完成后，状态写入不随请求取消
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		machineID := ""
		if mach != nil {
			machineID = mach.ID
		}
		m.failSession(storeCtx, sess, err, machineID)
		return &CreateResult{SessionID: sess.ID, MachineID: machineID, Status: StatusError}, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	if err := m.repo.MarkActive(storeCtx, sess.ID, mach.ID, url); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			// 创建期间会话已被结束，回收刚创建的机器
			l.Warn("Session ended during provisioning, destroying machine", "machine_id", mach.ID)
			m.prov.Destroy(storeCtx, mach.ID)
			return nil, ErrSessionCancelled
		}
		// 机器已存在但记录未更新，交给超时清理和孤儿回收
		l.Error("Failed to mark session active", "machine_id", mach.ID, "error", err)
		m.recordEvent(EventStoreInconsistent, monitor.SeverityCritical, map[string]any{
			"session_id": sess.ID,
			"machine_id": mach.ID,
			"step":       "mark_active",
		})
		return nil, fmt.Errorf("mark session active: %w", err)
	}

	sess.Status = StatusActive
	sess.MachineID = mach.ID
	sess.MachineURL = url

	monitor.SessionCreationLatency.Observe(m.now().Sub(now).Seconds())
	m.recordEvent(EventSessionCreated, monitor.SeverityInfo, map[string]any{
		"session_id": sess.ID,
		"machine_id": mach.ID,
		"tier":       string(sess.Tier),
	})
	l.Info("Session active", "machine_id", mach.ID, "url", url)

	m.register(eventbus.Registration{
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		UserID:    sess.UserID,
		MachineID: mach.ID,
		URL:       url,
		ExpiresAt: sess.ExpiresAt,
	})

	return &CreateResult{
		SessionID: sess.ID,
		MachineID: mach.ID,
		URL:       url,
		Status:    StatusActive,
		Session:   sess,
	}, nil
}

func (m *Manager) failSession(ctx context.Context, sess *Session, cause error, machineID string) {
	l := m.logger.With("session_id", sess.ID, "machine_id", machineID)
	l.Error("Provisioning failed", "error", cause)

	if err := m.repo.MarkError(ctx, sess.ID, cause.Error(), machineID); err != nil {
		l.Error("Failed to mark session error", "error", err)
	}

	monitor.SessionCreateErrors.Inc()
	if m.recorder != nil {
		m.recorder.RecordMetric("session_errors", float64(m.errorCount.Add(1)), nil)
	}
	m.recordEvent(EventSessionError, monitor.SeverityError, map[string]any{
		"session_id": sess.ID,
		"machine_id": machineID,
		"error":      cause.Error(),
	})
}

// DestroySession 注销会话，销毁并确认 machine 后标记为 ended。重复调用无副作用
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	sess, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.destroy(ctx, sess, "stopped", true)
}

// destroy tears a session down. With verify unset, machine destroy errors are
// swallowed so batch sweeps continue.
func (m *Manager) destroy(ctx context.Context, sess *Session, reason string, verify bool) error {
	switch {
	case sess.Status == StatusEnded:
		return nil
	case sess.Status == StatusError && sess.MachineID == "":
		return nil
	}

	l := m.logger.With("session_id", sess.ID, "machine_id", sess.MachineID, "reason", reason)
	m.unregister(sess.ID)

	if sess.MachineID != "" {
		if verify {
			if err := m.prov.DestroyAndVerify(ctx, sess.MachineID); err != nil {
				l.Error("Machine destroy not verified", "error", err)
				m.recordEvent(EventMachineDestroyError, monitor.SeverityCritical, map[string]any{
					"session_id": sess.ID,
					"machine_id": sess.MachineID,
				})
				return fmt.Errorf("destroy machine %s: %w", sess.MachineID, err)
			}
		} else {
			m.prov.Destroy(ctx, sess.MachineID)
		}
	}

	storeCtx := context.WithoutCancel(ctx)

	// error 状态保持不变，只回收机器
	if sess.Status == StatusError {
		if err := m.repo.ReleaseMachine(storeCtx, sess.ID, sess.MachineID); err != nil && !errors.Is(err, ErrTransitionConflict) {
			return fmt.Errorf("release machine: %w", err)
		}
		l.Info("Reclaimed machine of errored session")
		return nil
	}

	if err := m.repo.MarkEnded(storeCtx, sess.ID); err != nil {
		if !errors.Is(err, ErrTransitionConflict) {
			return fmt.Errorf("mark session ended: %w", err)
		}
		current, getErr := m.repo.Get(storeCtx, sess.ID)
		if getErr != nil {
			return fmt.Errorf("mark session ended: %w", err)
		}
		if current.Status.Live() {
			return fmt.Errorf("mark session ended: %w", err)
		}
		// 并发的另一次销毁已经完成
		l.Debug("Session already terminal", "status", current.Status)
		return nil
	}

	monitor.SessionsEnded.WithLabelValues(reason).Inc()
	m.recordEvent(EventSessionEnded, monitor.SeverityInfo, map[string]any{
		"session_id": sess.ID,
		"machine_id": sess.MachineID,
		"reason":     reason,
	})
	l.Info("Session ended")
	return nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.repo.Get(ctx, id)
}

// GetSessionStatus 返回会话及其 machine 的实时状态
func (m *Manager) GetSessionStatus(ctx context.Context, id string) (*StatusResult, error) {
	sess, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{Session: sess}
	if sess.MachineID == "" || !sess.Status.Live() {
		return res, nil
	}

	mach, err := m.prov.Get(ctx, sess.MachineID)
	switch {
	case err == nil:
		res.Machine = mach
	case errors.Is(err, machine.ErrMachineNotFound):
		res.MachineError = "machine not found"
	default:
		m.logger.Warn("Failed to fetch machine state", "session_id", id, "machine_id", sess.MachineID, "error", err)
		res.MachineError = "machine state unavailable"
	}
	return res, nil
}

func (m *Manager) ListUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	return m.repo.ListByUser(ctx, userID, 50)
}

// SessionOwners 查询每个会话 id 的所属用户，不区分状态
func (m *Manager) SessionOwners(ctx context.Context, ids []string) (map[string]string, error) {
	return m.repo.Owners(ctx, ids)
}

func (m *Manager) SessionMetrics(ctx context.Context, id string) (*Metrics, error) {
	sess, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	out := &Metrics{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Tier:       sess.Tier,
		Limits:     sess.Limits,
		AgeSeconds: now.Sub(sess.CreatedAt).Seconds(),
	}
	if remaining := sess.ExpiresAt.Sub(now); remaining > 0 {
		out.RemainingSeconds = remaining.Seconds()
	}

	if sess.MachineID != "" && sess.Status.Live() {
		usage, err := m.prov.ResourceUsage(ctx, sess.MachineID)
		if err != nil {
			m.logger.Warn("Failed to read machine usage", "session_id", id, "machine_id", sess.MachineID, "error", err)
		} else {
			out.Usage = usage
		}
	}
	return out, nil
}

func (m *Manager) register(reg eventbus.Registration) {
	m.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.NotifyTimeout)
		defer cancel()
		if err := m.notifier.Register(ctx, reg); err != nil {
			m.logger.Warn("Realtime registration failed", "session_id", reg.SessionID, "error", err)
		}
	})
}

func (m *Manager) unregister(sessionID string) {
	m.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.NotifyTimeout)
		defer cancel()
		if err := m.notifier.Unregister(ctx, sessionID); err != nil {
			m.logger.Warn("Realtime unregistration failed", "session_id", sessionID, "error", err)
		}
	})
}

func (m *Manager) recordEvent(eventType string, severity monitor.Severity, payload map[string]any) {
	if m.recorder != nil {
		m.recorder.RecordEvent(eventType, payload, severity)
	}
}

// Wait 等待后台通知全部完成
func (m *Manager) Wait() {
	m.bg.Wait()
}
