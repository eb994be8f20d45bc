package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"previewd/internal/monitor"
	"previewd/internal/tier"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "previewd/machine"

type ProvisionerConfig struct {
	App              string
	Image            string
	PreferredRegions []string
	FallbackRegion   string
	ReadyTimeout     time.Duration // 等待机器就绪的上限
	PollInterval     time.Duration
	StopGrace        time.Duration // stop 与强制删除之间的间隔
	VerifyTimeout    time.Duration
	VerifyInterval   time.Duration
	URLTemplate      string // 支持 {app} {machine} {name} {region}
}

// Provisioner 在 provisioning API 之上实现预览 machine 的生命周期规则
type Provisioner struct {
	api    API
	config ProvisionerConfig
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewProvisioner(api API, cfg ProvisionerConfig, logger *slog.Logger) *Provisioner {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.VerifyInterval == 0 {
		cfg.VerifyInterval = time.Second
	}
	if cfg.FallbackRegion == "" {
		cfg.FallbackRegion = "iad"
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = "https://{app}.fly.dev"
	}

	return &Provisioner{
		api:    api,
		config: cfg,
		logger: logger.With("component", "provisioner"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// observe runs one provider call inside a span and records its latency and outcome.
func (p *Provisioner) observe(ctx context.Context, op, machineID string, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "provider."+op, trace.WithAttributes(attribute.String("machine.id", machineID)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	monitor.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case errors.Is(err, ErrMachineNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	monitor.ProviderRequests.WithLabelValues(op, outcome).Inc()
	return err
}

// Create 为会话创建 machine 并等待就绪。
//
// 创建成功但等待就绪失败时，同时返回非 nil 的 machine 和错误：
// 远端 machine 已存在，调用方需要把它当作孤儿候选处理。
func (p *Provisioner) Create(ctx context.Context, projectID string, t tier.Tier, custom *CustomConfig, sessionID string) (*Machine, string, error) {
	ctx, span := p.tracer.Start(ctx, "machine.Create", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("tier", string(t.Name)),
	))
	defer span.End()

	req := p.buildRequest(projectID, sessionID, t, custom)

	var created *Machine
	err := p.observe(ctx, "create", "", func(ctx context.Context) error {
		m, err := p.api.CreateMachine(ctx, req)
		created = m
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "create failed")
		return nil, "", fmt.Errorf("create machine: %w", err)
	}

	p.logger.Info("Machine created",
		"machine_id", created.ID,
		"session_id", sessionID,
		"region", req.Region,
		"tier", t.Name,
	)

	ready, err := p.WaitReady(ctx, created.ID, p.config.ReadyTimeout)
	if err != nil {
		span.SetStatus(codes.Error, "machine not ready")
		p.logger.Error("Machine did not become ready",
			"machine_id", created.ID,
			"session_id", sessionID,
			"error", err,
		)
		return created, "", err
	}

	return ready, p.URL(ready), nil
}

func (p *Provisioner) buildRequest(projectID, sessionID string, t tier.Tier, custom *CustomConfig) CreateRequest {
	guest := GuestFromTier(t)
	image := p.config.Image
	port := 0
	if len(t.AllowedPorts) > 0 {
		port = t.AllowedPorts[0]
	}
	var preferred []string
	env := map[string]string{}

	if custom != nil {
		if custom.Image != "" {
			image = custom.Image
		}
		// 覆盖值只能在 tier 限额之内收紧
		if custom.CPUs > 0 && custom.CPUs <= guest.CPUs {
			guest.CPUs = custom.CPUs
		}
		if custom.MemoryMB > 0 && custom.MemoryMB <= guest.MemoryMB {
			guest.MemoryMB = custom.MemoryMB
		}
		if custom.InternalPort > 0 && t.PortAllowed(custom.InternalPort) {
			port = custom.InternalPort
		}
		maps.Copy(env, custom.Env)
		preferred = append(preferred, custom.Regions...)
	}
	preferred = append(preferred, p.config.PreferredRegions...)

	env["PREVIEW_PROJECT_ID"] = projectID
	env["PREVIEW_SESSION_ID"] = sessionID
	if port > 0 {
		env["PORT"] = strconv.Itoa(port)
	}

	cfg := Config{
		Image: image,
		Env:   env,
		Guest: guest,
		Restart: RestartPolicy{
			Policy: "on-failure",
		},
		Metadata: map[string]string{
			MetaSessionID: sessionID,
			MetaProjectID: projectID,
			MetaTier:      string(t.Name),
			MetaCreatedAt: p.now().UTC().Format(time.RFC3339),
		},
	}
	if port > 0 {
		cfg.Services = []Service{{
			Protocol:     "tcp",
			InternalPort: port,
			Ports: []Port{
				{Port: 443, Handlers: []string{"tls", "http"}},
				{Port: 80, Handlers: []string{"http"}},
			},
		}}
	}

	return CreateRequest{
		Name:   machineName(sessionID),
		Region: p.selectRegion(t, preferred),
		Config: Harden(cfg, t),
	}
}

func (p *Provisioner) selectRegion(t tier.Tier, preferred []string) string {
	for _, r := range preferred {
		if r != "" && !t.RegionBlocked(r) {
			return r
		}
	}
	return p.config.FallbackRegion
}

func machineName(sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return "preview-" + id
}

// URL 返回访问 m 上预览服务的地址
func (p *Provisioner) URL(m *Machine) string {
	if r, ok := p.api.(URLResolver); ok {
		if u := r.MachineURL(m); u != "" {
			return u
		}
	}
	return strings.NewReplacer(
		"{app}", p.config.App,
		"{machine}", m.ID,
		"{name}", m.Name,
		"{region}", m.Region,
	).Replace(p.config.URLTemplate)
}

// WaitReady 轮询直到 machine 启动且所有检查通过
func (p *Provisioner) WaitReady(ctx context.Context, id string, timeout time.Duration) (*Machine, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lastState := State("unknown")
	for {
		m, err := p.Get(waitCtx, id)
		if err == nil {
			lastState = m.State
			if m.Ready() {
				return m, nil
			}
			if m.State == StateFailed || m.Gone() {
				return nil, fmt.Errorf("%w: machine %s entered state %s", ErrMachineNotReady, id, m.State)
			}
		} else if waitCtx.Err() == nil {
			p.logger.Warn("Polling machine state failed", "machine_id", id, "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: machine %s still %s after %s", ErrMachineNotReady, id, lastState, timeout)
		case <-time.After(p.config.PollInterval):
			// 重试
		}
	}
}

// Destroy 停止并强制删除 machine。provider 错误只记日志，批量清理不中断
func (p *Provisioner) Destroy(ctx context.Context, id string) {
	l := p.logger.With("machine_id", id)

	err := p.Stop(ctx, id)
	if errors.Is(err, ErrMachineNotFound) {
		l.Info("Machine already gone")
		return
	}
	if err != nil {
		l.Warn("Failed to stop machine, forcing delete", "error", err)
	} else {
		// 给机器一点时间优雅退出
		select {
		case <-ctx.Done():
		case <-time.After(p.config.StopGrace):
		}
	}

	err = p.observe(ctx, "destroy", id, func(ctx context.Context) error {
		return p.api.DestroyMachine(ctx, id, true)
	})
	switch {
	case err == nil:
		l.Info("Machine destroyed")
	case errors.Is(err, ErrMachineNotFound):
		l.Info("Machine already gone")
	default:
		l.Error("Failed to destroy machine", "error", err)
	}
}

// DestroyAndVerify 销毁 machine 并确认其已不存在或已销毁
func (p *Provisioner) DestroyAndVerify(ctx context.Context, id string) error {
	p.Destroy(ctx, id)

	verifyCtx, cancel := context.WithTimeout(ctx, p.config.VerifyTimeout)
	defer cancel()

	lastState := State("unknown")
	for {
		m, err := p.Get(verifyCtx, id)
		switch {
		case errors.Is(err, ErrMachineNotFound):
			return nil
		case err == nil && m.State == StateDestroyed:
			return nil
		case err == nil:
			lastState = m.State
		}

		select {
		case <-verifyCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s (state %s)", ErrDestroyUnverified, id, lastState)
		case <-time.After(p.config.VerifyInterval):
		}
	}
}

func (p *Provisioner) Get(ctx context.Context, id string) (*Machine, error) {
	var m *Machine
	err := p.observe(ctx, "get", id, func(ctx context.Context) error {
		got, err := p.api.GetMachine(ctx, id)
		m = got
		return err
	})
	if err != nil {
		if errors.Is(err, ErrMachineNotFound) {
			return nil, ErrMachineNotFound
		}
		return nil, err
	}
	return m, nil
}

// sampleUsage 后端支持时附加用量采样，失败只记日志
func (p *Provisioner) sampleUsage(ctx context.Context, m *Machine) {
	sampler, ok := p.api.(UsageSampler)
	if !ok || m.State != StateStarted {
		return
	}
	err := p.observe(ctx, "sample_usage", m.ID, func(ctx context.Context) error {
		u, err := sampler.SampleUsage(ctx, m.ID)
		m.Usage = u
		return err
	})
	if err != nil {
		m.Usage = nil
		p.logger.Warn("Failed to sample machine usage", "machine_id", m.ID, "error", err)
	}
}

// List 返回本服务管理的 machine
func (p *Provisioner) List(ctx context.Context) ([]*Machine, error) {
	var all []*Machine
	err := p.observe(ctx, "list", "", func(ctx context.Context) error {
		ms, err := p.api.ListMachines(ctx)
		all = ms
		return err
	})
	if err != nil {
		return nil, err
	}

	managed := make([]*Machine, 0, len(all))
	for _, m := range all {
		if m.Managed() {
			managed = append(managed, m)
		}
	}
	return managed, nil
}

func (p *Provisioner) Start(ctx context.Context, id string) error {
	return p.observe(ctx, "start", id, func(ctx context.Context) error {
		return p.api.StartMachine(ctx, id)
	})
}

func (p *Provisioner) Stop(ctx context.Context, id string) error {
	return p.observe(ctx, "stop", id, func(ctx context.Context) error {
		return p.api.StopMachine(ctx, id)
	})
}

func (p *Provisioner) HealthCheck(ctx context.Context, id string) (bool, error) {
	m, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.Ready(), nil
}

func (p *Provisioner) ResourceUsage(ctx context.Context, id string) (*ResourceUsage, error) {
	m, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p.sampleUsage(ctx, m)
	t := tier.Lookup(m.Metadata(MetaTier))
	uptime := m.Age(p.now())
	passing := 0
	for _, c := range m.Checks {
		if c.Status == CheckPassing {
			passing++
		}
	}

	usage := &ResourceUsage{
		MachineID:     m.ID,
		State:         m.State,
		Region:        m.Region,
		CPUKind:       m.Config.Guest.CPUKind,
		CPUs:          m.Config.Guest.CPUs,
		MemoryMB:      m.Config.Guest.MemoryMB,
		Uptime:        uptime,
		ChecksPassing: passing,
		ChecksTotal:   len(m.Checks),
		Tier:          string(t.Name),
	}
	if m.Usage != nil {
		usage.CPUPercent = m.Usage.CPUPercent(m.Config.Guest)
		usage.MemoryPercent = m.Usage.MemoryPercent(m.Config.Guest)
		usage.Sampled = true
	}
	if t.MaxDuration > 0 {
		usage.BudgetUsedRate = float64(uptime) / float64(t.MaxDuration)
	}
	return usage, nil
}

// MonitorMachine 获取 machine 并分类。limits 为 nil 时使用 metadata 中记录的 tier 限额
func (p *Provisioner) MonitorMachine(ctx context.Context, id string, limits *Limits) (*MonitorResult, error) {
	m, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	p.sampleUsage(ctx, m)
	l := LimitsFromTier(tier.Lookup(m.Metadata(MetaTier)))
	if limits != nil {
		l = *limits
	}

	res := Classify(m, l, p.now())
	return &res, nil
}

// EnforceResourceLimits 比较实际 guest 规格与期望值，只报告偏差不纠正。
// expected 为 nil 时使用 metadata 中记录的 tier 规格
func (p *Provisioner) EnforceResourceLimits(ctx context.Context, id string, expected *Guest) (bool, error) {
	m, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}

	want := GuestFromTier(tier.Lookup(m.Metadata(MetaTier)))
	if expected != nil {
		want = *expected
	}

	got := m.Config.Guest
	if got.CPUs == want.CPUs && got.MemoryMB == want.MemoryMB && got.CPUKind == want.CPUKind {
		return true, nil
	}

	p.logger.Warn("Machine resources drifted from tier limits, needs manual reconciliation",
		"machine_id", id,
		"want_cpus", want.CPUs,
		"got_cpus", got.CPUs,
		"want_memory_mb", want.MemoryMB,
		"got_memory_mb", got.MemoryMB,
		"want_cpu_kind", want.CPUKind,
		"got_cpu_kind", got.CPUKind,
	)
	return false, nil
}

// CleanupOrphanedMachines 销毁存活超过 maxAge 的托管 machine，keep 非 nil 时保护仍被引用的 machine
func (p *Provisioner) CleanupOrphanedMachines(ctx context.Context, maxAge time.Duration, keep func(*Machine) bool) (int, error) {
	machines, err := p.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list machines: %w", err)
	}

	now := p.now()
	cleaned := 0
	for _, m := range machines {
		if m.Gone() {
			continue
		}
		if m.Age(now) <= maxAge {
			continue
		}
		if keep != nil && keep(m) {
			continue
		}

		p.logger.Warn("Destroying orphaned machine",
			"machine_id", m.ID,
			"session_id", m.Metadata(MetaSessionID),
			"age", m.Age(now).Truncate(time.Second),
		)
		p.Destroy(ctx, m.ID)
		monitor.MachinesReclaimed.Inc()
		cleaned++
	}

	if cleaned > 0 {
		p.logger.Info("Orphan cleanup completed", "cleaned", cleaned)
	}
	return cleaned, nil
}
