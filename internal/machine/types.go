package machine

import (
	"time"

	"previewd/internal/tier"
)

type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateStarted    State = "started"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
	StateFailed     State = "failed"
	StateReplacing  State = "replacing"
)

const (
	CheckPassing  = "passing"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// 本服务创建的每个 machine 都带有以下 metadata
const (
	MetaManagedBy = "managed_by"
	MetaSessionID = "previewd_session_id"
	MetaProjectID = "previewd_project_id"
	MetaTier      = "previewd_tier"
	MetaCreatedAt = "previewd_created_at"

	ManagedByValue = "previewd"
)

type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

func GuestFromTier(t tier.Tier) Guest {
	return Guest{
		CPUKind:  t.Guest.CPUKind,
		CPUs:     t.Guest.CPUs,
		MemoryMB: t.Guest.MemoryMB,
	}
}

type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

type Port struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers,omitempty"`
}

type Service struct {
	Protocol     string `json:"protocol"`
	InternalPort int    `json:"internal_port"`
	Ports        []Port `json:"ports,omitempty"`
}

type RestartPolicy struct {
	Policy string `json:"policy"`
}

type Config struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	Guest       Guest             `json:"guest"`
	Services    []Service         `json:"services,omitempty"`
	Restart     RestartPolicy     `json:"restart"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	AutoDestroy bool              `json:"auto_destroy"`
}

type CreateRequest struct {
	Name   string `json:"name,omitempty"`
	Region string `json:"region,omitempty"`
	Config Config `json:"config"`
}

type Machine struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Region     string    `json:"region"`
	InstanceID string    `json:"instance_id,omitempty"`
	PrivateIP  string    `json:"private_ip,omitempty"`
	Config     Config    `json:"config"`
	Checks     []Check   `json:"checks,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Usage 只有支持采样的 backend 才会填充
	Usage *Usage `json:"usage,omitempty"`

	hostPort string
}

// Usage 运行中 machine 的一次用量采样
type Usage struct {
	CPUCores  float64   `json:"cpu_cores"`
	MemoryMB  float64   `json:"memory_mb"`
	SampledAt time.Time `json:"sampled_at"`
}

// CPUPercent 已用 CPU 占 guest 配额的百分比
func (u *Usage) CPUPercent(g Guest) float64 {
	if g.CPUs <= 0 {
		return 0
	}
	return u.CPUCores / float64(g.CPUs) * 100
}

func (u *Usage) MemoryPercent(g Guest) float64 {
	if g.MemoryMB <= 0 {
		return 0
	}
	return u.MemoryMB / float64(g.MemoryMB) * 100
}

func (m *Machine) Metadata(key string) string {
	if m.Config.Metadata == nil {
		return ""
	}
	return m.Config.Metadata[key]
}

func (m *Machine) Managed() bool {
	return m.Metadata(MetaManagedBy) == ManagedByValue
}

// Gone 表示 machine 已销毁或正在销毁
func (m *Machine) Gone() bool {
	return m.State == StateDestroyed || m.State == StateDestroying
}

func (m *Machine) ChecksPassing() bool {
	for _, c := range m.Checks {
		if c.Status != CheckPassing {
			return false
		}
	}
	return true
}

// Ready 表示 machine 已启动且检查全部通过
func (m *Machine) Ready() bool {
	return m.State == StateStarted && m.ChecksPassing()
}

// StartedAt 优先使用 metadata 中的创建时间，provider 替换 machine 后仍然有效
func (m *Machine) StartedAt() time.Time {
	if raw := m.Metadata(MetaCreatedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return m.CreatedAt
}

func (m *Machine) Age(now time.Time) time.Duration {
	return now.Sub(m.StartedAt())
}

// CustomConfig 调用方的自定义配置，合并到 tier 默认值之上
type CustomConfig struct {
	Image        string            `json:"image,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Regions      []string          `json:"regions,omitempty"`
	CPUs         int               `json:"cpus,omitempty"`
	MemoryMB     int               `json:"memory_mb,omitempty"`
	InternalPort int               `json:"internal_port,omitempty"`
}

// Limits 判定 machine 时使用的限额
type Limits struct {
	Guest       Guest
	MaxDuration time.Duration
	// 利用率告警阈值（百分比），0 表示不检查
	CPUAlertPercent    float64
	MemoryAlertPercent float64
}

func LimitsFromTier(t tier.Tier) Limits {
	return Limits{
		Guest:              GuestFromTier(t),
		MaxDuration:        t.MaxDuration,
		CPUAlertPercent:    t.CPUAlertPercent,
		MemoryAlertPercent: t.MemoryAlertPercent,
	}
}

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

const ActionAutoDestroy = "Auto-destroy machine"

type MonitorResult struct {
	MachineID string        `json:"machine_id"`
	State     State         `json:"state"`
	Status    HealthStatus  `json:"status"`
	Alerts    []string      `json:"alerts"`
	Actions   []string      `json:"actions"`
	Age       time.Duration `json:"age"`
}

func (r *MonitorResult) HasAction(action string) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

type ResourceUsage struct {
	MachineID      string        `json:"machine_id"`
	State          State         `json:"state"`
	Region         string        `json:"region"`
	CPUKind        string        `json:"cpu_kind"`
	CPUs           int           `json:"cpus"`
	MemoryMB       int           `json:"memory_mb"`
	Uptime         time.Duration `json:"uptime"`
	ChecksPassing  int           `json:"checks_passing"`
	ChecksTotal    int           `json:"checks_total"`
	Tier           string        `json:"tier"`
	BudgetUsedRate float64       `json:"budget_used_rate"`
	// 仅在 Sampled 为 true 时有效
	Sampled       bool    `json:"sampled"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}
