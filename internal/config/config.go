package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	Provider   ProviderConfig
	Session    SessionConfig
	Scheduler  SchedulerConfig
	Monitoring MonitoringConfig
	Realtime   RealtimeConfig
	Audit      AuditConfig
	Tracing    TracingConfig
	Metrics    MetricsConfig
	Auth       AuthConfig
	Log        LogConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CleanupOnShutdown 退出前结束所有存活会话
	CleanupOnShutdown bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type ProviderConfig struct {
	// Backend 取值 "fly" 或 "docker"
	Backend          string
	BaseURL          string
	Token            string
	App              string
	Image            string
	PreferredRegions []string
	FallbackRegion   string
	URLTemplate      string
	RequestTimeout   time.Duration
	ReadyTimeout     time.Duration
	PollInterval     time.Duration
	StopGrace        time.Duration
	DockerNetwork    string
}

type SessionConfig struct {
	OrphanMaxAge       time.Duration
	CreatingTimeout    time.Duration
	MonitorConcurrency int
	FleetCPUs          int
	FleetMemoryMB      int
}

type SchedulerConfig struct {
	// Mode 取值 "local"（进程内 ticker）、"asynq" 或 "off"
	Mode             string
	Concurrency      int
	ContainerCleanup time.Duration
	SystemMonitoring time.Duration
	OrphanCleanup    time.Duration
	SessionTimeout   time.Duration
	MetricsSnapshot  time.Duration
}

type MonitoringConfig struct {
	WebhookURL      string
	WebhookTimeout  time.Duration
	MetricRetention int
	EventRetention  int
	AlertRetention  int
}

type RealtimeConfig struct {
	// Backend 取值 "redis"、"nats" 或 "none"
	Backend string
	NATSURL string
}

type AuditConfig struct {
	// Backend 取值 "postgres"、"badger" 或 "none"
	Backend   string
	BadgerDir string
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

type MetricsConfig struct {
	Addr string
}

type AuthConfig struct {
	APIToken string
}

type LogConfig struct {
	Level slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:       getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
			CleanupOnShutdown: getBoolEnv("CLEANUP_ON_SHUTDOWN", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "previewd"),
		},
		Provider: ProviderConfig{
			Backend:          strings.ToLower(getEnv("PROVIDER_BACKEND", "fly")),
			BaseURL:          getEnv("FLY_API_URL", "https://api.machines.dev/v1"),
			Token:            getEnv("FLY_API_TOKEN", ""),
			App:              getEnv("FLY_APP_NAME", ""),
			Image:            getEnv("PREVIEW_IMAGE", "node:20-alpine"),
			PreferredRegions: getListEnv("PREVIEW_REGIONS", nil),
			FallbackRegion:   getEnv("PREVIEW_FALLBACK_REGION", "iad"),
			URLTemplate:      getEnv("MACHINE_URL_TEMPLATE", ""),
			RequestTimeout:   getDurationEnv("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
			ReadyTimeout:     getDurationEnv("MACHINE_READY_TIMEOUT", 60*time.Second),
			PollInterval:     getDurationEnv("MACHINE_POLL_INTERVAL", 2*time.Second),
			StopGrace:        getDurationEnv("MACHINE_STOP_GRACE", 2*time.Second),
			DockerNetwork:    getEnv("DOCKER_NETWORK", ""),
		},
		Session: SessionConfig{
			OrphanMaxAge:       getDurationEnv("ORPHAN_MAX_AGE", 60*time.Minute),
			CreatingTimeout:    getDurationEnv("SESSION_CREATING_TIMEOUT", 5*time.Minute),
			MonitorConcurrency: getIntEnv("MONITOR_CONCURRENCY", 5),
			FleetCPUs:          getIntEnv("FLEET_CPUS", 0),
			FleetMemoryMB:      getIntEnv("FLEET_MEMORY_MB", 0),
		},
		Scheduler: SchedulerConfig{
			Mode:             strings.ToLower(getEnv("SCHEDULER_MODE", "local")),
			Concurrency:      getIntEnv("SCHEDULER_CONCURRENCY", 2),
			ContainerCleanup: getDurationEnv("JOB_CONTAINER_CLEANUP_INTERVAL", 15*time.Minute),
			SystemMonitoring: getDurationEnv("JOB_SYSTEM_MONITORING_INTERVAL", 5*time.Minute),
			OrphanCleanup:    getDurationEnv("JOB_ORPHAN_CLEANUP_INTERVAL", 60*time.Minute),
			SessionTimeout:   getDurationEnv("JOB_SESSION_TIMEOUT_INTERVAL", 10*time.Minute),
			MetricsSnapshot:  getDurationEnv("JOB_METRICS_SNAPSHOT_INTERVAL", time.Minute),
		},
		Monitoring: MonitoringConfig{
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookTimeout:  getDurationEnv("ALERT_WEBHOOK_TIMEOUT", 5*time.Second),
			MetricRetention: getIntEnv("MONITOR_METRIC_RETENTION", 1000),
			EventRetention:  getIntEnv("MONITOR_EVENT_RETENTION", 500),
			AlertRetention:  getIntEnv("MONITOR_ALERT_RETENTION", 200),
		},
		Realtime: RealtimeConfig{
			Backend: strings.ToLower(getEnv("REALTIME_BACKEND", "redis")),
			NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Audit: AuditConfig{
			Backend:   strings.ToLower(getEnv("AUDIT_BACKEND", "postgres")),
			BadgerDir: getEnv("AUDIT_BADGER_DIR", "/var/lib/previewd/audit"),
		},
		Tracing: TracingConfig{
			Enabled:     getBoolEnv("TRACING_ENABLED", false),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "previewd"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
		Auth: AuthConfig{
			APIToken: getEnv("API_TOKEN", ""),
		},
		Log: LogConfig{
			Level: getLevelEnv("LOG_LEVEL", slog.LevelInfo),
		},
	}
}

// Validate 一次性返回所有配置错误
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Backend {
	case "fly":
		if c.Provider.Token == "" {
			errs = append(errs, errors.New("FLY_API_TOKEN is required for the fly backend"))
		}
		if c.Provider.App == "" {
			errs = append(errs, errors.New("FLY_APP_NAME is required for the fly backend"))
		}
	case "docker":
	default:
		errs = append(errs, fmt.Errorf("unknown PROVIDER_BACKEND %q", c.Provider.Backend))
	}

	if !oneOf(c.Scheduler.Mode, "local", "asynq", "off") {
		errs = append(errs, fmt.Errorf("unknown SCHEDULER_MODE %q", c.Scheduler.Mode))
	}
	if !oneOf(c.Realtime.Backend, "redis", "nats", "none") {
		errs = append(errs, fmt.Errorf("unknown REALTIME_BACKEND %q", c.Realtime.Backend))
	}
	if !oneOf(c.Audit.Backend, "postgres", "badger", "none") {
		errs = append(errs, fmt.Errorf("unknown AUDIT_BACKEND %q", c.Audit.Backend))
	}
	if c.Session.MonitorConcurrency <= 0 {
		errs = append(errs, errors.New("MONITOR_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getListEnv splits a comma separated value, dropping empty entries.
func getListEnv(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getLevelEnv(key string, defaultVal slog.Level) slog.Level {
	var lvl slog.Level
	if val := os.Getenv(key); val != "" {
		if err := lvl.UnmarshalText([]byte(val)); err == nil {
			return lvl
		}
	}
	return defaultVal
}
