package monitor

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"

	"previewd/internal/monitor/audit"

	"github.com/google/uuid"
)

var ErrAlertNotFound = errors.New("alert not found")

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
}

type Alert struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Severity   Severity       `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
	Resolution string         `json:"resolution,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ThresholdRule 指标达到 Threshold 时产生 AlertType 告警
type ThresholdRule struct {
	Metric    string
	Threshold float64
	AlertType string
	Severity  Severity
	Message   string
}

var DefaultRules = []ThresholdRule{
	{Metric: "critical_sessions", Threshold: 5, AlertType: "critical_sessions_high", Severity: SeverityCritical, Message: "Too many sessions in critical state"},
	{Metric: "memory_usage_percent", Threshold: 90, AlertType: "memory_usage_high", Severity: SeverityWarning, Message: "Memory usage is high"},
	{Metric: "cpu_usage_percent", Threshold: 90, AlertType: "cpu_usage_high", Severity: SeverityWarning, Message: "CPU usage is high"},
	{Metric: "session_errors", Threshold: 10, AlertType: "session_errors_high", Severity: SeverityWarning, Message: "Session error count is high"},
	{Metric: "orphaned_machines", Threshold: 3, AlertType: "orphaned_machines_high", Severity: SeverityWarning, Message: "Orphaned machines detected"},
}

type Options struct {
	MetricRetention int
	EventRetention  int
	AlertRetention  int
	Rules           []ThresholdRule

	Audit   audit.Store
	Webhook *Webhook
}

// Service 保存本进程最近的指标、事件和告警，并发安全
type Service struct {
	mu      sync.Mutex
	metrics *ring[Metric]
	events  *ring[Event]
	alerts  *ring[Alert]
	rules   []ThresholdRule

	audit   audit.Store
	webhook *Webhook
	persist sync.WaitGroup

	logger  *slog.Logger
	started time.Time
	now     func() time.Time
}

func NewService(opts Options, logger *slog.Logger) *Service {
	if opts.MetricRetention <= 0 {
		opts.MetricRetention = 1000
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = 500
	}
	if opts.AlertRetention <= 0 {
		opts.AlertRetention = 200
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}

	return &Service{
		metrics: newRing[Metric](opts.MetricRetention),
		events:  newRing[Event](opts.EventRetention),
		alerts:  newRing[Alert](opts.AlertRetention),
		rules:   opts.Rules,
		audit:   opts.Audit,
		webhook: opts.Webhook,
		logger:  logger.With("component", "monitoring"),
		started: time.Now(),
		now:     time.Now,
	}
}

func (s *Service) RecordMetric(name string, value float64, tags map[string]string) {
	m := Metric{Name: name, Value: value, Timestamp: s.now(), Tags: tags}

	s.mu.Lock()
	s.metrics.push(m)
	s.mu.Unlock()

	s.checkMetricAlerts(m)
}

func (s *Service) RecordEvent(eventType string, payload map[string]any, severity Severity) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Severity:  severity,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	s.events.push(e)
	s.mu.Unlock()

	if severity == SeverityCritical {
		s.save(audit.Record{
			ID:        e.ID,
			Kind:      audit.KindEvent,
			Type:      e.Type,
			Severity:  string(e.Severity),
			Payload:   e.Payload,
			CreatedAt: e.Timestamp,
		})
	}
	return e
}

func (s *Service) CreateAlert(alertType, message string, severity Severity, payload map[string]any) Alert {
	a := s.newAlert(alertType, message, severity, payload)

	s.mu.Lock()
	s.alerts.push(a)
	s.mu.Unlock()

	s.alertRaised(a)
	return a
}

func (s *Service) newAlert(alertType, message string, severity Severity, payload map[string]any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Message:   message,
		Severity:  severity,
		Timestamp: s.now(),
		Payload:   payload,
	}
}

// alertRaised runs the side effects of a stored alert. It must be called without s.mu held.
func (s *Service) alertRaised(a Alert) {
	AlertsRaised.WithLabelValues(string(a.Severity)).Inc()
	s.logger.Warn("Alert raised", "alert_id", a.ID, "type", a.Type, "severity", a.Severity, "message", a.Message)

	if a.Severity != SeverityCritical {
		return
	}
	s.save(audit.Record{
		ID:        a.ID,
		Kind:      audit.KindAlert,
		Type:      a.Type,
		Severity:  string(a.Severity),
		Message:   a.Message,
		Payload:   a.Payload,
		CreatedAt: a.Timestamp,
	})
	if s.webhook != nil {
		s.webhook.Send(a)
	}
}

func (s *Service) ResolveAlert(id, resolution string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts.items {
		a := &s.alerts.items[i]
		if a.ID != id {
			continue
		}
		if !a.Resolved {
			now := s.now()
			a.Resolved = true
			a.Resolution = resolution
			a.ResolvedAt = &now
		}
		return *a, nil
	}
	return Alert{}, ErrAlertNotFound
}

// Metrics 按时间倒序返回最多 limit 条指标，name 为空时不过滤
func (s *Service) Metrics(name string, limit int) []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metrics.newest(limit, func(m Metric) bool {
		return name == "" || m.Name == name
	})
}

// Events 按时间倒序返回最多 limit 条事件，severity 为空时不过滤
func (s *Service) Events(limit int, severity Severity) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.events.newest(limit, func(e Event) bool {
		return severity == "" || e.Severity == severity
	})
}

func (s *Service) Alerts(activeOnly bool) []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.alerts.newest(0, func(a Alert) bool {
		return !activeOnly || !a.Resolved
	})
}

func (s *Service) checkMetricAlerts(m Metric) {
	for _, rule := range s.rules {
		if rule.Metric != m.Name || m.Value < rule.Threshold {
			continue
		}

		// 同类型未解决的告警只保留一条
		s.mu.Lock()
		if s.hasActiveAlertLocked(rule.AlertType) {
			s.mu.Unlock()
			continue
		}
		a := s.newAlert(rule.AlertType, rule.Message, rule.Severity, map[string]any{
			"metric":    m.Name,
			"value":     m.Value,
			"threshold": rule.Threshold,
		})
		s.alerts.push(a)
		s.mu.Unlock()

		s.alertRaised(a)
	}
}

func (s *Service) hasActiveAlertLocked(alertType string) bool {
	for _, a := range s.alerts.items {
		if a.Type == alertType && !a.Resolved {
			return true
		}
	}
	return false
}

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

type HealthSummary struct {
	Status         HealthStatus `json:"status"`
	ActiveAlerts   int          `json:"active_alerts"`
	CriticalAlerts int          `json:"critical_alerts"`
	WarningAlerts  int          `json:"warning_alerts"`
	MetricCount    int          `json:"metric_count"`
	EventCount     int          `json:"event_count"`
	UptimeSeconds  float64      `json:"uptime_seconds"`
	Timestamp      time.Time    `json:"timestamp"`
}

func (s *Service) HealthSummary() HealthSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := HealthSummary{
		Status:        StatusHealthy,
		MetricCount:   len(s.metrics.items),
		EventCount:    len(s.events.items),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Timestamp:     s.now(),
	}
	for _, a := range s.alerts.items {
		if a.Resolved {
			continue
		}
		h.ActiveAlerts++
		switch a.Severity {
		case SeverityCritical:
			h.CriticalAlerts++
		case SeverityWarning:
			h.WarningAlerts++
		}
	}

	switch {
	case h.CriticalAlerts > 0:
		h.Status = StatusCritical
	case h.WarningAlerts > 0:
		h.Status = StatusWarning
	}
	return h
}

type Dashboard struct {
	Health       HealthSummary `json:"health"`
	Latest       []Metric      `json:"latest_metrics"`
	RecentEvents []Event       `json:"recent_events"`
	ActiveAlerts []Alert       `json:"active_alerts"`
}

func (s *Service) Dashboard() Dashboard {
	return Dashboard{
		Health:       s.HealthSummary(),
		Latest:       s.latest(),
		RecentEvents: s.Events(20, ""),
		ActiveAlerts: s.Alerts(true),
	}
}

// latest returns the most recent metric per name, sorted by name.
func (s *Service) latest() []Metric {
	return s.latestBy(func(name string) string { return name })
}

// latestBy keeps the most recently recorded metric per key(name), sorted by key.
func (s *Service) latestBy(key func(string) string) []Metric {
	s.mu.Lock()
	byKey := make(map[string]Metric)
	for _, m := range s.metrics.items {
		byKey[key(m.Name)] = m
	}
	s.mu.Unlock()

	keys := slices.Sorted(maps.Keys(byKey))
	out := make([]Metric, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

// RecordRuntimeMetrics 采集本进程的 Go runtime 指标
func (s *Service) RecordRuntimeMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.RecordMetric("process_goroutines", float64(runtime.NumGoroutine()), nil)
	s.RecordMetric("process_heap_alloc_bytes", float64(ms.HeapAlloc), nil)
	s.RecordMetric("process_gc_cycles", float64(ms.NumGC), nil)
}

// RecentAudit 读取持久化的 critical 事件和告警
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]audit.Record, error) {
	return s.audit.Recent(ctx, limit)
}

func (s *Service) save(rec audit.Record) {
	s.persist.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.audit.Save(ctx, rec); err != nil {
			s.logger.Error("Failed to persist audit record", "id", rec.ID, "kind", rec.Kind, "error", err)
		}
	})
}

// Flush 等待未完成的审计写入和 webhook 推送
func (s *Service) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.persist.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.webhook != nil {
		return s.webhook.Wait(ctx)
	}
	return nil
}
