package machine

import (
	"fmt"
	"time"
)

// warnFraction of the duration budget after which a machine is flagged.
const warnFraction = 0.8

// Classify 按限额判定 machine 状态。纯函数，只依赖参数
func Classify(m *Machine, limits Limits, now time.Time) MonitorResult {
	res := MonitorResult{
		MachineID: m.ID,
		State:     m.State,
		Status:    HealthOK,
		Alerts:    []string{},
		Actions:   []string{},
		Age:       m.Age(now),
	}

	if max := limits.MaxDuration; max > 0 {
		switch {
		case res.Age > max:
			res.escalate(HealthCritical)
			res.Alerts = append(res.Alerts, fmt.Sprintf("Machine exceeded maximum duration of %s (age %s)", max, res.Age.Truncate(time.Second)))
			res.Actions = append(res.Actions, ActionAutoDestroy)
		case float64(res.Age) > float64(max)*warnFraction:
			res.escalate(HealthWarning)
			res.Alerts = append(res.Alerts, fmt.Sprintf("Machine approaching maximum duration of %s (age %s)", max, res.Age.Truncate(time.Second)))
		}
	}

	if u := m.Usage; u != nil {
		if pct := u.CPUPercent(m.Config.Guest); limits.CPUAlertPercent > 0 && pct >= limits.CPUAlertPercent {
			res.escalate(HealthWarning)
			res.Alerts = append(res.Alerts, fmt.Sprintf("CPU usage %.0f%% reached the %.0f%% alert threshold", pct, limits.CPUAlertPercent))
		}
		if pct := u.MemoryPercent(m.Config.Guest); limits.MemoryAlertPercent > 0 && pct >= limits.MemoryAlertPercent {
			res.escalate(HealthWarning)
			res.Alerts = append(res.Alerts, fmt.Sprintf("Memory usage %.0f%% reached the %.0f%% alert threshold", pct, limits.MemoryAlertPercent))
		}
	}

	if m.State == StateFailed {
		res.escalate(HealthCritical)
		res.Alerts = append(res.Alerts, "Machine is in failed state")
	}

	for _, c := range m.Checks {
		switch c.Status {
		case CheckPassing:
		case CheckCritical:
			res.escalate(HealthCritical)
			res.Alerts = append(res.Alerts, fmt.Sprintf("Health check %s is critical", c.Name))
		default:
			res.escalate(HealthWarning)
			res.Alerts = append(res.Alerts, fmt.Sprintf("Health check %s is %s", c.Name, c.Status))
		}
	}

	return res
}

func (r *MonitorResult) escalate(s HealthStatus) {
	if severityRank(s) > severityRank(r.Status) {
		r.Status = s
	}
}

func severityRank(s HealthStatus) int {
	switch s {
	case HealthCritical:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}
