package monitor

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const exportPrefix = "previewd_"

// ExportPrometheus 以 Prometheus 文本格式输出每个指标的最新值。
// 规范化后同名的指标合并为一个 family，以最后记录的为准
func (s *Service) ExportPrometheus() (string, error) {
	var b strings.Builder
	for _, m := range s.latestBy(familyName) {
		if _, err := expfmt.MetricFamilyToText(&b, metricFamily(m)); err != nil {
			return "", fmt.Errorf("encode metric %s: %w", m.Name, err)
		}
	}
	return b.String(), nil
}

func metricFamily(m Metric) *dto.MetricFamily {
	labels := make([]*dto.LabelPair, 0, len(m.Tags))
	seen := make(map[string]bool, len(m.Tags))
	for _, k := range slices.Sorted(maps.Keys(m.Tags)) {
		name := sanitizeName(k, false)
		// 重复的 label 名不合法，保留第一个
		if seen[name] {
			continue
		}
		seen[name] = true
		labels = append(labels, &dto.LabelPair{
			Name:  proto.String(name),
			Value: proto.String(m.Tags[k]),
		})
	}

	return &dto.MetricFamily{
		Name: proto.String(familyName(m.Name)),
		Help: proto.String("Latest recorded value of " + m.Name),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Label:       labels,
			Gauge:       &dto.Gauge{Value: proto.Float64(m.Value)},
			TimestampMs: proto.Int64(m.Timestamp.UnixMilli()),
		}},
	}
}

func familyName(metric string) string {
	return exportPrefix + sanitizeName(metric, true)
}

// sanitizeName maps name onto the legacy Prometheus charset. Colons are only
// valid in metric names, not label names.
func sanitizeName(name string, allowColon bool) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		case r == ':' && allowColon:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
