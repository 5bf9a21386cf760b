package scanner

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records plugin execution telemetry.
type Metrics struct {
	duration metric.Float64Histogram
	findings metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetrics creates the plugin instruments.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("scan-armada/scanner")

	duration, err := meter.Float64Histogram("scanner_plugin_duration_seconds",
		metric.WithDescription("Wall clock time of a single plugin run"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	findings, err := meter.Int64Counter("scanner_plugin_findings_total",
		metric.WithDescription("Raw findings produced per plugin"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("scanner_plugin_failures_total",
		metric.WithDescription("Plugin runs that degraded to partial or empty results"))
	if err != nil {
		return nil, err
	}

	return &Metrics{duration: duration, findings: findings, failures: failures}, nil
}

func (m *Metrics) observe(ctx context.Context, res Result) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", res.Tool))
	m.duration.Record(ctx, res.Duration.Seconds(), attrs)
	m.findings.Add(ctx, int64(len(res.Findings)), attrs)
	if res.Degraded {
		m.failures.Add(ctx, 1, attrs)
	}
}

