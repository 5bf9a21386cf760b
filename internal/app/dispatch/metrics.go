package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records scan attempt outcomes.
type Metrics struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetrics registers the dispatch instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("scan-armada/dispatch")

	var (
		m   Metrics
		err error
	)
	if m.started, err = meter.Int64Counter("scan_attempts_started_total",
		metric.WithDescription("Scan attempts claimed by a worker")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("scans_completed_total",
		metric.WithDescription("Scans that reached completed")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("scans_failed_total",
		metric.WithDescription("Scans that reached failed")); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("scan_attempts_retried_total",
		metric.WithDescription("Failed attempts that were rescheduled")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("scan_attempt_duration_seconds",
		metric.WithDescription("Wall-clock time of one scan attempt"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) attemptStarted(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

func (m *Metrics) attemptFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.duration.Record(ctx, d.Seconds(), attrs)
	switch outcome {
	case outcomeCompleted:
		m.completed.Add(ctx, 1)
	case outcomeFailed:
		m.failed.Add(ctx, 1)
	case outcomeRetried:
		m.retried.Add(ctx, 1)
	}
}
