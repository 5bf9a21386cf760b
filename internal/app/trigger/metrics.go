package trigger

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts gate decisions and rejections.
type Metrics struct {
	decisions  metric.Int64Counter
	rejections metric.Int64Counter
}

// NewMetrics registers the gate instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("scan-armada/trigger")

	var (
		m   Metrics
		err error
	)
	if m.decisions, err = meter.Int64Counter("trigger_decisions_total",
		metric.WithDescription("Triggers accepted by the gate, by decision")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("trigger_rejections_total",
		metric.WithDescription("Push notifications rejected by the gate, by reason")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) decided(ctx context.Context, d Decision) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d))))
}

func (m *Metrics) rejected(ctx context.Context, err error) {
	if m == nil {
		return
	}
	reason := "error"
	switch {
	case errors.Is(err, ErrMissingSignature):
		reason = "missing_signature"
	case errors.Is(err, ErrMissingSecret):
		reason = "missing_secret"
	case errors.Is(err, ErrInvalidSignature):
		reason = "invalid_signature"
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
