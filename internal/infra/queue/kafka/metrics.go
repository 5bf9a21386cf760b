package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts messages moving through the topics.
type Metrics struct {
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	publishErrors metric.Int64Counter
	consumeErrors metric.Int64Counter
}

// NewMetrics registers the Kafka instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("scan-armada/kafka")

	var (
		m   Metrics
		err error
	)
	if m.published, err = meter.Int64Counter("kafka_messages_published_total"); err != nil {
		return nil, err
	}
	if m.consumed, err = meter.Int64Counter("kafka_messages_consumed_total"); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("kafka_publish_errors_total"); err != nil {
		return nil, err
	}
	if m.consumeErrors, err = meter.Int64Counter("kafka_consume_errors_total"); err != nil {
		return nil, err
	}
	return &m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *Metrics) incPublished(ctx context.Context, topic string) {
	if m != nil {
		m.published.Add(ctx, 1, topicAttr(topic))
	}
}

func (m *Metrics) incConsumed(ctx context.Context, topic string) {
	if m != nil {
		m.consumed.Add(ctx, 1, topicAttr(topic))
	}
}

func (m *Metrics) incPublishError(ctx context.Context, topic string) {
	if m != nil {
		m.publishErrors.Add(ctx, 1, topicAttr(topic))
	}
}

func (m *Metrics) incConsumeError(ctx context.Context, topic string) {
	if m != nil {
		m.consumeErrors.Add(ctx, 1, topicAttr(topic))
	}
}
