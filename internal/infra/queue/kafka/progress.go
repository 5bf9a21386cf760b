package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var _ scanning.ProgressBroadcaster = (*ProgressPublisher)(nil)

// progressMessage is the wire form of a progress event. The repository id
// travels with it so a relaying process can authorize stream subscribers.
type progressMessage struct {
	scanning.ProgressEvent
	RepositoryID string `json:"repository_id"`
}

// ProgressPublisher writes progress events to the progress topic keyed by
// scan id, which keeps the events of one scan in publication order.
type ProgressPublisher struct {
	producer sarama.SyncProducer
	topic    string

	metrics *Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewProgressPublisher creates a ProgressPublisher.
func NewProgressPublisher(
	producer sarama.SyncProducer,
	topic string,
	metrics *Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *ProgressPublisher {
	return &ProgressPublisher{
		producer: producer,
		topic:    topic,
		metrics:  metrics,
		logger:   log.With("component", "kafka_progress_publisher", "topic", topic),
		tracer:   tracer,
	}
}

// Broadcast publishes evt. Delivery failures are logged and dropped.
func (p *ProgressPublisher) Broadcast(ctx context.Context, evt scanning.ProgressEvent) {
	ctx, span := startProducerSpan(ctx, p.topic, p.tracer)
	defer span.End()
	span.SetAttributes(attribute.String("scan_id", evt.ScanID.String()))

	payload, err := json.Marshal(progressMessage{ProgressEvent: evt, RepositoryID: evt.RepositoryID.String()})
	if err != nil {
		span.RecordError(err)
		p.logger.Error(ctx, "encoding progress event", "scan_id", evt.ScanID.String(), "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.ScanID.String()),
		Value: sarama.ByteEncoder(payload),
	}
	injectTraceContext(ctx, msg)

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.metrics.incPublishError(ctx, p.topic)
		span.RecordError(err)
		p.logger.Warn(ctx, "publishing progress event", "scan_id", evt.ScanID.String(), "error", err)
		return
	}
	p.metrics.incPublished(ctx, p.topic)
}

// ProgressRelay consumes the progress topic and forwards every event to a
// local broadcaster. Every api replica runs a relay under its own consumer
// group so each of them sees all events.
type ProgressRelay struct {
	group  sarama.ConsumerGroup
	client sarama.Client
	topic  string
	sink   scanning.ProgressBroadcaster

	metrics *Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewProgressRelay creates a relay reading from group.
func NewProgressRelay(
	group sarama.ConsumerGroup,
	topic string,
	sink scanning.ProgressBroadcaster,
	metrics *Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *ProgressRelay {
	return &ProgressRelay{
		group:   group,
		topic:   topic,
		sink:    sink,
		metrics: metrics,
		logger:  log.With("component", "kafka_progress_relay", "topic", topic),
		tracer:  tracer,
	}
}

// Run relays events until ctx is cancelled.
func (r *ProgressRelay) Run(ctx context.Context) error {
	for {
		if err := r.group.Consume(ctx, []string{r.topic}, r); err != nil {
			r.logger.Error(ctx, "error from progress consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ConnectProgressRelay creates a relay with its own client and consumer
// group. groupID must be unique per replica.
func ConnectProgressRelay(
	cfg *Config,
	groupID string,
	sink scanning.ProgressBroadcaster,
	metrics *Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) (*ProgressRelay, error) {
	client, err := NewRelayClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating relay client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("creating relay consumer group: %w", err)
	}
	r := NewProgressRelay(group, cfg.ProgressTopic, sink, metrics, log, tracer)
	r.client = client
	return r, nil
}

// Close leaves the consumer group and releases the relay's own client.
func (r *ProgressRelay) Close() error {
	err := r.group.Close()
	if r.client != nil {
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *ProgressRelay) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (r *ProgressRelay) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *ProgressRelay) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		r.relay(sess.Context(), msg)
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (r *ProgressRelay) relay(ctx context.Context, msg *sarama.ConsumerMessage) {
	ctx = extractTraceContext(ctx, msg)
	ctx, span := startConsumerSpan(ctx, msg, r.tracer)
	defer span.End()

	evt, err := decodeProgress(msg.Value)
	if err != nil {
		r.metrics.incConsumeError(ctx, msg.Topic)
		span.RecordError(err)
		r.logger.Warn(ctx, "dropping undecodable progress event", "offset", msg.Offset, "error", err)
		return
	}
	r.metrics.incConsumed(ctx, msg.Topic)

	r.sink.Broadcast(ctx, evt)
}

func decodeProgress(b []byte) (scanning.ProgressEvent, error) {
	var m progressMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return scanning.ProgressEvent{}, err
	}
	evt := m.ProgressEvent
	if m.RepositoryID != "" {
		if err := evt.RepositoryID.UnmarshalText([]byte(m.RepositoryID)); err != nil {
			return scanning.ProgressEvent{}, fmt.Errorf("invalid repository id: %w", err)
		}
	}
	return evt, nil
}
