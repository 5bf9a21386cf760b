package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/app/dispatch"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var _ dispatch.Queue = (*JobQueue)(nil)

// JobQueue is the durable job queue of the worker pool. Jobs are keyed by
// scan id so every attempt of a scan lands on the same partition.
type JobQueue struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string

	metrics *Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewJobQueue creates a JobQueue. group may be nil for producer-only use,
// as in the api process.
func NewJobQueue(
	producer sarama.SyncProducer,
	group sarama.ConsumerGroup,
	topic string,
	metrics *Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *JobQueue {
	return &JobQueue{
		producer: producer,
		group:    group,
		topic:    topic,
		metrics:  metrics,
		logger:   log.With("component", "kafka_job_queue", "topic", topic),
		tracer:   tracer,
	}
}

// NewJobQueueFromClient builds the producer and, when consume is set, the
// consumer group from an existing client.
func NewJobQueueFromClient(
	client sarama.Client,
	cfg *Config,
	consume bool,
	metrics *Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) (*JobQueue, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	var group sarama.ConsumerGroup
	if consume {
		group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("creating consumer group: %w", err)
		}
	}
	return NewJobQueue(producer, group, cfg.JobTopic, metrics, log, tracer), nil
}

// Enqueue publishes job.
func (q *JobQueue) Enqueue(ctx context.Context, job scanning.ScanJob) error {
	ctx, span := startProducerSpan(ctx, q.topic, q.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("scan_id", job.ScanID.String()),
		attribute.Int("attempt", job.Attempt),
	)

	payload, err := json.Marshal(job)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding job: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(job.ScanID.String()),
		Value: sarama.ByteEncoder(payload),
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		q.metrics.incPublishError(ctx, q.topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send job")
		return fmt.Errorf("sending job to topic %s: %w", q.topic, err)
	}
	q.metrics.incPublished(ctx, q.topic)

	q.logger.Debug(ctx, "job enqueued",
		"scan_id", job.ScanID.String(),
		"attempt", job.Attempt,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Deliveries joins the consumer group and streams decoded jobs until ctx is
// cancelled. A message is committed when its delivery is acknowledged, so a
// crashed worker's job is redelivered to another member.
func (q *JobQueue) Deliveries(ctx context.Context) (<-chan dispatch.Delivery, error) {
	if q.group == nil {
		return nil, fmt.Errorf("job queue for topic %s has no consumer group", q.topic)
	}

	out := make(chan dispatch.Delivery)
	handler := &jobHandler{queue: q, out: out}

	go func() {
		defer close(out)
		for {
			if err := q.group.Consume(ctx, []string{q.topic}, handler); err != nil {
				q.logger.Error(ctx, "error from consumer group", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		for err := range q.group.Errors() {
			q.logger.Warn(ctx, "consumer group error", "error", err)
		}
	}()

	return out, nil
}

// Close releases the producer and the consumer group.
func (q *JobQueue) Close() error {
	if q.group != nil {
		if err := q.group.Close(); err != nil {
			return fmt.Errorf("closing consumer group: %w", err)
		}
	}
	if err := q.producer.Close(); err != nil {
		return fmt.Errorf("closing producer: %w", err)
	}
	return nil
}

// jobHandler implements sarama.ConsumerGroupHandler.
type jobHandler struct {
	queue *JobQueue
	out   chan<- dispatch.Delivery
}

func (h *jobHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *jobHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.queue.logger.Info(sess.Context(), "consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *jobHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	q := h.queue
	for msg := range claim.Messages() {
		msgCtx := extractTraceContext(sess.Context(), msg)
		msgCtx, span := startConsumerSpan(msgCtx, msg, q.tracer)

		var job scanning.ScanJob
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			q.metrics.incConsumeError(msgCtx, msg.Topic)
			span.RecordError(err)
			span.End()
			q.logger.Error(msgCtx, "dropping undecodable job", "offset", msg.Offset, "error", err)
			sess.MarkMessage(msg, "")
			continue
		}
		q.metrics.incConsumed(msgCtx, msg.Topic)
		span.End()

		m := msg
		d := dispatch.Delivery{
			Job: job,
			Ack: func() {
				sess.MarkMessage(m, "")
				sess.Commit()
			},
		}
		select {
		case h.out <- d:
		case <-sess.Context().Done():
			return nil
		}
	}
	return nil
}
