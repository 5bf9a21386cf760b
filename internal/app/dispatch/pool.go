package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Delivery is a job received from a Queue. Ack must be called once the job
// has been handled, whatever the outcome.
type Delivery struct {
	Job scanning.ScanJob
	Ack func()
}

// Queue is a durable job queue.
type Queue interface {
	Enqueue(ctx context.Context, job scanning.ScanJob) error
	// Deliveries streams jobs until ctx is cancelled, then closes the
	// channel.
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}

// JobExecutor runs one attempt of a job.
type JobExecutor interface {
	Execute(ctx context.Context, job scanning.ScanJob) error
	Abandon(ctx context.Context, job scanning.ScanJob, cause error) error
}

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// Pool is a fixed set of workers pulling jobs from a Queue. Each worker runs
// one scan end to end. Failed attempts are re-enqueued with the next attempt
// number and a backoff; the consuming worker waits out the backoff before
// running the job.
type Pool struct {
	queue    Queue
	executor JobExecutor
	policy   RetryPolicy
	workers  int

	logger *logger.Logger
	tracer trace.Tracer
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPoolRetryPolicy sets the backoff for re-enqueued attempts.
func WithPoolRetryPolicy(rp RetryPolicy) PoolOption { return func(p *Pool) { p.policy = rp } }

// NewPool creates a worker pool.
func NewPool(q Queue, exec JobExecutor, log *logger.Logger, tracer trace.Tracer, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:    q,
		executor: exec,
		policy:   DefaultRetryPolicy(),
		workers:  DefaultWorkers,
		logger:   log.With("component", "worker_pool"),
		tracer:   tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has returned.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.queue.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to job queue: %w", err)
	}

	p.logger.Info(ctx, "worker pool started", "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, id, d)
			}
		}(i)
	}
	wg.Wait()

	p.logger.Info(context.Background(), "worker pool stopped")
	return nil
}

func (p *Pool) handle(ctx context.Context, worker int, d Delivery) {
	job := d.Job
	ctx, span := p.tracer.Start(ctx, "worker_pool.handle",
		trace.WithAttributes(
			attribute.Int("worker", worker),
			attribute.String("scan_id", job.ScanID.String()),
			attribute.Int("attempt", job.Attempt),
		))
	defer span.End()

	if wait := time.Until(job.EnqueuedAt.Add(job.Backoff)); wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			// Shutting down; leave the delivery unacknowledged so it is
			// redelivered.
			return
		}
	}
	defer d.Ack()

	err := p.executor.Execute(ctx, job)
	if err == nil || !job.CanRetry() {
		return
	}

	next := job.NextAttempt(p.policy.Backoff(job.Attempt))
	if qerr := p.queue.Enqueue(context.WithoutCancel(ctx), next); qerr != nil {
		span.RecordError(qerr)
		p.logger.Error(ctx, "failed to schedule retry",
			"scan_id", job.ScanID.String(),
			"attempt", next.Attempt,
			"error", qerr,
		)
		_ = p.executor.Abandon(ctx, job, fmt.Errorf("%w (retry could not be scheduled)", err))
		return
	}
	span.AddEvent("retry_scheduled", trace.WithAttributes(attribute.String("backoff", next.Backoff.String())))
	p.logger.Info(ctx, "retry scheduled",
		"scan_id", job.ScanID.String(),
		"attempt", next.Attempt,
		"backoff", next.Backoff.String(),
	)
}
