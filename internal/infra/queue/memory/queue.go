// Package memory provides an in-process job queue for single-binary
// deployments and tests. Jobs do not survive a restart.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/scan-armada/internal/app/dispatch"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

var _ dispatch.Queue = (*Queue)(nil)

// ErrQueueFull is returned when the buffer is exhausted.
var ErrQueueFull = errors.New("job queue is full")

// Queue is a bounded FIFO of scan jobs.
type Queue struct {
	jobs chan scanning.ScanJob

	mu      sync.Mutex
	pending int
}

// NewQueue creates a queue holding up to size jobs.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{jobs: make(chan scanning.ScanJob, size)}
}

// Enqueue adds job without blocking.
func (q *Queue) Enqueue(ctx context.Context, job scanning.ScanJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		q.mu.Lock()
		q.pending++
		q.mu.Unlock()
		return nil
	default:
		return ErrQueueFull
	}
}

// Deliveries streams queued jobs until ctx is cancelled. Jobs left in the
// buffer at that point stay queued for the next consumer.
func (q *Queue) Deliveries(ctx context.Context) (<-chan dispatch.Delivery, error) {
	out := make(chan dispatch.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.jobs:
				d := dispatch.Delivery{Job: job, Ack: q.ack}
				select {
				case out <- d:
				case <-ctx.Done():
					select {
					case q.jobs <- job:
					default:
						q.ack()
					}
					return
				}
			}
		}
	}()
	return out, nil
}

// Pending is the number of jobs enqueued and not yet acknowledged.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *Queue) ack() {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
}
