package dispatch

import (
	"context"
	"fmt"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// QueueDispatcher hands jobs to the worker pool through a Queue.
type QueueDispatcher struct{ queue Queue }

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(q Queue) *QueueDispatcher { return &QueueDispatcher{queue: q} }

// Dispatch enqueues the first attempt of job.
func (d *QueueDispatcher) Dispatch(ctx context.Context, job scanning.ScanJob) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing scan %s: %w", job.ScanID, err)
	}
	return nil
}
