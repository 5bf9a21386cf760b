package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

type chanQueue struct {
	in         chan scanning.ScanJob
	mu         sync.Mutex
	enqueued   []scanning.ScanJob
	acked      int
	enqueueErr error
}

func newChanQueue() *chanQueue { return &chanQueue{in: make(chan scanning.ScanJob, 16)} }

func (q *chanQueue) Enqueue(_ context.Context, job scanning.ScanJob) error {
	q.mu.Lock()
	if q.enqueueErr != nil {
		q.mu.Unlock()
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, job)
	q.mu.Unlock()
	q.in <- job
	return nil
}

func (q *chanQueue) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.in:
				d := Delivery{Job: job, Ack: func() {
					q.mu.Lock()
					q.acked++
					q.mu.Unlock()
				}}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *chanQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

type mockExecutor struct{ mock.Mock }

func (m *mockExecutor) Execute(ctx context.Context, job scanning.ScanJob) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockExecutor) Abandon(ctx context.Context, job scanning.ScanJob, cause error) error {
	m.Called(ctx, job, cause)
	return cause
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2}
}

func firstJob() scanning.ScanJob {
	return scanning.ScanJob{ScanID: uuid.New(), RepositoryID: uuid.New(), MaxRetries: 3, EnqueuedAt: time.Now()}
}

func TestPoolReenqueuesFailedAttempt(t *testing.T) {
	t.Parallel()

	q := newChanQueue()
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(j scanning.ScanJob) bool { return j.Attempt == 0 })).
		Return(errors.New("clone timed out")).Once()
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(j scanning.ScanJob) bool { return j.Attempt == 1 })).
		Return(nil).Once()

	pool := NewPool(q, exec, logger.Noop(), testTracer, WithWorkers(2), WithPoolRetryPolicy(fastPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	job := firstJob()
	require.NoError(t, q.Enqueue(ctx, job))

	assert.Eventually(t, func() bool { return q.ackCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.enqueued, 2)
	retry := q.enqueued[1]
	assert.Equal(t, job.ScanID, retry.ScanID)
	assert.Equal(t, 1, retry.Attempt)
	assert.Equal(t, time.Millisecond, retry.Backoff)
	exec.AssertExpectations(t)
}

func TestPoolDoesNotRetryFinalAttempt(t *testing.T) {
	t.Parallel()

	q := newChanQueue()
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(errors.New("still broken"))

	pool := NewPool(q, exec, logger.Noop(), testTracer, WithPoolRetryPolicy(fastPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	job := firstJob()
	job.Attempt = job.MaxRetries
	require.NoError(t, q.Enqueue(ctx, job))

	assert.Eventually(t, func() bool { return q.ackCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.enqueued, 1)
	exec.AssertNumberOfCalls(t, "Execute", 1)
}

func TestPoolAbandonsWhenRetryCannotBeScheduled(t *testing.T) {
	t.Parallel()

	q := newChanQueue()
	exec := new(mockExecutor)
	exec.On("Execute", mock.Anything, mock.Anything).Return(errors.New("transient"))
	exec.On("Abandon", mock.Anything, mock.Anything, mock.Anything).Return()

	q.enqueueErr = errors.New("broker unavailable")
	q.in <- firstJob()

	pool := NewPool(q, exec, logger.Noop(), testTracer, WithPoolRetryPolicy(fastPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	assert.Eventually(t, func() bool { return q.ackCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	exec.AssertCalled(t, "Abandon", mock.Anything, mock.Anything, mock.Anything)
}

func TestQueueDispatcherEnqueuesJob(t *testing.T) {
	t.Parallel()

	q := newChanQueue()
	job := firstJob()
	require.NoError(t, NewQueueDispatcher(q).Dispatch(context.Background(), job))
	assert.Equal(t, []scanning.ScanJob{job}, q.enqueued)

	q.enqueueErr = errors.New("down")
	err := NewQueueDispatcher(q).Dispatch(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), job.ScanID.String())
}
