package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/app/cluster"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage/memory"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

type clock struct{ t time.Time }

func (c clock) Now() time.Time { return c.t }

type countingBroadcaster struct{ events []scanning.ProgressEvent }

func (c *countingBroadcaster) Broadcast(_ context.Context, evt scanning.ProgressEvent) {
	c.events = append(c.events, evt)
}

type failingUpdates struct {
	*memory.Store
}

func (failingUpdates) UpdateScan(context.Context, *scanning.Scan, scanning.ScanStatus) error {
	return errors.New("db down")
}

// completingStore finishes every listed scan right after listing it, the
// way a worker reporting completion between the reaper's read and write
// would.
type completingStore struct {
	*memory.Store
}

func (s completingStore) ListStale(ctx context.Context, status scanning.ScanStatus, before time.Time) ([]*scanning.Scan, error) {
	stale, err := s.Store.ListStale(ctx, status, before)
	if err != nil {
		return nil, err
	}
	for _, listed := range stale {
		scan, err := s.Store.GetScan(ctx, listed.ScanID())
		if err != nil {
			return nil, err
		}
		if err := scan.Complete("abc123"); err != nil {
			return nil, err
		}
		if err := s.Store.UpdateScan(ctx, scan, status); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

var testConfig = Config{
	Interval:       time.Minute,
	RunningTimeout: 3 * time.Hour,
	QueuedTimeout:  time.Hour,
}

func TestReaper_SweepFailsOnlyStaleScans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	oldQueued := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(clock{now.Add(-2 * time.Hour)}))
	freshQueued := scanning.NewScan(uuid.New(), "main", nil)
	oldRunning := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(clock{now.Add(-4 * time.Hour)}))
	require.NoError(t, oldRunning.Start())
	// Running, but for less than the running timeout.
	busyRunning := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(clock{now.Add(-2 * time.Hour)}))
	require.NoError(t, busyRunning.Start())
	for _, s := range []*scanning.Scan{oldQueued, freshQueued, oldRunning, busyRunning} {
		require.NoError(t, store.CreateScan(ctx, s))
	}

	bc := new(countingBroadcaster)
	r := New(store, bc, cluster.Standalone{}, testConfig, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	r.now = func() time.Time { return now }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[uuid.UUID]scanning.ScanStatus{
		oldQueued.ScanID():   scanning.StatusFailed,
		freshQueued.ScanID(): scanning.StatusQueued,
		oldRunning.ScanID():  scanning.StatusFailed,
		busyRunning.ScanID(): scanning.StatusRunning,
	} {
		got, err := store.GetScan(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status(), id)
	}

	got, err := store.GetScan(ctx, oldRunning.ScanID())
	require.NoError(t, err)
	assert.Equal(t, messageRunningTimeout, got.ErrorMessage())

	require.Len(t, bc.events, 2)
	for _, evt := range bc.events {
		assert.Equal(t, scanning.StatusFailed, evt.Status)
		assert.Nil(t, evt.Progress)
	}

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReaper_SweepAggregatesErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		s := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(clock{now.Add(-2 * time.Hour)}))
		require.NoError(t, store.CreateScan(ctx, s))
	}

	bc := new(countingBroadcaster)
	r := New(failingUpdates{store}, bc, cluster.Standalone{}, testConfig, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	n, err := r.Sweep(ctx)
	assert.Zero(t, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Empty(t, bc.events)
}

func TestReaper_SweepLeavesScansCompletedAfterListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	scan := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(clock{now.Add(-4 * time.Hour)}))
	require.NoError(t, scan.Start())
	require.NoError(t, store.CreateScan(ctx, scan))

	bc := new(countingBroadcaster)
	r := New(completingStore{store}, bc, cluster.Standalone{}, testConfig, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	r.now = func() time.Time { return now }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bc.events)

	got, err := store.GetScan(ctx, scan.ScanID())
	require.NoError(t, err)
	assert.Equal(t, scanning.StatusCompleted, got.Status())
	assert.Empty(t, got.ErrorMessage())
}

func TestReaper_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	r := New(memory.NewStore(), new(countingBroadcaster), cluster.Standalone{}, testConfig,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
