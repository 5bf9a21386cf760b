package scanning

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct {
	current time.Time
}

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

func newTestScan(tp TimeProvider) *Scan {
	return NewScan(uuid.New(), "main", nil, WithTimeProvider(tp))
}

func TestNewScan(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	actor := "user-1"
	repoID := uuid.New()

	s := NewScan(repoID, "develop", &actor, WithTimeProvider(tp))

	assert.NotEqual(t, uuid.Nil, s.ScanID())
	assert.Equal(t, repoID, s.RepositoryID())
	assert.Equal(t, StatusQueued, s.Status())
	assert.Equal(t, "develop", s.Branch())
	assert.Equal(t, &actor, s.TriggeredBy())
	assert.False(t, s.IsAutomated())
	assert.Equal(t, tp.current, s.CreatedAt())

	_, started := s.StartedAt()
	assert.False(t, started)
	_, done := s.CompletedAt()
	assert.False(t, done)
}

func TestScanLifecycleCompleted(t *testing.T) {
	t.Parallel()

	tp := &mockTimeProvider{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestScan(tp)
	assert.True(t, s.IsAutomated())

	tp.Advance(time.Second)
	require.NoError(t, s.Start())
	startedAt, ok := s.StartedAt()
	require.True(t, ok)
	assert.Equal(t, tp.current, startedAt)

	tp.Advance(time.Second)
	require.NoError(t, s.Start(), "a retry attempt re-claims a running scan")
	again, _ := s.StartedAt()
	assert.Equal(t, startedAt, again, "start time is recorded once")

	require.NoError(t, s.ResolveCommit("abc1234def"))

	tp.Advance(time.Minute)
	require.NoError(t, s.Complete(""))
	completedAt, ok := s.CompletedAt()
	require.True(t, ok)
	assert.Equal(t, tp.current, completedAt)
	assert.Equal(t, "abc1234def", s.CommitHash())
	assert.Equal(t, StatusCompleted, s.Status())
}

func TestScanTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		finish func(*Scan) error
	}{
		{name: "completed", finish: func(s *Scan) error { return s.Complete("abc") }},
		{name: "failed", finish: func(s *Scan) error { return s.Fail("clone failed") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tp := &mockTimeProvider{current: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
			s := newTestScan(tp)
			require.NoError(t, s.Start())
			require.NoError(t, tt.finish(s))

			first, ok := s.CompletedAt()
			require.True(t, ok)

			tp.Advance(time.Hour)
			for _, target := range []ScanStatus{StatusQueued, StatusRunning, StatusCompleted, StatusFailed} {
				assert.ErrorIs(t, s.UpdateStatus(target), ErrInvalidTransition)
			}
			assert.Error(t, s.RecordError("late"))
			assert.Error(t, s.ResolveCommit("def"))

			second, _ := s.CompletedAt()
			assert.Equal(t, first, second, "completed_at is set exactly once")
		})
	}
}

func TestScanFailRecordsMessage(t *testing.T) {
	t.Parallel()

	s := newTestScan(&mockTimeProvider{current: time.Now()})
	require.NoError(t, s.Start())
	require.NoError(t, s.RecordError("attempt 1: network unreachable"))
	assert.Equal(t, StatusRunning, s.Status())

	require.NoError(t, s.Fail("clone failed: repository not found"))
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, "clone failed: repository not found", s.ErrorMessage())
}

func TestQueuedScanCanFailWithoutStarting(t *testing.T) {
	t.Parallel()

	s := newTestScan(&mockTimeProvider{current: time.Now()})
	require.NoError(t, s.Fail("dispatch failed"))

	_, started := s.StartedAt()
	assert.False(t, started)
	_, done := s.CompletedAt()
	assert.True(t, done)
}
