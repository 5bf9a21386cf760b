package scanning

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now().UTC() }

// RealTimeProvider returns the wall clock provider.
func RealTimeProvider() TimeProvider { return new(realTimeProvider) }

// Timeline tracks temporal aspects of a scan. Start and completion are each
// recorded at most once.
type Timeline struct {
	createdAt    time.Time
	startedAt    time.Time
	completedAt  time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance stamped with the creation time.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	return &Timeline{
		createdAt:    timeProvider.Now(),
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline creates a Timeline from stored timestamps.
func ReconstructTimeline(createdAt, startedAt, completedAt time.Time) *Timeline {
	return &Timeline{
		createdAt:    createdAt,
		startedAt:    startedAt,
		completedAt:  completedAt,
		timeProvider: new(realTimeProvider),
	}
}

// CreatedAt returns the time the scan was created.
func (t *Timeline) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns the time a worker first claimed the scan.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns the time the scan reached a terminal state.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// MarkStarted records the start time unless it was already recorded.
func (t *Timeline) MarkStarted() {
	if t.startedAt.IsZero() {
		t.startedAt = t.timeProvider.Now()
	}
}

// MarkCompleted records completion time unless it was already recorded.
func (t *Timeline) MarkCompleted() {
	if t.completedAt.IsZero() {
		t.completedAt = t.timeProvider.Now()
	}
}

// IsStarted checks if the timeline has been marked as started.
func (t *Timeline) IsStarted() bool { return !t.startedAt.IsZero() }

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }
