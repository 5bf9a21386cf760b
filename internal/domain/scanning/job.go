package scanning

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds how many times a failed scan attempt is retried.
const DefaultMaxRetries = 3

// ScanJob is the unit of work handed to a dispatch backend. Retry state lives
// on the job record itself: every re-enqueue carries the attempt number and
// the backoff that preceded it.
type ScanJob struct {
	ScanID       uuid.UUID     `json:"scan_id"`
	RepositoryID uuid.UUID     `json:"repository_id"`
	Branch       string        `json:"branch,omitempty"`
	Attempt      int           `json:"attempt"`
	MaxRetries   int           `json:"max_retries"`
	Backoff      time.Duration `json:"backoff"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
}

// NewScanJob builds the first attempt for a queued scan.
func NewScanJob(scan *Scan, maxRetries int) ScanJob {
	return ScanJob{
		ScanID:       scan.ScanID(),
		RepositoryID: scan.RepositoryID(),
		Branch:       scan.Branch(),
		MaxRetries:   maxRetries,
		EnqueuedAt:   time.Now().UTC(),
	}
}

// CanRetry reports whether another attempt is allowed after this one fails.
func (j ScanJob) CanRetry() bool { return j.Attempt < j.MaxRetries }

// IsFinalAttempt is the inverse of CanRetry.
func (j ScanJob) IsFinalAttempt() bool { return !j.CanRetry() }

// NextAttempt returns the job for the following attempt, delayed by backoff.
func (j ScanJob) NextAttempt(backoff time.Duration) ScanJob {
	next := j
	next.Attempt++
	next.Backoff = backoff
	next.EnqueuedAt = time.Now().UTC()
	return next
}
