package scanning

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEventType is the type carried by every progress event.
const ProgressEventType = "scan_progress"

// ProgressEvent is a fire-and-forget notification about a scan's state.
// Progress is nil when the percentage is unknown, for example after a
// failure.
type ProgressEvent struct {
	Type          string     `json:"type"`
	ScanID        uuid.UUID  `json:"scan_id"`
	RepositoryID  uuid.UUID  `json:"-"`
	Status        ScanStatus `json:"status"`
	Message       string     `json:"message"`
	Progress      *int       `json:"progress"`
	FindingsCount int        `json:"findings_count"`
	DegradedTools []string   `json:"degraded_tools,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// NewProgressEvent builds a progress event for a scan.
func NewProgressEvent(scan *Scan, message string, progress *int, findings int) ProgressEvent {
	return ProgressEvent{
		Type:          ProgressEventType,
		ScanID:        scan.ScanID(),
		RepositoryID:  scan.RepositoryID(),
		Status:        scan.Status(),
		Message:       message,
		Progress:      progress,
		FindingsCount: findings,
		OccurredAt:    time.Now().UTC(),
	}
}

// Percent returns a pointer to p for use as ProgressEvent.Progress.
func Percent(p int) *int { return &p }

// StatusUpdate is a partial update reported by a worker. Nil fields are left
// unchanged.
type StatusUpdate struct {
	Status        *ScanStatus
	ErrorMessage  *string
	CommitHash    *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Progress      *int
	Message       string
	DegradedTools []string
}

// FindingsSubmission is the bulk result of a successful pipeline run.
type FindingsSubmission struct {
	Findings         []Finding
	CommitHash       string
	UpdateRepoCommit bool
}
