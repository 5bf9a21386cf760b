// Package scanning provides the domain types for scan orchestration: the Scan
// aggregate and its lifecycle, normalized findings, the jobs handed to
// dispatch backends and the progress events emitted while a scan executes.
package scanning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scan is one attempt to analyze one repository at one commit. All status
// changes go through the methods below so the lifecycle rules hold no matter
// which component drives them.
type Scan struct {
	scanID       uuid.UUID
	repositoryID uuid.UUID
	triggeredBy  *string
	status       ScanStatus
	branch       string
	commitHash   string
	errorMessage string
	timeline     *Timeline
}

// ScanOption configures optional Scan behavior.
type ScanOption func(*Scan)

// WithTimeProvider overrides the clock used for lifecycle timestamps.
func WithTimeProvider(tp TimeProvider) ScanOption {
	return func(s *Scan) { s.timeline = NewTimeline(tp) }
}

// NewScan creates a queued scan for a repository branch. A nil actor means
// the scan was triggered by automation.
func NewScan(repositoryID uuid.UUID, branch string, triggeredBy *string, opts ...ScanOption) *Scan {
	s := &Scan{
		scanID:       uuid.New(),
		repositoryID: repositoryID,
		triggeredBy:  triggeredBy,
		status:       StatusQueued,
		branch:       branch,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeline == nil {
		s.timeline = NewTimeline(new(realTimeProvider))
	}
	return s
}

// ReconstructScan creates a Scan instance from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructScan(
	scanID uuid.UUID,
	repositoryID uuid.UUID,
	triggeredBy *string,
	status ScanStatus,
	branch string,
	commitHash string,
	errorMessage string,
	timeline *Timeline,
) *Scan {
	return &Scan{
		scanID:       scanID,
		repositoryID: repositoryID,
		triggeredBy:  triggeredBy,
		status:       status,
		branch:       branch,
		commitHash:   commitHash,
		errorMessage: errorMessage,
		timeline:     timeline,
	}
}

func (s *Scan) ScanID() uuid.UUID       { return s.scanID }
func (s *Scan) RepositoryID() uuid.UUID { return s.repositoryID }
func (s *Scan) TriggeredBy() *string    { return s.triggeredBy }
func (s *Scan) Status() ScanStatus      { return s.status }
func (s *Scan) Branch() string          { return s.branch }
func (s *Scan) CommitHash() string      { return s.commitHash }
func (s *Scan) ErrorMessage() string    { return s.errorMessage }
func (s *Scan) Timeline() *Timeline     { return s.timeline }
func (s *Scan) CreatedAt() time.Time    { return s.timeline.CreatedAt() }

// StartedAt returns when a worker first claimed the scan.
func (s *Scan) StartedAt() (time.Time, bool) {
	return s.timeline.StartedAt(), s.timeline.IsStarted()
}

// CompletedAt returns when this scan finished.
// A scan only has a completion time if it's in a terminal state.
func (s *Scan) CompletedAt() (time.Time, bool) {
	if s.status.IsTerminal() {
		return s.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// IsAutomated reports whether no user triggered the scan.
func (s *Scan) IsAutomated() bool { return s.triggeredBy == nil }

// UpdateStatus changes the scan's status after validating the transition.
// Entering running stamps the start time once, entering a terminal state
// stamps the completion time once.
func (s *Scan) UpdateStatus(target ScanStatus) error {
	if err := s.status.ValidateTransition(target); err != nil {
		return err
	}

	if target == StatusRunning {
		s.timeline.MarkStarted()
	}
	if target.IsTerminal() {
		s.timeline.MarkCompleted()
	}

	s.status = target
	return nil
}

// Start claims the scan for execution.
func (s *Scan) Start() error { return s.UpdateStatus(StatusRunning) }

// Complete finishes the scan successfully at the given commit.
func (s *Scan) Complete(commitHash string) error {
	if err := s.UpdateStatus(StatusCompleted); err != nil {
		return err
	}
	if commitHash != "" {
		s.commitHash = commitHash
	}
	return nil
}

// Fail finishes the scan recording the causing message.
func (s *Scan) Fail(message string) error {
	if err := s.UpdateStatus(StatusFailed); err != nil {
		return err
	}
	s.errorMessage = message
	return nil
}

// ResolveCommit records the commit the source fetcher checked out.
func (s *Scan) ResolveCommit(commitHash string) error {
	if s.status.IsTerminal() {
		return fmt.Errorf("cannot resolve commit on %s scan", s.status)
	}
	s.commitHash = commitHash
	return nil
}

// RecordError stores the message of a failed attempt that will be retried.
func (s *Scan) RecordError(message string) error {
	if s.status.IsTerminal() {
		return fmt.Errorf("cannot record error on %s scan", s.status)
	}
	s.errorMessage = message
	return nil
}
