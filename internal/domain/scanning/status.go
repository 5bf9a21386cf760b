package scanning

import "fmt"

// ScanStatus represents the lifecycle position of a Scan. A scan is created
// queued, claimed into running by a worker and finishes in exactly one of the
// terminal states.
type ScanStatus string

const (
	// StatusQueued indicates the scan was created and waits for a worker.
	StatusQueued ScanStatus = "queued"

	// StatusRunning indicates a worker claimed the scan and is executing it.
	StatusRunning ScanStatus = "running"

	// StatusCompleted indicates the pipeline finished and findings were stored.
	StatusCompleted ScanStatus = "completed"

	// StatusFailed indicates the scan ended with an unrecoverable error.
	StatusFailed ScanStatus = "failed"
)

func (s ScanStatus) String() string { return string(s) }

// ParseScanStatus converts a string to a ScanStatus.
func ParseScanStatus(s string) (ScanStatus, error) {
	switch st := ScanStatus(s); st {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown scan status %q", s)
	}
}

// IsTerminal reports whether no further transition is accepted.
func (s ScanStatus) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// IsInFlight reports whether the scan counts against the one in-flight scan
// allowed per repository.
func (s ScanStatus) IsInFlight() bool { return s == StatusQueued || s == StatusRunning }

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the scan lifecycle rules.
func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case StatusQueued:
		// A scan that could never be dispatched fails without running.
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		// Running to running is a retry attempt re-claiming the scan.
		return target == StatusRunning || target == StatusCompleted || target == StatusFailed
	case StatusCompleted, StatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
