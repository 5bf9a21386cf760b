package scanning

import "errors"

var (
	// ErrScanNotFound is returned when a scan does not exist.
	ErrScanNotFound = errors.New("scan not found")

	// ErrRepositoryNotFound is returned when no repository matches a lookup.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrInvalidTransition is returned when a status change violates the
	// scan lifecycle.
	ErrInvalidTransition = errors.New("invalid scan status transition")

	// ErrScanInFlight is returned by stores when inserting a scan would create
	// a second queued or running scan for the same repository.
	ErrScanInFlight = errors.New("scan already in flight for repository")
)
