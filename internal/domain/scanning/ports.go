package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScanRepository defines the persistence operations for scans.
type ScanRepository interface {
	// CreateScan persists a new queued scan. It returns ErrScanInFlight when
	// the repository already has a queued or running scan.
	CreateScan(ctx context.Context, scan *Scan) error

	// GetScan retrieves a scan by ID or ErrScanNotFound.
	GetScan(ctx context.Context, scanID uuid.UUID) (*Scan, error)

	// FindInFlight returns the queued or running scan of a repository or
	// ErrScanNotFound.
	FindInFlight(ctx context.Context, repositoryID uuid.UUID) (*Scan, error)

	// UpdateScan persists status, commit, error and timeline changes, but
	// only while the stored status is still from. It returns
	// ErrInvalidTransition when another writer moved the scan first.
	UpdateScan(ctx context.Context, scan *Scan, from ScanStatus) error

	// ListStale returns scans in status whose reference timestamp (created_at
	// for queued, started_at for running) is older than before.
	ListStale(ctx context.Context, status ScanStatus, before time.Time) ([]*Scan, error)
}

// RepositoryStore is the read side of the externally owned repository
// records plus the last-scanned-commit marker this service advances.
type RepositoryStore interface {
	GetRepository(ctx context.Context, id uuid.UUID) (*Repository, error)

	// FindWebhookRepository returns the active, webhook-enabled repository
	// whose URL matches or ErrRepositoryNotFound.
	FindWebhookRepository(ctx context.Context, url string) (*Repository, error)

	UpdateLastScannedCommit(ctx context.Context, id uuid.UUID, commitHash string) error
}

// FindingRepository is the sink for normalized findings.
type FindingRepository interface {
	// BulkInsert stores findings for scanID, replacing any stored by an
	// earlier attempt of the same scan.
	BulkInsert(ctx context.Context, scanID uuid.UUID, findings []Finding) error
	ListByScan(ctx context.Context, scanID uuid.UUID) ([]Finding, error)
}

// ProgressBroadcaster publishes progress events to whoever listens.
// Implementations must not block on or fail because of absent listeners.
type ProgressBroadcaster interface {
	Broadcast(ctx context.Context, evt ProgressEvent)
}
