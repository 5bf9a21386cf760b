package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
)

var _ scanning.ScanRepository = (*ScanStore)(nil)

const (
	uniqueViolation    = "23505"
	inFlightConstraint = "uq_scans_in_flight"
)

const scanColumns = `id, repository_id, triggered_by, status::text, branch, commit_hash, error_message,
	created_at, started_at, completed_at`

// ScanStore persists scans.
type ScanStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a ScanStore.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *ScanStore {
	return &ScanStore{pool: pool, tracer: tracer}
}

// CreateScan inserts a queued scan. The partial unique index on in-flight
// scans turns a concurrent second insert into ErrScanInFlight.
func (s *ScanStore) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	attrs := storage.Attrs(
		attribute.String("scan_id", scan.ScanID().String()),
		attribute.String("repository_id", scan.RepositoryID().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan.create", attrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO scans (id, repository_id, triggered_by, status, branch, commit_hash, error_message, created_at)
			VALUES ($1, $2, $3, $4::text::scan_status, $5, $6, $7, $8)`,
			scan.ScanID(),
			scan.RepositoryID(),
			scan.TriggeredBy(),
			scan.Status().String(),
			scan.Branch(),
			scan.CommitHash(),
			scan.ErrorMessage(),
			scan.CreatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == inFlightConstraint {
				return scanning.ErrScanInFlight
			}
			return fmt.Errorf("inserting scan: %w", err)
		}
		return nil
	})
}

// GetScan loads a scan by id.
func (s *ScanStore) GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	var scan *scanning.Scan
	attrs := storage.Attrs(attribute.String("scan_id", scanID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan.get", attrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, scanID)
		var err error
		scan, err = scanScan(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

// FindInFlight returns the queued or running scan of a repository.
func (s *ScanStore) FindInFlight(ctx context.Context, repositoryID uuid.UUID) (*scanning.Scan, error) {
	var scan *scanning.Scan
	attrs := storage.Attrs(attribute.String("repository_id", repositoryID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan.find_in_flight", attrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+scanColumns+` FROM scans
			WHERE repository_id = $1 AND status IN ('queued', 'running')
			ORDER BY created_at DESC
			LIMIT 1`, repositoryID)
		var err error
		scan, err = scanScan(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

// UpdateScan writes the mutable fields of scan if its stored status is
// still from.
func (s *ScanStore) UpdateScan(ctx context.Context, scan *scanning.Scan, from scanning.ScanStatus) error {
	attrs := storage.Attrs(
		attribute.String("scan_id", scan.ScanID().String()),
		attribute.String("status", scan.Status().String()),
		attribute.String("from_status", from.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan.update", attrs, func(ctx context.Context) error {
		tl := scan.Timeline()
		tag, err := s.pool.Exec(ctx, `
			UPDATE scans SET
				status = $2::text::scan_status,
				commit_hash = $3,
				error_message = $4,
				started_at = $5,
				completed_at = $6,
				updated_at = NOW()
			WHERE id = $1 AND status = $7::text::scan_status`,
			scan.ScanID(),
			scan.Status().String(),
			scan.CommitHash(),
			scan.ErrorMessage(),
			optionalTime(tl.StartedAt()),
			optionalTime(tl.CompletedAt()),
			from.String(),
		)
		if err != nil {
			return fmt.Errorf("updating scan: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM scans WHERE id = $1)`, scan.ScanID(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking scan: %w", err)
		}
		if !exists {
			return scanning.ErrScanNotFound
		}
		return fmt.Errorf("%w: scan is no longer %s", scanning.ErrInvalidTransition, from)
	})
}

// ListStale returns scans in status whose reference time is before the
// cutoff: created_at for queued scans, started_at for running ones.
func (s *ScanStore) ListStale(ctx context.Context, status scanning.ScanStatus, before time.Time) ([]*scanning.Scan, error) {
	column := "created_at"
	if status == scanning.StatusRunning {
		column = "COALESCE(started_at, created_at)"
	}

	var scans []*scanning.Scan
	attrs := storage.Attrs(attribute.String("status", status.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan.list_stale", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+scanColumns+` FROM scans
			WHERE status = $1::text::scan_status AND `+column+` < $2
			ORDER BY created_at
			LIMIT 500`, status.String(), before)
		if err != nil {
			return fmt.Errorf("listing stale scans: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			scan, err := scanScan(rows)
			if err != nil {
				return err
			}
			scans = append(scans, scan)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return scans, nil
}

func scanScan(row pgx.Row) (*scanning.Scan, error) {
	var (
		id, repoID                         uuid.UUID
		triggeredBy                        *string
		status, branch, commit, errMessage string
		createdAt                          time.Time
		startedAt, completedAt             pgtype.Timestamptz
	)
	err := row.Scan(&id, &repoID, &triggeredBy, &status, &branch, &commit, &errMessage,
		&createdAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scanning.ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scan row: %w", err)
	}

	st, err := scanning.ParseScanStatus(status)
	if err != nil {
		return nil, err
	}
	timeline := scanning.ReconstructTimeline(createdAt, startedAt.Time, completedAt.Time)
	return scanning.ReconstructScan(id, repoID, triggeredBy, st, branch, commit, errMessage, timeline), nil
}

func optionalTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
