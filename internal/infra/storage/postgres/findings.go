package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
)

var _ scanning.FindingRepository = (*FindingStore)(nil)

// FindingStore persists normalized findings.
type FindingStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewFindingStore creates a FindingStore.
func NewFindingStore(pool *pgxpool.Pool, tracer trace.Tracer) *FindingStore {
	return &FindingStore{pool: pool, tracer: tracer}
}

// BulkInsert replaces the findings of scanID with findings in a single
// transaction.
func (s *FindingStore) BulkInsert(ctx context.Context, scanID uuid.UUID, findings []scanning.Finding) error {
	attrs := storage.Attrs(
		attribute.String("scan_id", scanID.String()),
		attribute.Int("findings", len(findings)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.finding.bulk_insert", attrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM findings WHERE scan_id = $1`, scanID); err != nil {
				return fmt.Errorf("clearing previous findings: %w", err)
			}
			if len(findings) == 0 {
				return nil
			}

			batch := &pgx.Batch{}
			for _, f := range findings {
				id := f.ID
				if id == uuid.Nil {
					id = uuid.New()
				}
				batch.Queue(`
					INSERT INTO findings (id, scan_id, tool, rule_id, title, description, severity,
						file_path, line_number, raw_output, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7::text::finding_severity, $8, $9, $10, $11)`,
					id, scanID, f.Tool, f.RuleID, f.Title, f.Description, f.Severity.String(),
					f.FilePath, f.LineNumber, []byte(f.RawOutput), f.CreatedAt,
				)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("inserting findings: %w", err)
			}
			return nil
		})
	})
}

// ListByScan returns the findings of a scan, most severe first.
func (s *FindingStore) ListByScan(ctx context.Context, scanID uuid.UUID) ([]scanning.Finding, error) {
	var out []scanning.Finding
	attrs := storage.Attrs(attribute.String("scan_id", scanID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.finding.list_by_scan", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, scan_id, tool, rule_id, title, description, severity::text, file_path, line_number,
				raw_output, created_at
			FROM findings
			WHERE scan_id = $1
			ORDER BY severity DESC, file_path, line_number NULLS LAST`, scanID)
		if err != nil {
			return fmt.Errorf("listing findings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				f        scanning.Finding
				severity string
				raw      []byte
			)
			if err := rows.Scan(&f.ID, &f.ScanID, &f.Tool, &f.RuleID, &f.Title, &f.Description, &severity,
				&f.FilePath, &f.LineNumber, &raw, &f.CreatedAt); err != nil {
				return fmt.Errorf("scanning finding row: %w", err)
			}
			sev, err := scanning.ParseSeverity(severity)
			if err != nil {
				return err
			}
			f.Severity = sev
			f.RawOutput = raw
			out = append(out, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
