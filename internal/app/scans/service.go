// Package scans applies worker reports to stored scans and serves scan
// reads. It is the server side of the result reporting protocol.
package scans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Service owns every write to a scan after its creation.
type Service struct {
	scans       scanning.ScanRepository
	repos       scanning.RepositoryStore
	findings    scanning.FindingRepository
	broadcaster scanning.ProgressBroadcaster

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a Service.
func NewService(
	scans scanning.ScanRepository,
	repos scanning.RepositoryStore,
	findings scanning.FindingRepository,
	broadcaster scanning.ProgressBroadcaster,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		scans:       scans,
		repos:       repos,
		findings:    findings,
		broadcaster: broadcaster,
		logger:      log.With("component", "scan_service"),
		tracer:      tracer,
	}
}

// GetRepository returns connection details for a worker.
func (s *Service) GetRepository(ctx context.Context, id uuid.UUID) (*scanning.Repository, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.get_repository",
		trace.WithAttributes(attribute.String("repository_id", id.String())))
	defer span.End()

	repo, err := s.repos.GetRepository(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return repo, nil
}

// UpdateStatus applies a partial update from a worker and broadcasts the
// resulting progress event. Status changes go through the scan lifecycle
// rules; an illegal change returns scanning.ErrInvalidTransition and
// nothing is stored. Timestamps are stamped by the scan itself, so the
// StartedAt and CompletedAt fields of the update are informational.
func (s *Service) UpdateStatus(ctx context.Context, scanID uuid.UUID, upd scanning.StatusUpdate) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.update_status",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	scan, err := s.apply(ctx, scanID, upd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("status", scan.Status().String()))

	evt := scanning.NewProgressEvent(scan, upd.Message, upd.Progress, s.findingsCount(ctx, scan))
	evt.DegradedTools = upd.DegradedTools
	s.broadcaster.Broadcast(ctx, evt)
	return nil
}

func (s *Service) apply(ctx context.Context, scanID uuid.UUID, upd scanning.StatusUpdate) (*scanning.Scan, error) {
	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	from := scan.Status()

	// Progress-only updates carry nothing to store.
	if upd.Status == nil && upd.ErrorMessage == nil && upd.CommitHash == nil {
		return scan, nil
	}

	if upd.CommitHash != nil && *upd.CommitHash != "" {
		if err := scan.ResolveCommit(*upd.CommitHash); err != nil {
			return nil, fmt.Errorf("%w: %v", scanning.ErrInvalidTransition, err)
		}
	}

	switch {
	case upd.Status != nil && *upd.Status == scanning.StatusFailed:
		msg := ""
		if upd.ErrorMessage != nil {
			msg = *upd.ErrorMessage
		}
		err = scan.Fail(msg)
	case upd.Status != nil && *upd.Status == scanning.StatusCompleted:
		err = scan.Complete("")
	case upd.Status != nil:
		if err = scan.UpdateStatus(*upd.Status); err == nil && upd.ErrorMessage != nil {
			err = scan.RecordError(*upd.ErrorMessage)
		}
	case upd.ErrorMessage != nil:
		if err = scan.RecordError(*upd.ErrorMessage); err != nil {
			err = fmt.Errorf("%w: %v", scanning.ErrInvalidTransition, err)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.scans.UpdateScan(ctx, scan, from); err != nil {
		return nil, fmt.Errorf("storing scan: %w", err)
	}
	return scan, nil
}

func (s *Service) findingsCount(ctx context.Context, scan *scanning.Scan) int {
	if scan.Status() != scanning.StatusCompleted {
		return 0
	}
	findings, err := s.findings.ListByScan(ctx, scan.ScanID())
	if err != nil {
		s.logger.Warn(ctx, "counting findings", "scan_id", scan.ScanID().String(), "error", err)
		return 0
	}
	return len(findings)
}

// SubmitFindings stores the findings of a scan attempt, replacing any stored
// by an earlier attempt, and optionally advances the repository's
// last-scanned commit.
func (s *Service) SubmitFindings(ctx context.Context, scanID uuid.UUID, sub scanning.FindingsSubmission) error {
	ctx, span := s.tracer.Start(ctx, "scan_service.submit_findings",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.Int("findings", len(sub.Findings)),
			attribute.Bool("update_repo_commit", sub.UpdateRepoCommit),
		))
	defer span.End()

	if err := s.submit(ctx, scanID, sub); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Service) submit(ctx context.Context, scanID uuid.UUID, sub scanning.FindingsSubmission) error {
	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status().IsTerminal() {
		return fmt.Errorf("%w: scan is %s", scanning.ErrInvalidTransition, scan.Status())
	}

	now := time.Now().UTC()
	findings := make([]scanning.Finding, len(sub.Findings))
	for i, f := range sub.Findings {
		f.ScanID = scanID
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		findings[i] = f
	}
	if err := s.findings.BulkInsert(ctx, scanID, findings); err != nil {
		return fmt.Errorf("storing findings: %w", err)
	}

	if sub.CommitHash == "" {
		return nil
	}
	if scan.CommitHash() != sub.CommitHash {
		if err := scan.ResolveCommit(sub.CommitHash); err != nil {
			return err
		}
		if err := s.scans.UpdateScan(ctx, scan, scan.Status()); err != nil {
			return fmt.Errorf("storing scan commit: %w", err)
		}
	}
	if sub.UpdateRepoCommit {
		if err := s.repos.UpdateLastScannedCommit(ctx, scan.RepositoryID(), sub.CommitHash); err != nil {
			return fmt.Errorf("advancing last scanned commit: %w", err)
		}
	}
	return nil
}

// GetScan returns a scan visible to tenantID. Scans of other tenants are
// reported as scanning.ErrScanNotFound.
func (s *Service) GetScan(ctx context.Context, tenantID, scanID uuid.UUID) (*scanning.Scan, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.get_scan",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	scan, err := s.scoped(ctx, tenantID, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return scan, nil
}

// ListFindings returns the findings of a scan visible to tenantID, most
// severe first.
func (s *Service) ListFindings(ctx context.Context, tenantID, scanID uuid.UUID) ([]scanning.Finding, error) {
	ctx, span := s.tracer.Start(ctx, "scan_service.list_findings",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	if _, err := s.scoped(ctx, tenantID, scanID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return s.findings.ListByScan(ctx, scanID)
}

func (s *Service) scoped(ctx context.Context, tenantID, scanID uuid.UUID) (*scanning.Scan, error) {
	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	repo, err := s.repos.GetRepository(ctx, scan.RepositoryID())
	if errors.Is(err, scanning.ErrRepositoryNotFound) {
		return nil, scanning.ErrScanNotFound
	}
	if err != nil {
		return nil, err
	}
	if repo.TenantID != tenantID {
		return nil, scanning.ErrScanNotFound
	}
	return scan, nil
}
