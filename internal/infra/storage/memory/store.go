// Package memory is an in-process implementation of the scanning
// persistence ports for single-binary development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

var (
	_ scanning.ScanRepository    = (*Store)(nil)
	_ scanning.RepositoryStore   = (*Store)(nil)
	_ scanning.FindingRepository = (*Store)(nil)
)

type scanRecord struct {
	id, repositoryID            uuid.UUID
	triggeredBy                 *string
	status                      scanning.ScanStatus
	branch, commit, err         string
	created, started, completed time.Time
}

func recordOf(s *scanning.Scan) scanRecord {
	tl := s.Timeline()
	return scanRecord{
		id:           s.ScanID(),
		repositoryID: s.RepositoryID(),
		triggeredBy:  s.TriggeredBy(),
		status:       s.Status(),
		branch:       s.Branch(),
		commit:       s.CommitHash(),
		err:          s.ErrorMessage(),
		created:      tl.CreatedAt(),
		started:      tl.StartedAt(),
		completed:    tl.CompletedAt(),
	}
}

func (r scanRecord) scan() *scanning.Scan {
	return scanning.ReconstructScan(r.id, r.repositoryID, r.triggeredBy, r.status, r.branch, r.commit, r.err,
		scanning.ReconstructTimeline(r.created, r.started, r.completed))
}

// Store keeps repositories, scans and findings in maps guarded by one
// mutex, which also makes the in-flight check and insert atomic.
type Store struct {
	mu       sync.RWMutex
	repos    map[uuid.UUID]scanning.Repository
	scans    map[uuid.UUID]scanRecord
	findings map[uuid.UUID][]scanning.Finding
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		repos:    make(map[uuid.UUID]scanning.Repository),
		scans:    make(map[uuid.UUID]scanRecord),
		findings: make(map[uuid.UUID][]scanning.Finding),
	}
}

// UpsertRepository writes a repository record.
func (s *Store) UpsertRepository(_ context.Context, r *scanning.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.ID] = *r
	return nil
}

func (s *Store) GetRepository(_ context.Context, id uuid.UUID) (*scanning.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, scanning.ErrRepositoryNotFound
	}
	return &r, nil
}

func (s *Store) FindWebhookRepository(_ context.Context, url string) (*scanning.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.repos {
		if r.URL == url && r.IsActive && r.WebhookEnabled {
			return &r, nil
		}
	}
	return nil, scanning.ErrRepositoryNotFound
}

func (s *Store) UpdateLastScannedCommit(_ context.Context, id uuid.UUID, commitHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[id]
	if !ok {
		return scanning.ErrRepositoryNotFound
	}
	r.LastScannedCommit = commitHash
	s.repos[id] = r
	return nil
}

func (s *Store) CreateScan(_ context.Context, scan *scanning.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.scans {
		if rec.repositoryID == scan.RepositoryID() && rec.status.IsInFlight() {
			return scanning.ErrScanInFlight
		}
	}
	s.scans[scan.ScanID()] = recordOf(scan)
	return nil
}

func (s *Store) GetScan(_ context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.scans[scanID]
	if !ok {
		return nil, scanning.ErrScanNotFound
	}
	return rec.scan(), nil
}

func (s *Store) FindInFlight(_ context.Context, repositoryID uuid.UUID) (*scanning.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.scans {
		if rec.repositoryID == repositoryID && rec.status.IsInFlight() {
			return rec.scan(), nil
		}
	}
	return nil, scanning.ErrScanNotFound
}

func (s *Store) UpdateScan(_ context.Context, scan *scanning.Scan, from scanning.ScanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[scan.ScanID()]
	if !ok {
		return scanning.ErrScanNotFound
	}
	if rec.status != from {
		return fmt.Errorf("%w: scan is no longer %s", scanning.ErrInvalidTransition, from)
	}
	s.scans[scan.ScanID()] = recordOf(scan)
	return nil
}

func (s *Store) ListStale(_ context.Context, status scanning.ScanStatus, before time.Time) ([]*scanning.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*scanning.Scan
	for _, rec := range s.scans {
		if rec.status != status {
			continue
		}
		ref := rec.created
		if status == scanning.StatusRunning && !rec.started.IsZero() {
			ref = rec.started
		}
		if ref.Before(before) {
			out = append(out, rec.scan())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out, nil
}

func (s *Store) BulkInsert(_ context.Context, scanID uuid.UUID, findings []scanning.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scanID]; !ok {
		return scanning.ErrScanNotFound
	}
	s.findings[scanID] = append([]scanning.Finding(nil), findings...)
	return nil
}

func (s *Store) ListByScan(_ context.Context, scanID uuid.UUID) ([]scanning.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]scanning.Finding(nil), s.findings[scanID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity.Rank() > out[j].Severity.Rank() })
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
