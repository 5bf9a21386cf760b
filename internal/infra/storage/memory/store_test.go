package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func seededStore(t *testing.T) (*Store, *scanning.Repository) {
	t.Helper()
	s := NewStore()
	repo := &scanning.Repository{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		URL:            "https://github.com/acme/api.git",
		DefaultBranch:  "main",
		IsActive:       true,
		WebhookEnabled: true,
	}
	require.NoError(t, s.UpsertRepository(context.Background(), repo))
	return s, repo
}

func TestStore_OneInFlightScanPerRepository(t *testing.T) {
	t.Parallel()
	s, repo := seededStore(t)
	ctx := context.Background()

	first := scanning.NewScan(repo.ID, "main", nil)
	require.NoError(t, s.CreateScan(ctx, first))

	second := scanning.NewScan(repo.ID, "main", nil)
	assert.ErrorIs(t, s.CreateScan(ctx, second), scanning.ErrScanInFlight)

	got, err := s.FindInFlight(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ScanID(), got.ScanID())

	require.NoError(t, first.Start())
	require.NoError(t, first.Complete("abc"))
	require.NoError(t, s.UpdateScan(ctx, first, scanning.StatusQueued))

	require.NoError(t, s.CreateScan(ctx, second))
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	s, repo := seededStore(t)
	ctx := context.Background()

	scan := scanning.NewScan(repo.ID, "main", nil)
	require.NoError(t, s.CreateScan(ctx, scan))

	got, err := s.GetScan(ctx, scan.ScanID())
	require.NoError(t, err)
	require.NoError(t, got.Start())

	stored, err := s.GetScan(ctx, scan.ScanID())
	require.NoError(t, err)
	assert.Equal(t, scanning.StatusQueued, stored.Status())
}

func TestStore_ListStale(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	queued := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(fixedClock{old}))
	fresh := scanning.NewScan(uuid.New(), "main", nil)
	running := scanning.NewScan(uuid.New(), "main", nil, scanning.WithTimeProvider(fixedClock{old}))
	require.NoError(t, running.Start())
	for _, sc := range []*scanning.Scan{queued, fresh, running} {
		require.NoError(t, s.CreateScan(ctx, sc))
	}

	cutoff := time.Now().Add(-time.Hour)
	stale, err := s.ListStale(ctx, scanning.StatusQueued, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, queued.ScanID(), stale[0].ScanID())

	stale, err = s.ListStale(ctx, scanning.StatusRunning, cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, running.ScanID(), stale[0].ScanID())
}

func TestStore_FindingsReplacedAndSorted(t *testing.T) {
	t.Parallel()
	s, repo := seededStore(t)
	ctx := context.Background()

	scan := scanning.NewScan(repo.ID, "main", nil)
	require.NoError(t, s.CreateScan(ctx, scan))

	require.NoError(t, s.BulkInsert(ctx, scan.ScanID(), []scanning.Finding{
		{ID: uuid.New(), Tool: scanning.ToolBandit, Severity: scanning.SeverityLow},
	}))
	require.NoError(t, s.BulkInsert(ctx, scan.ScanID(), []scanning.Finding{
		{ID: uuid.New(), Tool: scanning.ToolBandit, Severity: scanning.SeverityMedium},
		{ID: uuid.New(), Tool: scanning.ToolGitleaks, Severity: scanning.SeverityCritical},
	}))

	got, err := s.ListByScan(ctx, scan.ScanID())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, scanning.SeverityCritical, got[0].Severity)
	assert.Equal(t, scanning.SeverityMedium, got[1].Severity)

	assert.ErrorIs(t, s.BulkInsert(ctx, uuid.New(), nil), scanning.ErrScanNotFound)
}

func TestStore_Repositories(t *testing.T) {
	t.Parallel()
	s, repo := seededStore(t)
	ctx := context.Background()

	got, err := s.FindWebhookRepository(ctx, repo.URL)
	require.NoError(t, err)
	assert.Equal(t, repo.ID, got.ID)

	_, err = s.FindWebhookRepository(ctx, "https://github.com/acme/other.git")
	assert.ErrorIs(t, err, scanning.ErrRepositoryNotFound)

	require.NoError(t, s.UpdateLastScannedCommit(ctx, repo.ID, "deadbeef"))
	got, err = s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got.LastScannedCommit)

	disabled := *repo
	disabled.ID = uuid.New()
	disabled.URL = "https://github.com/acme/disabled.git"
	disabled.WebhookEnabled = false
	require.NoError(t, s.UpsertRepository(ctx, &disabled))
	_, err = s.FindWebhookRepository(ctx, disabled.URL)
	assert.ErrorIs(t, err, scanning.ErrRepositoryNotFound)
}

func TestStore_UpdateScanRejectsStaleWriter(t *testing.T) {
	t.Parallel()
	s, repo := seededStore(t)
	ctx := context.Background()

	scan := scanning.NewScan(repo.ID, "main", nil)
	require.NoError(t, scan.Start())
	require.NoError(t, s.CreateScan(ctx, scan))

	// Two writers load the same running scan.
	worker, err := s.GetScan(ctx, scan.ScanID())
	require.NoError(t, err)
	reaper, err := s.GetScan(ctx, scan.ScanID())
	require.NoError(t, err)

	require.NoError(t, worker.Complete("abc"))
	require.NoError(t, s.UpdateScan(ctx, worker, scanning.StatusRunning))

	require.NoError(t, reaper.Fail("scan timed out"))
	assert.ErrorIs(t, s.UpdateScan(ctx, reaper, scanning.StatusRunning), scanning.ErrInvalidTransition)

	got, err := s.GetScan(ctx, scan.ScanID())
	require.NoError(t, err)
	assert.Equal(t, scanning.StatusCompleted, got.Status())
	assert.Empty(t, got.ErrorMessage())

	unknown := scanning.NewScan(repo.ID, "main", nil)
	assert.ErrorIs(t, s.UpdateScan(ctx, unknown, scanning.StatusQueued), scanning.ErrScanNotFound)
}
