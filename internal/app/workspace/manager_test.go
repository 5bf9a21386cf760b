package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/pkg/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return m
}

func TestCreateAndDestroy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	dir, err := m.Create(ctx, "3f1c-scan")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, m.BaseDir(), filepath.Dir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o600))

	m.Destroy(ctx, dir)
	assert.NoDirExists(t, dir)

	// A second destroy is harmless.
	m.Destroy(ctx, dir)
}

func TestCreateClearsStaleWorkspace(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	dir, err := m.Create(ctx, "scan-1")
	require.NoError(t, err)
	stale := filepath.Join(dir, "leftover")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	again, err := m.Create(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
	assert.NoFileExists(t, stale)
}

func TestCreateRejectsEmptyKeyAndSanitizes(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	_, err := m.Create(context.Background(), "  ")
	assert.Error(t, err)

	dir, err := m.Create(context.Background(), "../../etc")
	require.NoError(t, err)
	assert.Equal(t, m.BaseDir(), filepath.Dir(dir))
}

func TestDestroyRefusesPathsOutsideBase(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	outside := t.TempDir()

	m.Destroy(context.Background(), outside)
	assert.DirExists(t, outside)

	m.Destroy(context.Background(), m.BaseDir())
	assert.DirExists(t, m.BaseDir())
}

func TestSweepRemovesOldWorkspaces(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	oldDir, err := m.Create(ctx, "old")
	require.NoError(t, err)
	freshDir, err := m.Create(ctx, "fresh")
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, past, past))

	other := filepath.Join(m.BaseDir(), "unrelated")
	require.NoError(t, os.Mkdir(other, 0o700))
	require.NoError(t, os.Chtimes(other, past, past))

	removed, err := m.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, freshDir)
	assert.DirExists(t, other)
}
