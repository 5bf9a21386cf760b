// Package workspace allocates and releases the ephemeral directories a scan
// attempt clones source into and where scanners write temporary files.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/pkg/common/logger"
)

const dirPrefix = "scan-"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Manager creates one directory per scan attempt under a base path.
type Manager struct {
	baseDir string
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewManager creates a Manager rooted at baseDir, creating it if needed.
func NewManager(baseDir string, log *logger.Logger, tracer trace.Tracer) (*Manager, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace base %q: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace base %q: %w", abs, err)
	}

	return &Manager{
		baseDir: abs,
		logger:  log.With("component", "workspace_manager"),
		tracer:  tracer,
	}, nil
}

// BaseDir returns the absolute directory all workspaces live under.
func (m *Manager) BaseDir() string { return m.baseDir }

// Create allocates a fresh workspace for key. A directory left behind under
// the same key by a crashed attempt is removed first so every attempt starts
// from an empty tree.
func (m *Manager) Create(ctx context.Context, key string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "workspace.create",
		trace.WithAttributes(attribute.String("workspace.key", key)))
	defer span.End()

	if strings.TrimSpace(key) == "" {
		err := errors.New("workspace key is empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	dir := m.pathFor(key)
	if _, err := os.Stat(dir); err == nil {
		m.logger.Warn(ctx, "removing stale workspace", "path", dir)
		span.AddEvent("stale_workspace_removed")
		if err := os.RemoveAll(dir); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to clear stale workspace")
			return "", fmt.Errorf("clearing stale workspace %q: %w", dir, err)
		}
	}

	if err := os.Mkdir(dir, 0o700); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create workspace")
		return "", fmt.Errorf("creating workspace %q: %w", dir, err)
	}

	span.SetAttributes(attribute.String("workspace.path", dir))
	m.logger.Debug(ctx, "workspace created", "path", dir)
	return dir, nil
}

// Destroy removes a workspace. It never returns an error; failures are
// logged so cleanup cannot fail the caller.
func (m *Manager) Destroy(ctx context.Context, dir string) {
	ctx, span := m.tracer.Start(ctx, "workspace.destroy",
		trace.WithAttributes(attribute.String("workspace.path", dir)))
	defer span.End()

	if !m.owns(dir) {
		span.SetStatus(codes.Error, "path outside workspace base")
		m.logger.Error(ctx, "refusing to remove path outside workspace base", "path", dir, "base", m.baseDir)
		return
	}

	if err := os.RemoveAll(dir); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove workspace")
		m.logger.Error(ctx, "failed to remove workspace", "path", dir, "error", err)
		return
	}
	m.logger.Debug(ctx, "workspace removed", "path", dir)
}

// Sweep removes workspaces whose modification time is older than maxAge.
// Worker processes call it at start to reclaim directories of attempts that
// were killed before their deferred cleanup ran.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := m.tracer.Start(ctx, "workspace.sweep")
	defer span.End()

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("reading workspace base: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var (
		removed int
		result  *multierror.Error
	)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, e.Name())); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}

	span.SetAttributes(attribute.Int("workspace.removed", removed))
	if removed > 0 {
		m.logger.Info(ctx, "swept stale workspaces", "removed", removed)
	}
	return removed, result.ErrorOrNil()
}

func (m *Manager) pathFor(key string) string {
	return filepath.Join(m.baseDir, dirPrefix+unsafeKeyChars.ReplaceAllString(key, "_"))
}

func (m *Manager) owns(dir string) bool {
	rel, err := filepath.Rel(m.baseDir, dir)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
