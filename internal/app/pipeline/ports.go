package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/scanner"
)

// SourceFetcher checks a repository out into a workspace.
type SourceFetcher interface {
	Fetch(ctx context.Context, repoURL, dest, branch, credential string) (scanning.CommitInfo, error)
}

// PluginRunner runs every scanner plugin against a workspace.
type PluginRunner interface {
	Run(ctx context.Context, workspace string) scanner.RunResult
}

// FindingNormalizer maps raw tool output into canonical findings.
type FindingNormalizer interface {
	Normalize(scanID uuid.UUID, workspace string, raws []scanning.RawFinding) []scanning.Finding
}

// ResultReporter is the owning system's internal API as seen by a worker.
type ResultReporter interface {
	GetRepository(ctx context.Context, id uuid.UUID) (*scanning.Repository, error)
	UpdateStatus(ctx context.Context, scanID uuid.UUID, update scanning.StatusUpdate) error
	SubmitFindings(ctx context.Context, scanID uuid.UUID, sub scanning.FindingsSubmission) error
}

// Workspaces allocates and releases per-attempt directories.
type Workspaces interface {
	Create(ctx context.Context, key string) (string, error)
	Destroy(ctx context.Context, dir string)
}
