// Package pipeline runs one scan attempt end to end: fetch the source, run
// the scanner plugins, normalize their output and report the results. Both
// dispatch backends execute scans through this package.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Progress checkpoints reported while a scan runs.
const (
	progressCloning     = 10
	progressScanning    = 25
	progressNormalizing = 80
	progressReporting   = 90
)

// Deps is the context every pipeline component is handed. It is built once
// at process start.
type Deps struct {
	Fetcher    SourceFetcher
	Runner     PluginRunner
	Normalizer FindingNormalizer
	Reporter   ResultReporter
	Workspaces Workspaces
	Logger     *logger.Logger
	Tracer     trace.Tracer
}

// Target identifies what a pipeline run analyzes.
type Target struct {
	ScanID     uuid.UUID
	Repository *scanning.Repository
	// Branch overrides the repository default branch when set.
	Branch string
}

func (t Target) branch() string {
	if t.Branch != "" {
		return t.Branch
	}
	return t.Repository.DefaultBranch
}

// Outcome summarizes a successful run.
type Outcome struct {
	Commit        scanning.CommitInfo
	FindingsCount int
	DegradedTools []string
}

// Pipeline executes fetch, scan, normalize and report against an already
// allocated workspace.
type Pipeline struct {
	deps   Deps
	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		deps:   deps,
		logger: deps.Logger.With("component", "pipeline"),
		tracer: deps.Tracer,
	}
}

// Run executes the four steps inside workspace. Tool failures never fail
// the run; fetch and report errors are returned unchanged so the dispatcher
// can retry.
func (p *Pipeline) Run(ctx context.Context, workspace string, target Target) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("scan_id", target.ScanID.String()),
			attribute.String("repository_id", target.Repository.ID.String()),
		))
	defer span.End()

	log := p.logger.With("scan_id", target.ScanID.String())
	repo := target.Repository

	p.progress(ctx, target.ScanID, progressCloning, "cloning repository")
	commit, err := p.deps.Fetcher.Fetch(ctx, repo.URL, workspace, target.branch(), repo.AccessToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Outcome{}, fmt.Errorf("fetching source: %w", err)
	}
	span.AddEvent("source_fetched", trace.WithAttributes(attribute.String("commit", commit.Hash)))
	log.Info(ctx, "source fetched", "commit", commit.ShortHash, "author", commit.Author)

	hash := commit.Hash
	p.update(ctx, target.ScanID, scanning.StatusUpdate{
		CommitHash: &hash,
		Progress:   scanning.Percent(progressScanning),
		Message:    "running scanners",
	})

	result := p.deps.Runner.Run(ctx, workspace)
	degradedTools := result.DegradedTools()
	if len(degradedTools) > 0 {
		span.AddEvent("tools_degraded", trace.WithAttributes(attribute.StringSlice("tools", degradedTools)))
		log.Warn(ctx, "scan continues with degraded tools", "tools", degradedTools)
	}

	p.progress(ctx, target.ScanID, progressNormalizing, "normalizing findings")
	findings := p.deps.Normalizer.Normalize(target.ScanID, workspace, result.Findings())

	p.progress(ctx, target.ScanID, progressReporting, fmt.Sprintf("submitting %d findings", len(findings)))
	if err := p.deps.Reporter.SubmitFindings(ctx, target.ScanID, scanning.FindingsSubmission{
		Findings:         findings,
		CommitHash:       commit.Hash,
		UpdateRepoCommit: true,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submitting findings failed")
		return Outcome{}, fmt.Errorf("submitting findings: %w", err)
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	return Outcome{
		Commit:        commit,
		FindingsCount: len(findings),
		DegradedTools: degradedTools,
	}, nil
}

func (p *Pipeline) progress(ctx context.Context, scanID uuid.UUID, pct int, msg string) {
	p.update(ctx, scanID, scanning.StatusUpdate{Progress: scanning.Percent(pct), Message: msg})
}

// update sends an intermediate update. Failures are logged only; they must
// not change the outcome of the run.
func (p *Pipeline) update(ctx context.Context, scanID uuid.UUID, u scanning.StatusUpdate) {
	if err := p.deps.Reporter.UpdateStatus(ctx, scanID, u); err != nil {
		p.logger.Warn(ctx, "progress update failed", "scan_id", scanID.String(), "message", u.Message, "error", err)
	}
}
