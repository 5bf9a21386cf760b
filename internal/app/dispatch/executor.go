// Package dispatch runs scan jobs. The Executor performs a single attempt of
// a job; the queue worker Pool and the Kubernetes job backend both run jobs
// through it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/app/pipeline"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
	outcomeSkipped   = "skipped"
)

// Limits bound the wall-clock time of one attempt. When Soft expires the
// pipeline is cancelled but the attempt may still report its failure; Hard
// bounds everything, reporting included.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// DefaultLimits matches the tool timeout plus headroom for cloning and
// reporting.
func DefaultLimits() Limits {
	return Limits{Soft: 30 * time.Minute, Hard: 35 * time.Minute}
}

// ErrScanClosed is returned when a job refers to a scan that can no longer
// be run, either because it is already terminal or because it is gone.
var ErrScanClosed = errors.New("scan no longer accepts attempts")

type scanPipeline interface {
	Run(ctx context.Context, workspace string, target pipeline.Target) (pipeline.Outcome, error)
}

// Executor runs one attempt of a scan job: claim the scan, allocate a
// workspace, run the pipeline, report the terminal status and release the
// workspace.
type Executor struct {
	pipeline   scanPipeline
	reporter   pipeline.ResultReporter
	workspaces pipeline.Workspaces

	limits  Limits
	policy  RetryPolicy
	metrics *Metrics
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	logger *logger.Logger
	tracer trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLimits sets the soft and hard time limits.
func WithLimits(l Limits) ExecutorOption { return func(e *Executor) { e.limits = l } }

// WithRetryPolicy sets the backoff used by ExecuteWithRetry.
func WithRetryPolicy(p RetryPolicy) ExecutorOption { return func(e *Executor) { e.policy = p } }

// WithMetrics records attempt outcomes.
func WithMetrics(m *Metrics) ExecutorOption { return func(e *Executor) { e.metrics = m } }

// NewExecutor builds an Executor from the shared pipeline dependencies.
func NewExecutor(deps pipeline.Deps, opts ...ExecutorOption) *Executor {
	e := &Executor{
		pipeline:   pipeline.New(deps),
		reporter:   deps.Reporter,
		workspaces: deps.Workspaces,
		limits:     DefaultLimits(),
		policy:     DefaultRetryPolicy(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
		logger:     deps.Logger.With("component", "executor"),
		tracer:     deps.Tracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a single attempt. A nil error means the scan reached
// completed or the job was stale and dropped. On error the scan is marked
// failed only when job is on its final attempt; earlier attempts record the
// error and leave the scan running for the retry.
func (e *Executor) Execute(ctx context.Context, job scanning.ScanJob) error {
	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("scan_id", job.ScanID.String()),
			attribute.Int("attempt", job.Attempt),
			attribute.Int("max_retries", job.MaxRetries),
		))
	defer span.End()

	log := e.logger.With("scan_id", job.ScanID.String(), "attempt", job.Attempt)
	start := e.now()

	hardCtx, cancelHard := context.WithTimeout(ctx, e.limits.Hard)
	defer cancelHard()

	repo, err := e.reporter.GetRepository(hardCtx, job.RepositoryID)
	if err != nil {
		return e.recordFailure(hardCtx, span, job, start, fmt.Errorf("loading repository: %w", err))
	}

	if err := e.claim(hardCtx, job); err != nil {
		if errors.Is(err, ErrScanClosed) {
			log.Info(ctx, "dropping job for closed scan", "error", err)
			span.AddEvent("job_dropped")
			e.metrics.attemptFinished(ctx, outcomeSkipped, e.now().Sub(start))
			return nil
		}
		return e.recordFailure(hardCtx, span, job, start, fmt.Errorf("claiming scan: %w", err))
	}
	e.metrics.attemptStarted(ctx, job.Attempt)

	dir, err := e.workspaces.Create(hardCtx, job.ScanID.String())
	if err != nil {
		return e.recordFailure(hardCtx, span, job, start, fmt.Errorf("creating workspace: %w", err))
	}
	defer e.workspaces.Destroy(context.WithoutCancel(ctx), dir)

	softCtx, cancelSoft := context.WithTimeout(hardCtx, e.limits.Soft)
	defer cancelSoft()

	outcome, err := e.runPipeline(softCtx, dir, pipeline.Target{
		ScanID:     job.ScanID,
		Repository: repo,
		Branch:     job.Branch,
	})
	if err != nil {
		if errors.Is(softCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("scan exceeded time limit of %s: %w", e.limits.Soft, err)
		}
		return e.recordFailure(hardCtx, span, job, start, err)
	}

	completed := scanning.StatusCompleted
	completedAt := e.now()
	if err := e.reporter.UpdateStatus(hardCtx, job.ScanID, scanning.StatusUpdate{
		Status:        &completed,
		CompletedAt:   &completedAt,
		Progress:      scanning.Percent(100),
		Message:       completionMessage(outcome),
		DegradedTools: outcome.DegradedTools,
	}); err != nil {
		return e.recordFailure(hardCtx, span, job, start, fmt.Errorf("reporting completion: %w", err))
	}

	span.SetAttributes(attribute.Int("findings", outcome.FindingsCount))
	span.SetStatus(codes.Ok, "scan completed")
	e.metrics.attemptFinished(ctx, outcomeCompleted, e.now().Sub(start))
	log.Info(ctx, "scan completed",
		"findings", outcome.FindingsCount,
		"commit", outcome.Commit.ShortHash,
		"degraded_tools", outcome.DegradedTools,
	)
	return nil
}

// ExecuteWithRetry runs job in-process until it completes or its retries
// are exhausted, sleeping for the policy backoff between attempts. It
// returns the error of the last attempt.
func (e *Executor) ExecuteWithRetry(ctx context.Context, job scanning.ScanJob) error {
	for {
		err := e.Execute(ctx, job)
		if err == nil || !job.CanRetry() {
			return err
		}
		wait := e.policy.Backoff(job.Attempt)
		e.logger.Warn(ctx, "scan attempt failed, retrying",
			"scan_id", job.ScanID.String(),
			"attempt", job.Attempt,
			"backoff", wait.String(),
			"error", err,
		)
		if serr := e.sleep(ctx, wait); serr != nil {
			return e.Abandon(ctx, job, err)
		}
		job = job.NextAttempt(wait)
	}
}

// Abandon marks the scan failed with cause regardless of the attempt
// number. It is used when a retry cannot be scheduled.
func (e *Executor) Abandon(ctx context.Context, job scanning.ScanJob, cause error) error {
	job.Attempt = job.MaxRetries
	e.reportFailure(context.WithoutCancel(ctx), job, cause)
	return cause
}

// claim moves the scan to running. Re-claims by a retry attempt are
// accepted as running to running.
func (e *Executor) claim(ctx context.Context, job scanning.ScanJob) error {
	running := scanning.StatusRunning
	startedAt := e.now()
	msg := "scan started"
	if job.Attempt > 0 {
		msg = fmt.Sprintf("retrying scan (attempt %d of %d)", job.Attempt+1, job.MaxRetries+1)
	}

	err := e.reporter.UpdateStatus(ctx, job.ScanID, scanning.StatusUpdate{
		Status:    &running,
		StartedAt: &startedAt,
		Progress:  scanning.Percent(0),
		Message:   msg,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, scanning.ErrInvalidTransition), errors.Is(err, scanning.ErrScanNotFound):
		return fmt.Errorf("%w: %w", ErrScanClosed, err)
	default:
		return err
	}
}

func (e *Executor) runPipeline(ctx context.Context, dir string, target pipeline.Target) (out pipeline.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "pipeline panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return e.pipeline.Run(ctx, dir, target)
}

func (e *Executor) recordFailure(
	ctx context.Context,
	span trace.Span,
	job scanning.ScanJob,
	start time.Time,
	cause error,
) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "scan attempt failed")

	outcome := outcomeRetried
	if job.IsFinalAttempt() {
		outcome = outcomeFailed
	}
	e.metrics.attemptFinished(ctx, outcome, e.now().Sub(start))
	e.reportFailure(context.WithoutCancel(ctx), job, cause)
	return cause
}

// reportFailure records cause on the scan. Reporting errors are logged only;
// the caller already returns cause.
func (e *Executor) reportFailure(ctx context.Context, job scanning.ScanJob, cause error) {
	msg := cause.Error()
	update := scanning.StatusUpdate{ErrorMessage: &msg}

	if job.IsFinalAttempt() {
		failed := scanning.StatusFailed
		completedAt := e.now()
		update.Status = &failed
		update.CompletedAt = &completedAt
		update.Message = "scan failed: " + msg
	} else {
		update.Message = fmt.Sprintf("attempt %d failed, retrying: %s", job.Attempt+1, msg)
	}

	if err := e.reporter.UpdateStatus(ctx, job.ScanID, update); err != nil {
		e.logger.Error(ctx, "failed to report scan failure",
			"scan_id", job.ScanID.String(),
			"final", job.IsFinalAttempt(),
			"cause", msg,
			"error", err,
		)
	}
}

func completionMessage(o pipeline.Outcome) string {
	msg := fmt.Sprintf("scan completed: %d findings", o.FindingsCount)
	if len(o.DegradedTools) > 0 {
		msg += "; incomplete results from " + strings.Join(o.DegradedTools, ", ")
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
