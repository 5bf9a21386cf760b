// Package reaper fails scans whose worker vanished, so a crash cannot hold a
// repository's in-flight slot forever.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/app/cluster"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

const (
	messageRunningTimeout = "scan timed out"
	messageQueuedTimeout  = "scan was never picked up by a worker"
)

// Config sets the sweep cadence and how old a scan must be, per status,
// before it is considered abandoned.
type Config struct {
	Interval       time.Duration
	RunningTimeout time.Duration
	QueuedTimeout  time.Duration
}

// Reaper periodically fails stale queued and running scans. Only the
// replica holding leadership sweeps.
type Reaper struct {
	scans       scanning.ScanRepository
	broadcaster scanning.ProgressBroadcaster
	coordinator cluster.Coordinator
	cfg         Config
	now         func() time.Time

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a Reaper.
func New(
	scans scanning.ScanRepository,
	broadcaster scanning.ProgressBroadcaster,
	coordinator cluster.Coordinator,
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
) *Reaper {
	return &Reaper{
		scans:       scans,
		broadcaster: broadcaster,
		coordinator: coordinator,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.With("component", "reaper"),
		tracer:      tracer,
	}
}

// Run sweeps on every interval while this replica leads, until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	return r.coordinator.Lead(ctx, r.loop)
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := r.Sweep(ctx); err != nil {
			r.logger.Error(ctx, "sweep incomplete", "reaped", n, "error", err)
		} else if n > 0 {
			r.logger.Info(ctx, "reaped stale scans", "reaped", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fails every stale scan once and returns how many it failed. Errors
// on individual scans do not stop the sweep; they are returned together.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.sweep")
	defer span.End()

	var (
		reaped int
		errs   *multierror.Error
	)
	for _, pass := range []struct {
		status  scanning.ScanStatus
		timeout time.Duration
		message string
	}{
		{scanning.StatusRunning, r.cfg.RunningTimeout, messageRunningTimeout},
		{scanning.StatusQueued, r.cfg.QueuedTimeout, messageQueuedTimeout},
	} {
		if pass.timeout <= 0 {
			continue
		}
		n, err := r.reap(ctx, pass.status, r.now().Add(-pass.timeout), pass.message)
		reaped += n
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	span.SetAttributes(attribute.Int("reaped", reaped))
	if err := errs.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep incomplete")
		return reaped, err
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, status scanning.ScanStatus, before time.Time, message string) (int, error) {
	stale, err := r.scans.ListStale(ctx, status, before)
	if err != nil {
		return 0, fmt.Errorf("listing stale %s scans: %w", status, err)
	}

	var (
		reaped int
		errs   *multierror.Error
	)
	for _, scan := range stale {
		if err := scan.Fail(message); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scan %s: %w", scan.ScanID(), err))
			continue
		}
		err := r.scans.UpdateScan(ctx, scan, status)
		if errors.Is(err, scanning.ErrInvalidTransition) {
			// A worker moved the scan after it was listed.
			r.logger.Debug(ctx, "stale scan changed before reaping", "scan_id", scan.ScanID().String())
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("scan %s: %w", scan.ScanID(), err))
			continue
		}
		reaped++
		r.logger.Warn(ctx, "failed stale scan",
			"scan_id", scan.ScanID().String(),
			"repository_id", scan.RepositoryID().String(),
			"previous_status", status.String(),
		)
		r.broadcaster.Broadcast(ctx, scanning.NewProgressEvent(scan, "scan failed: "+message, nil, 0))
	}
	return reaped, errs.ErrorOrNil()
}
