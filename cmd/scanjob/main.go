// Command scanjob runs a single scan to completion inside a Kubernetes Job
// and exits. Retries happen in-process; the exit code only tells the Job
// controller whether the scan ended failed.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/scan-armada/internal/app/worker"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/otel"
)

const serviceType = "scan-job"

func main() {
	_, _ = maxprocs.Set()

	ctx := context.Background()

	cfg, err := config.Load(ctx, os.Getenv("SCAN_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	metadata := map[string]string{
		"service":   serviceType,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"scan_id":   cfg.Job.ScanID,
	}
	logg := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), serviceType, otel.GetTraceID, logger.Events{}, metadata)

	if err := run(ctx, logg, cfg); err != nil {
		logg.Error(ctx, "scan job failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	job, err := jobFromConfig(cfg.Job)
	if err != nil {
		return err
	}

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(serviceType)

	reporter, err := worker.NewReporter(cfg.Reporting, log, tracer)
	if err != nil {
		return fmt.Errorf("creating reporting client: %w", err)
	}

	rt, err := worker.New(cfg, reporter, log, tracer, otel.GetMeterProvider())
	if err != nil {
		return err
	}

	// SIGTERM from the Job controller cancels the attempt; the executor still
	// reports the failure on a detached context.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, "scan job started",
		"scan_id", job.ScanID.String(),
		"repository_id", job.RepositoryID.String(),
		"max_retries", job.MaxRetries,
	)

	return rt.Executor.ExecuteWithRetry(ctx, job)
}

func jobFromConfig(cfg config.JobConfig) (scanning.ScanJob, error) {
	scanID, err := uuid.Parse(cfg.ScanID)
	if err != nil {
		return scanning.ScanJob{}, fmt.Errorf("invalid scan id %q: %w", cfg.ScanID, err)
	}
	repoID, err := uuid.Parse(cfg.RepositoryID)
	if err != nil {
		return scanning.ScanJob{}, fmt.Errorf("invalid repository id %q: %w", cfg.RepositoryID, err)
	}

	return scanning.ScanJob{
		ScanID:       scanID,
		RepositoryID: repoID,
		Branch:       cfg.Branch,
		MaxRetries:   max(cfg.MaxRetries, 0),
		EnqueuedAt:   time.Now().UTC(),
	}, nil
}
