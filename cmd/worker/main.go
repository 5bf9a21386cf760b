package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/scan-armada/internal/api/debug"
	"github.com/ahrav/scan-armada/internal/app/dispatch"
	"github.com/ahrav/scan-armada/internal/app/worker"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/infra/queue/kafka"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/otel"
)

const serviceType = "scan-worker"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	cfg, err := config.Load(ctx, os.Getenv("SCAN_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("SCAN-WORKER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), svcName, otel.GetTraceID, logEvents, metadata)

	if err := run(ctx, logg, hostname, cfg); err != nil {
		logg.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string, cfg *config.Config) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if cfg.Dispatch.Queue != config.DriverKafka {
		return fmt.Errorf("a standalone worker needs the kafka queue, got %q", cfg.Dispatch.Queue)
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(serviceType)
	mp := otel.GetMeterProvider()

	// -------------------------------------------------------------------------
	// Executor

	reporter, err := worker.NewReporter(cfg.Reporting, log, tracer)
	if err != nil {
		return fmt.Errorf("creating reporting client: %w", err)
	}

	rt, err := worker.New(cfg, reporter, log, tracer, mp)
	if err != nil {
		return err
	}

	// Attempts killed mid-scan never ran their cleanup.
	removed, err := rt.Workspaces.Sweep(ctx, cfg.Worker.HardLimit)
	if err != nil {
		log.Warn(ctx, "startup", "status", "workspace sweep failed", "err", err)
	} else if removed > 0 {
		log.Info(ctx, "startup", "status", "removed stale workspaces", "count", removed)
	}

	// -------------------------------------------------------------------------
	// Job Queue

	kafkaCfg := &kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID,
		GroupID:       cfg.Kafka.GroupID,
		JobTopic:      cfg.Kafka.JobTopic,
		ProgressTopic: cfg.Kafka.ProgressTopic,
	}
	kafkaMetrics, err := kafka.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating kafka metrics: %w", err)
	}

	client, err := kafka.Connect(ctx, kafkaCfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	queue, err := kafka.NewJobQueueFromClient(client, kafkaCfg, true, kafkaMetrics, log, tracer)
	if err != nil {
		return fmt.Errorf("creating job queue: %w", err)
	}
	defer queue.Close()

	pool := dispatch.NewPool(queue, rt.Executor, log, tracer,
		dispatch.WithWorkers(cfg.Worker.Count),
		dispatch.WithPoolRetryPolicy(worker.RetryPolicy(cfg.Retry)),
	)

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Run Until Shutdown

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker pool: %w", err)
	}

	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}
