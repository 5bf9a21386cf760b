package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/ahrav/scan-armada/db"
	"github.com/ahrav/scan-armada/internal/api/debug"
	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/api/mux"
	"github.com/ahrav/scan-armada/internal/api/routes"
	"github.com/ahrav/scan-armada/internal/app/cluster"
	"github.com/ahrav/scan-armada/internal/app/dispatch"
	"github.com/ahrav/scan-armada/internal/app/progress"
	"github.com/ahrav/scan-armada/internal/app/reaper"
	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/trigger"
	"github.com/ahrav/scan-armada/internal/app/worker"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	k8scluster "github.com/ahrav/scan-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/scan-armada/internal/infra/queue/kafka"
	"github.com/ahrav/scan-armada/internal/infra/queue/memory"
	"github.com/ahrav/scan-armada/internal/infra/storage/postgres"
	memstore "github.com/ahrav/scan-armada/internal/infra/storage/memory"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/otel"
)

var build = "develop"

const (
	serviceType = "scan-api"
)

func main() {
	// Set the correct number of threads for the service
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

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCAN-API-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Log.Level), svcName, traceIDFn, logEvents, metadata)

	if err := run(ctx, log, hostname, cfg); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

// stores groups the persistence ports behind whichever driver is configured.
type stores struct {
	scans    scanning.ScanRepository
	repos    scanning.RepositoryStore
	findings scanning.FindingRepository
	db       mux.Pinger
	close    func()
}

func run(ctx context.Context, log *logger.Logger, hostname string, cfg *config.Config) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/debug":        {},
			"/metrics":      {},
		},
		Probability: cfg.Telemetry.Probability,
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
	// Database Support
	log.Info(ctx, "startup", "status", "initializing storage", "driver", cfg.Database.Driver)

	st, err := openStores(ctx, cfg.Database, tracer)
	if err != nil {
		return err
	}
	defer st.close()

	// -------------------------------------------------------------------------
	// Progress Broadcasting
	hub := progress.NewHub(log)

	kafkaCfg := &kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID,
		GroupID:       cfg.Kafka.GroupID,
		JobTopic:      cfg.Kafka.JobTopic,
		ProgressTopic: cfg.Kafka.ProgressTopic,
	}

	var (
		broadcaster  scanning.ProgressBroadcaster = hub
		kafkaClient  sarama.Client
		kafkaMetrics *kafka.Metrics
		relay        *kafka.ProgressRelay
	)

	if cfg.Dispatch.Queue == config.DriverKafka {
		log.Info(ctx, "startup", "status", "initializing kafka", "brokers", cfg.Kafka.Brokers)

		if kafkaMetrics, err = kafka.NewMetrics(mp); err != nil {
			return fmt.Errorf("creating kafka metrics: %w", err)
		}

		kafkaClient, err = kafka.Connect(ctx, kafkaCfg, log)
		if err != nil {
			return err
		}
		defer kafkaClient.Close()

		producer, err := sarama.NewSyncProducerFromClient(kafkaClient)
		if err != nil {
			return fmt.Errorf("creating progress producer: %w", err)
		}
		defer producer.Close()
		broadcaster = kafka.NewProgressPublisher(producer, cfg.Kafka.ProgressTopic, kafkaMetrics, log, tracer)

		// Each replica needs every event for the streams it serves.
		relayGroup := fmt.Sprintf("%s-progress-%s", cfg.Kafka.GroupID, hostname)
		relay, err = kafka.ConnectProgressRelay(kafkaCfg, relayGroup, hub, kafkaMetrics, log, tracer)
		if err != nil {
			return err
		}
		defer relay.Close()
	}

	scanService := scans.NewService(st.scans, st.repos, st.findings, broadcaster, log, tracer)

	// -------------------------------------------------------------------------
	// Dispatch
	log.Info(ctx, "startup", "status", "initializing dispatcher", "backend", cfg.Dispatch.Backend)

	var k8sClient kubernetes.Interface
	if cfg.Dispatch.Backend == config.BackendKubernetes || cfg.Kubernetes.LeaderElection {
		if k8sClient, err = k8scluster.NewClient(cfg.Kubernetes.Kubeconfig); err != nil {
			return err
		}
	}

	var (
		dispatcher trigger.Dispatcher
		pool       *dispatch.Pool
	)
	switch cfg.Dispatch.Backend {
	case config.BackendKubernetes:
		jobCfg := dispatch.JobConfig{
			Namespace:        cfg.Kubernetes.Namespace,
			Image:            cfg.Kubernetes.Image,
			ServiceAccount:   cfg.Kubernetes.ServiceAccount,
			CPURequest:       cfg.Kubernetes.CPURequest,
			CPULimit:         cfg.Kubernetes.CPULimit,
			MemoryRequest:    cfg.Kubernetes.MemoryRequest,
			MemoryLimit:      cfg.Kubernetes.MemoryLimit,
			BackoffLimit:     cfg.Kubernetes.BackoffLimit,
			TTLAfterFinished: cfg.Kubernetes.TTLAfterFinished,
			ActiveDeadline:   cfg.Kubernetes.ActiveDeadline,
			ReportingURL:     cfg.Reporting.BaseURL,
			TokenSecretName:  cfg.Kubernetes.TokenSecretName,
			TokenSecretKey:   cfg.Kubernetes.TokenSecretKey,
		}
		kd, err := dispatch.NewKubernetesDispatcher(k8sClient, jobCfg, log, tracer)
		if err != nil {
			return fmt.Errorf("creating kubernetes dispatcher: %w", err)
		}
		dispatcher = kd

	default:
		queue, closeQueue, err := openQueue(cfg, kafkaClient, kafkaCfg, kafkaMetrics, log, tracer)
		if err != nil {
			return err
		}
		defer closeQueue()
		dispatcher = dispatch.NewQueueDispatcher(queue)

		// Nothing outside this process can read an in-memory queue, so the
		// api runs the workers itself.
		if cfg.Dispatch.Queue == config.DriverMemory {
			pool, err = inProcessPool(cfg, queue, scanService, log, tracer, mp)
			if err != nil {
				return err
			}
		}
	}

	triggerMetrics, err := trigger.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating trigger metrics: %w", err)
	}
	gate := trigger.NewGate(st.repos, st.scans, dispatcher, log, tracer,
		trigger.WithMaxRetries(cfg.Retry.MaxRetries),
		trigger.WithMetrics(triggerMetrics),
	)

	// -------------------------------------------------------------------------
	// Stale Scan Reaper
	var coordinator cluster.Coordinator = cluster.Standalone{}
	if cfg.Kubernetes.LeaderElection {
		coordinator, err = k8scluster.NewCoordinator(k8sClient, k8scluster.ElectionConfig{
			Namespace: cfg.Kubernetes.Namespace,
			LeaseName: cfg.Kubernetes.LeaseName,
			Identity:  hostname,
		}, log, tracer)
		if err != nil {
			return fmt.Errorf("creating leader election: %w", err)
		}
	}

	reap := reaper.New(st.scans, broadcaster, coordinator, reaper.Config{
		Interval:       cfg.Reaper.Interval,
		RunningTimeout: worker.RetryPolicy(cfg.Retry).MaxRunTime(cfg.Worker.HardLimit) + cfg.Reaper.Grace,
		QueuedTimeout:  cfg.Reaper.QueuedTimeout,
	}, log, tracer)

	// -------------------------------------------------------------------------
	// Background Work
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(bgCtx)

	g.Go(func() error { return reap.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if pool != nil {
		g.Go(func() error { return pool.Run(gctx) })
	}

	defer func() {
		stopBackground()
		if err := g.Wait(); err != nil {
			log.Error(ctx, "shutdown", "status", "background work failed", "err", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

		if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Initialize centralized mux configuration with all dependencies.
	cfgMux := mux.Config{
		Build:          build,
		Log:            log,
		Tracer:         tracer,
		TracerProvider: traceProvider,
		Metrics:        mid.NewHTTPMetrics(prometheus.DefaultRegisterer),
		DB:             st.db,
		Gate:           gate,
		Scans:          scanService,
		Hub:            hub,
		WebhookPath:    cfg.Web.WebhookPath,
		WebhookRate:    cfg.Web.WebhookRate,
		WebhookBurst:   cfg.Web.WebhookBurst,
		InternalToken:  cfg.Reporting.Token,
		JWTSecret:      cfg.Auth.JWTSecret,
	}

	// Create the web API with all routes and middleware.
	webAPI := mux.WebAPI(cfgMux,
		routes.Routes(),
		mux.WithCORS(cfg.Web.CORSAllowedOrigins),
	)

	// Configure and start the API server.
	api := http.Server{
		Addr:         cfg.Web.APIHost,
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
		BaseContext:  func(net.Listener) context.Context { return bgCtx },
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-gctx.Done():
		return fmt.Errorf("background work stopped: %w", context.Cause(gctx))

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		// Close progress streams first; hijacked connections are not
		// tracked by Shutdown.
		stopBackground()

		ctx, cancel := context.WithTimeout(ctx, cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, tracer trace.Tracer) (*stores, error) {
	if cfg.Driver == config.DriverMemory {
		store := memstore.NewStore()
		return &stores{scans: store, repos: store, findings: store, db: store, close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.URL,
		MinConns: cfg.MinConns,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := db.Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &stores{
		scans:    postgres.NewScanStore(pool, tracer),
		repos:    postgres.NewRepositoryStore(pool, tracer),
		findings: postgres.NewFindingStore(pool, tracer),
		db:       pool,
		close:    pool.Close,
	}, nil
}

func openQueue(
	cfg *config.Config,
	client sarama.Client,
	kafkaCfg *kafka.Config,
	metrics *kafka.Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) (dispatch.Queue, func(), error) {
	if cfg.Dispatch.Queue == config.DriverMemory {
		return memory.NewQueue(cfg.Dispatch.QueueSize), func() {}, nil
	}

	q, err := kafka.NewJobQueueFromClient(client, kafkaCfg, false, metrics, log, tracer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating job queue: %w", err)
	}
	return q, func() { _ = q.Close() }, nil
}

func inProcessPool(
	cfg *config.Config,
	queue dispatch.Queue,
	reporter *scans.Service,
	log *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
) (*dispatch.Pool, error) {
	rt, err := worker.New(cfg, reporter, log, tracer, mp)
	if err != nil {
		return nil, err
	}
	return dispatch.NewPool(queue, rt.Executor, log, tracer,
		dispatch.WithWorkers(cfg.Worker.Count),
		dispatch.WithPoolRetryPolicy(worker.RetryPolicy(cfg.Retry)),
	), nil
}
