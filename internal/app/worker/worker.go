// Package worker assembles the scan executor every execution backend runs:
// the worker pool, the one-shot Kubernetes job and the api process when it
// hosts the pool itself.
package worker

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/scan-armada/internal/app/dispatch"
	"github.com/ahrav/scan-armada/internal/app/normalize"
	"github.com/ahrav/scan-armada/internal/app/pipeline"
	"github.com/ahrav/scan-armada/internal/app/workspace"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/infra/reporting"
	"github.com/ahrav/scan-armada/internal/infra/scanner"
	"github.com/ahrav/scan-armada/internal/infra/source/git"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// RetryPolicy converts the retry settings.
func RetryPolicy(cfg config.RetryConfig) dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
	}
}

// Limits converts the per-attempt time limits.
func Limits(cfg config.WorkerConfig) dispatch.Limits {
	return dispatch.Limits{Soft: cfg.SoftLimit, Hard: cfg.HardLimit}
}

// NewReporter creates the internal API client a remote worker reports
// through.
func NewReporter(cfg config.ReportingConfig, log *logger.Logger, tracer trace.Tracer) (*reporting.Client, error) {
	return reporting.NewClient(reporting.Config{
		BaseURL:       cfg.BaseURL,
		Token:         cfg.Token,
		Timeout:       cfg.Timeout,
		MaxAttempts:   cfg.MaxAttempts,
		ProgressRate:  rate.Limit(cfg.ProgressRate),
		ProgressBurst: cfg.ProgressBurst,
	}, log, tracer)
}

// Runtime is an executor plus the workspace manager it allocates from.
type Runtime struct {
	Executor   *dispatch.Executor
	Workspaces *workspace.Manager
}

// New builds the pipeline dependencies once and wraps them in an executor
// reporting through reporter.
func New(
	cfg *config.Config,
	reporter pipeline.ResultReporter,
	log *logger.Logger,
	tracer trace.Tracer,
	mp metric.MeterProvider,
) (*Runtime, error) {
	workspaces, err := workspace.NewManager(cfg.Worker.WorkspaceRoot, log, tracer)
	if err != nil {
		return nil, fmt.Errorf("creating workspace manager: %w", err)
	}

	plugins, err := scanner.DefaultPlugins(scanner.PluginConfig{
		Tools:         scanner.ToolOptions{Timeout: cfg.Worker.ToolTimeout},
		SemgrepConfig: cfg.Worker.SemgrepConfig,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("creating scanner plugins: %w", err)
	}

	scannerMetrics, err := scanner.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating scanner metrics: %w", err)
	}
	dispatchMetrics, err := dispatch.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch metrics: %w", err)
	}

	deps := pipeline.Deps{
		Fetcher: git.NewFetcher(log, tracer, git.WithTimeout(cfg.Worker.CloneTimeout)),
		Runner: scanner.NewRunner(plugins, log, tracer,
			scanner.WithConcurrency(cfg.Worker.PluginConcurrency),
			scanner.WithMetrics(scannerMetrics),
		),
		Normalizer: normalize.New(),
		Reporter:   reporter,
		Workspaces: workspaces,
		Logger:     log,
		Tracer:     tracer,
	}

	exec := dispatch.NewExecutor(deps,
		dispatch.WithLimits(Limits(cfg.Worker)),
		dispatch.WithRetryPolicy(RetryPolicy(cfg.Retry)),
		dispatch.WithMetrics(dispatchMetrics),
	)
	return &Runtime{Executor: exec, Workspaces: workspaces}, nil
}
