package scanner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// PluginConfig carries what DefaultPlugins needs to build the plugin set.
type PluginConfig struct {
	Tools         ToolOptions
	SemgrepConfig string
	SecretRules   []byte
}

// DefaultPlugins returns the fixed plugin set in reporting order.
func DefaultPlugins(cfg PluginConfig, log *logger.Logger) ([]Plugin, error) {
	cfg.Tools.Logger = log

	leaks, err := NewGitleaks(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks plugin: %w", err)
	}

	rules := cfg.SecretRules
	if len(rules) == 0 {
		rules = defaultSecretRules
	}
	rs, err := ParseSecretRuleSet(rules)
	if err != nil {
		return nil, err
	}
	regex, err := NewSecretRegex(rs, cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("creating regex secret plugin: %w", err)
	}

	return []Plugin{
		NewSemgrep(cfg.Tools, cfg.SemgrepConfig),
		leaks,
		NewTrivy(cfg.Tools),
		NewBandit(cfg.Tools),
		regex,
	}, nil
}

// RunResult is the merged output of every plugin.
type RunResult struct {
	Results []Result
}

// Findings concatenates all plugin findings in plugin order. Overlapping
// findings from different tools are kept.
func (r RunResult) Findings() []scanning.RawFinding {
	var n int
	for _, res := range r.Results {
		n += len(res.Findings)
	}
	out := make([]scanning.RawFinding, 0, n)
	for _, res := range r.Results {
		out = append(out, res.Findings...)
	}
	return out
}

// DegradedTools lists the plugins whose results may be incomplete.
func (r RunResult) DegradedTools() []string {
	var tools []string
	for _, res := range r.Results {
		if res.Degraded {
			tools = append(tools, res.Tool)
		}
	}
	return tools
}

// Runner executes a fixed plugin list against a workspace.
type Runner struct {
	plugins     []Plugin
	concurrency int
	logger      *logger.Logger
	tracer      trace.Tracer
	metrics     *Metrics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConcurrency sets how many plugins run at once; 1 runs them
// sequentially.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMetrics attaches plugin telemetry.
func WithMetrics(m *Metrics) RunnerOption { return func(r *Runner) { r.metrics = m } }

// NewRunner creates a Runner over plugins.
func NewRunner(plugins []Plugin, log *logger.Logger, tracer trace.Tracer, opts ...RunnerOption) *Runner {
	r := &Runner{
		plugins:     plugins,
		concurrency: len(plugins),
		logger:      log.With("component", "scanner_runner"),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every plugin. It has no error return: a plugin that panics or
// fails contributes a degraded, empty Result and the others still run.
func (r *Runner) Run(ctx context.Context, workspace string) RunResult {
	ctx, span := r.tracer.Start(ctx, "scanner_runner.run",
		trace.WithAttributes(
			attribute.Int("plugins", len(r.plugins)),
			attribute.Int("concurrency", r.concurrency),
		))
	defer span.End()

	results := make([]Result, len(r.plugins))

	var g errgroup.Group
	g.SetLimit(max(r.concurrency, 1))
	for i, p := range r.plugins {
		g.Go(func() error {
			results[i] = r.runPlugin(ctx, p, workspace)
			return nil
		})
	}
	_ = g.Wait()

	out := RunResult{Results: results}
	span.SetAttributes(
		attribute.Int("findings", len(out.Findings())),
		attribute.StringSlice("degraded_tools", out.DegradedTools()),
	)
	return out
}

func (r *Runner) runPlugin(ctx context.Context, p Plugin, workspace string) (res Result) {
	ctx, span := r.tracer.Start(ctx, "scanner."+p.Name()+".scan",
		trace.WithAttributes(attribute.String("tool", p.Name())))
	defer span.End()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "plugin panicked", "tool", p.Name(), "panic", rec, "stack", string(debug.Stack()))
			res = degraded(p.Name(), fmt.Sprintf("panic: %v", rec))
		}
		res.Tool = p.Name()
		res.Duration = time.Since(start)

		if res.Degraded {
			span.SetStatus(codes.Error, res.Reason)
		}
		span.SetAttributes(attribute.Int("findings", len(res.Findings)))
		r.metrics.observe(ctx, res)
		r.logger.Info(ctx, "plugin finished",
			"tool", p.Name(),
			"findings", len(res.Findings),
			"degraded", res.Degraded,
			"duration", res.Duration.String(),
		)
	}()

	return p.Scan(ctx, workspace)
}
