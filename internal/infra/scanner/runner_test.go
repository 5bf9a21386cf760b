package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/scan-armada/pkg/common/logger"
)

func TestRunnerIsolatesPluginFailures(t *testing.T) {
	t.Parallel()

	for _, concurrency := range []int{1, 5} {
		plugins := []Plugin{
			&stubPlugin{name: "a", result: Result{Findings: rawFindings("a", 2)}},
			&stubPlugin{name: "crashy", panic: true},
			&stubPlugin{name: "b", result: Result{Findings: rawFindings("b", 3)}},
			&stubPlugin{name: "slow", result: degraded("slow", "timed out after 1s")},
		}

		metrics, err := NewMetrics(noopmetric.NewMeterProvider())
		require.NoError(t, err)

		r := NewRunner(plugins, logger.Noop(), testTracer, WithConcurrency(concurrency), WithMetrics(metrics))
		out := r.Run(context.Background(), t.TempDir())

		require.Len(t, out.Results, 4)
		assert.Len(t, out.Findings(), 5, "total equals the sum of the healthy plugins")
		assert.Equal(t, []string{"crashy", "slow"}, out.DegradedTools())
		assert.Contains(t, out.Results[1].Reason, "panic: tool crashed")

		// Findings keep plugin order.
		assert.Equal(t, "a", out.Findings()[0].Tool)
		assert.Equal(t, "b", out.Findings()[4].Tool)
	}
}

func TestDefaultPluginsRegistersFiveTools(t *testing.T) {
	t.Parallel()

	plugins, err := DefaultPlugins(PluginConfig{}, logger.Noop())
	require.NoError(t, err)

	var names []string
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"semgrep", "gitleaks", "trivy", "bandit", "secret-regex"}, names)
}
