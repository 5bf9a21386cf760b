package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

type mockCommandRunner struct{ mock.Mock }

func (m *mockCommandRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(CommandResult), args.Error(1)
}

// stubPlugin returns a canned result or panics.
type stubPlugin struct {
	name   string
	result Result
	panic  bool
}

func (s *stubPlugin) Name() string { return s.name }

func (s *stubPlugin) Scan(context.Context, string) Result {
	if s.panic {
		panic("tool crashed")
	}
	return s.result
}

func rawFindings(tool string, n int) []scanning.RawFinding {
	out := make([]scanning.RawFinding, n)
	for i := range out {
		out[i] = scanning.RawFinding{Tool: tool, RuleID: tool + "-rule"}
	}
	return out
}

// writeFiles creates files relative to a fresh workspace.
func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	ws := t.TempDir()
	for name, content := range files {
		path := filepath.Join(ws, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return ws
}

func toolOpts(r CommandRunner) ToolOptions {
	return ToolOptions{Runner: r, Logger: logger.Noop()}
}
