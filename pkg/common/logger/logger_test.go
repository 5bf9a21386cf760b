package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		m := map[string]any{}
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesStructuredRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "scan-worker", func(context.Context) string { return "trace-1" })

	log.Debug(context.Background(), "hidden")
	log.With("component", "pipeline").Info(context.Background(), "scan started", "scan_id", "abc")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "scan started", lines[0]["msg"])
	assert.Equal(t, "scan-worker", lines[0]["service"])
	assert.Equal(t, "pipeline", lines[0]["component"])
	assert.Equal(t, "abc", lines[0]["scan_id"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestLoggerMetadataAndEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var got []Record
	events := Events{Error: func(_ context.Context, r Record) { got = append(got, r) }}

	log := NewWithMetadata(&buf, LevelDebug, "api", nil, events, map[string]string{"pod": "api-0"})
	log.Error(context.Background(), "boom", "err", "clone failed")

	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Message)
	assert.Equal(t, "clone failed", got[0].Attributes["err"])

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "api-0", lines[0]["pod"])
}

func TestLoggerContextAccumulatesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "svc", nil))
	lc.Add("scan_id", "s1")
	lc.Add("attempt", 2)
	lc.Warn(context.Background(), "retrying")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s1", lines[0]["scan_id"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
}

func TestNoopDiscards(t *testing.T) {
	t.Parallel()
	Noop().With("a", 1).Error(context.Background(), "ignored")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
