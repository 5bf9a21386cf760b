package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// DefaultToolTimeout bounds a single external tool invocation.
const DefaultToolTimeout = 10 * time.Minute

// ToolOptions configures plugins that shell out to an external binary.
type ToolOptions struct {
	Runner  CommandRunner
	Timeout time.Duration
	Logger  *logger.Logger
}

func (o ToolOptions) withDefaults() ToolOptions {
	if o.Runner == nil {
		o.Runner = LocalRunner{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultToolTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Noop()
	}
	return o
}

// abortReason describes why an in-process walk stopped before finishing.
func abortReason(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	return err.Error()
}

type parseFunc func(stdout []byte, workspace string) ([]scanning.RawFinding, error)

// toolExec holds what every external-binary plugin shares: running the
// command under a deadline and turning every failure mode into a degraded
// result.
type toolExec struct {
	tool      string
	runner    CommandRunner
	timeout   time.Duration
	logger    *logger.Logger
	exitCodes map[int]struct{}
}

func newToolExec(tool string, opts ToolOptions, okExitCodes ...int) toolExec {
	opts = opts.withDefaults()
	codes := make(map[int]struct{}, len(okExitCodes)+1)
	codes[0] = struct{}{}
	for _, c := range okExitCodes {
		codes[c] = struct{}{}
	}
	return toolExec{
		tool:      tool,
		runner:    opts.Runner,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With("component", "scanner", "tool", tool),
		exitCodes: codes,
	}
}

func (t toolExec) run(ctx context.Context, workspace string, cmd Command, parse parseFunc) Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.runner.Run(ctx, cmd)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", t.timeout)
		}
		t.logger.Warn(ctx, "tool execution failed", "reason", reason)
		return degraded(t.tool, reason)
	}

	_, exitOK := t.exitCodes[res.ExitCode]
	out := extractJSON(res.Stdout)
	if !exitOK && len(out) == 0 {
		reason := fmt.Sprintf("exit code %d: %s", res.ExitCode, tail(res.Stderr, 256))
		t.logger.Warn(ctx, "tool exited with error", "exit_code", res.ExitCode, "stderr", tail(res.Stderr, 1024))
		return degraded(t.tool, reason)
	}

	findings, err := parse(out, workspace)
	if err != nil {
		t.logger.Warn(ctx, "tool output could not be parsed", "error", err, "exit_code", res.ExitCode)
		return degraded(t.tool, fmt.Sprintf("unparseable output: %v", err))
	}

	result := ok(t.tool, findings)
	if !exitOK {
		// Output was readable, but the tool reported an internal error so
		// the findings may be partial.
		t.logger.Warn(ctx, "tool reported errors alongside results",
			"exit_code", res.ExitCode, "findings", len(findings))
		result.Degraded = true
		result.Reason = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return result
}

// extractJSON trims log noise some tools print around their JSON document.
func extractJSON(b []byte) []byte {
	start := bytes.IndexAny(b, "{[")
	if start < 0 {
		return nil
	}
	end := bytes.LastIndexAny(b, "}]")
	if end < start {
		return nil
	}
	return b[start : end+1]
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
