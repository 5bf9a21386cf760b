// Package scanner wraps the external analysis tools a scan runs behind one
// Plugin interface. Plugins never fail a scan: a tool that crashes, times out
// or emits unreadable output yields an empty, degraded Result.
package scanner

import (
	"context"
	"time"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Plugin runs one analysis tool against a checked out workspace.
type Plugin interface {
	// Name is the tool name reported on every finding the plugin produces.
	Name() string

	// Scan analyzes the workspace. It must not panic and has no error
	// return; failures are described on the Result.
	Scan(ctx context.Context, workspace string) Result
}

// Result is the outcome of one plugin run.
type Result struct {
	Tool     string
	Findings []scanning.RawFinding
	// Degraded is set when the tool failed and Findings may be incomplete.
	Degraded bool
	Reason   string
	Duration time.Duration
}

func ok(tool string, findings []scanning.RawFinding) Result {
	return Result{Tool: tool, Findings: findings}
}

func degraded(tool, reason string) Result {
	return Result{Tool: tool, Degraded: true, Reason: reason}
}
