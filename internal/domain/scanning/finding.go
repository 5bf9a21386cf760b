package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the canonical severity vocabulary every tool output is mapped
// into.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) String() string { return string(s) }

// Valid reports whether s belongs to the canonical vocabulary.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity converts a canonical severity name, ignoring case.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Tool names reported on findings.
const (
	ToolSemgrep     = "semgrep"
	ToolGitleaks    = "gitleaks"
	ToolTrivy       = "trivy"
	ToolBandit      = "bandit"
	ToolSecretRegex = "secret-regex"
)

// RawFinding is a single tool-specific result before normalization. Severity
// still uses the tool's own vocabulary and paths may be absolute.
type RawFinding struct {
	Tool           string
	RuleID         string
	Title          string
	Description    string
	NativeSeverity string
	FilePath       string
	Line           int
	Raw            json.RawMessage
}

// Finding is one normalized issue reported by exactly one tool run. Findings
// are created once, in bulk, at the end of a successful scan and never
// mutated afterward.
type Finding struct {
	ID          uuid.UUID
	ScanID      uuid.UUID
	Tool        string
	RuleID      string
	Title       string
	Description string
	Severity    Severity
	FilePath    string
	LineNumber  *int
	RawOutput   json.RawMessage
	CreatedAt   time.Time
}
