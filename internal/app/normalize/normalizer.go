// Package normalize maps raw tool output into canonical findings.
package normalize

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

const (
	maxTitleLen       = 255
	maxRuleIDLen      = 255
	maxDescriptionLen = 8000
)

// SeverityMapper converts a raw finding's tool severity to the canonical
// vocabulary. Mappers must always return a valid severity.
type SeverityMapper func(scanning.RawFinding) scanning.Severity

// Normalizer turns RawFindings into Findings owned by one scan.
type Normalizer struct {
	mappers map[string]SeverityMapper
	now     func() time.Time
}

// New creates a Normalizer with the mapper of every built-in tool.
func New() *Normalizer {
	return &Normalizer{
		mappers: map[string]SeverityMapper{
			scanning.ToolSemgrep:     func(f scanning.RawFinding) scanning.Severity { return SemgrepSeverity(f.NativeSeverity) },
			scanning.ToolGitleaks:    func(f scanning.RawFinding) scanning.Severity { return SecretSeverity(f.RuleID, f.Description) },
			scanning.ToolTrivy:       func(f scanning.RawFinding) scanning.Severity { return TrivySeverity(f.NativeSeverity) },
			scanning.ToolBandit:      func(f scanning.RawFinding) scanning.Severity { return BanditSeverity(f.NativeSeverity) },
			scanning.ToolSecretRegex: func(scanning.RawFinding) scanning.Severity { return scanning.SeverityCritical },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Normalize maps raws into findings for scanID. Paths are made relative to
// workspace, findings inside the VCS metadata directory are dropped and text
// fields are bounded. Findings from different tools that point at the same
// location are all kept.
func (n *Normalizer) Normalize(scanID uuid.UUID, workspace string, raws []scanning.RawFinding) []scanning.Finding {
	now := n.now()
	findings := make([]scanning.Finding, 0, len(raws))

	for _, raw := range raws {
		path := relativePath(workspace, raw.FilePath)
		if path == ".git" || strings.HasPrefix(path, ".git/") {
			continue
		}

		ruleID := raw.RuleID
		if ruleID == "" {
			ruleID = raw.Tool + "-unknown"
		}
		title := raw.Title
		if title == "" {
			title = ruleID
		}

		var line *int
		if raw.Line > 0 {
			l := raw.Line
			line = &l
		}

		findings = append(findings, scanning.Finding{
			ID:          uuid.New(),
			ScanID:      scanID,
			Tool:        raw.Tool,
			RuleID:      truncate(ruleID, maxRuleIDLen),
			Title:       truncate(title, maxTitleLen),
			Description: truncate(raw.Description, maxDescriptionLen),
			Severity:    n.severity(raw),
			FilePath:    path,
			LineNumber:  line,
			RawOutput:   rawOutput(raw.Raw),
			CreatedAt:   now,
		})
	}
	return findings
}

func (n *Normalizer) severity(raw scanning.RawFinding) scanning.Severity {
	if m, ok := n.mappers[raw.Tool]; ok {
		if sev := m(raw); sev.Valid() {
			return sev
		}
	}
	if sev, err := scanning.ParseSeverity(raw.NativeSeverity); err == nil {
		return sev
	}
	return scanning.SeverityMedium
}

// SemgrepSeverity maps {ERROR, WARNING, INFO} to {critical, high, medium}.
func SemgrepSeverity(native string) scanning.Severity {
	switch strings.ToUpper(native) {
	case "ERROR":
		return scanning.SeverityCritical
	case "WARNING":
		return scanning.SeverityHigh
	default:
		return scanning.SeverityMedium
	}
}

// TrivySeverity passes the four-level vocabulary through; anything else,
// UNKNOWN included, is medium.
func TrivySeverity(native string) scanning.Severity {
	switch strings.ToUpper(native) {
	case "CRITICAL":
		return scanning.SeverityCritical
	case "HIGH":
		return scanning.SeverityHigh
	case "LOW":
		return scanning.SeverityLow
	default:
		return scanning.SeverityMedium
	}
}

// BanditSeverity lowercases {LOW, MEDIUM, HIGH}.
func BanditSeverity(native string) scanning.Severity {
	switch strings.ToUpper(native) {
	case "HIGH":
		return scanning.SeverityHigh
	case "LOW":
		return scanning.SeverityLow
	default:
		return scanning.SeverityMedium
	}
}

// criticalSecretKeywords identify credentials of cloud and identity
// providers.
var criticalSecretKeywords = []string{
	"aws", "gcp", "google", "azure", "alibaba", "digitalocean", "heroku",
	"private-key", "private key", "privatekey",
	"oauth", "okta", "auth0",
	"github", "gitlab", "slack", "stripe", "twilio",
}

// SecretSeverity derives a severity from a secret rule's id and
// description. Secrets are never reported below high.
func SecretSeverity(ruleID, description string) scanning.Severity {
	text := strings.ToLower(ruleID + " " + description)
	for _, kw := range criticalSecretKeywords {
		if strings.Contains(text, kw) {
			return scanning.SeverityCritical
		}
	}
	return scanning.SeverityHigh
}

func relativePath(workspace, p string) string {
	if p == "" {
		return ""
	}
	if workspace != "" && filepath.IsAbs(p) {
		if rel, err := filepath.Rel(workspace, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func rawOutput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}
