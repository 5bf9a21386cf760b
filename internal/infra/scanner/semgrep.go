package scanner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Semgrep runs multi-language pattern rules.
type Semgrep struct {
	exec   toolExec
	config string
}

var _ Plugin = (*Semgrep)(nil)

// NewSemgrep creates the semgrep plugin. ruleConfig is passed to --config
// and defaults to "auto".
func NewSemgrep(opts ToolOptions, ruleConfig string) *Semgrep {
	if ruleConfig == "" {
		ruleConfig = "auto"
	}
	return &Semgrep{exec: newToolExec(scanning.ToolSemgrep, opts, 1), config: ruleConfig}
}

func (s *Semgrep) Name() string { return scanning.ToolSemgrep }

func (s *Semgrep) Scan(ctx context.Context, workspace string) Result {
	return s.exec.run(ctx, workspace, Command{
		Name: "semgrep",
		Args: []string{"scan", "--json", "--quiet", "--disable-version-check", "--config", s.config, workspace},
		Dir:  workspace,
	}, parseSemgrep)
}

type semgrepResult struct {
	CheckID string `json:"check_id"`
	Path    string `json:"path"`
	Start   struct {
		Line int `json:"line"`
	} `json:"start"`
	Extra struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"extra"`
}

func parseSemgrep(out []byte, _ string) ([]scanning.RawFinding, error) {
	var doc struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, err
	}

	findings := make([]scanning.RawFinding, 0, len(doc.Results))
	for _, raw := range doc.Results {
		var r semgrepResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		findings = append(findings, scanning.RawFinding{
			Tool:           scanning.ToolSemgrep,
			RuleID:         r.CheckID,
			Title:          semgrepTitle(r.CheckID),
			Description:    r.Extra.Message,
			NativeSeverity: r.Extra.Severity,
			FilePath:       r.Path,
			Line:           r.Start.Line,
			Raw:            raw,
		})
	}
	return findings, nil
}

// semgrepTitle turns "python.lang.security.audit.eval-detected" into
// "eval detected".
func semgrepTitle(checkID string) string {
	name := checkID
	if i := strings.LastIndex(checkID, "."); i >= 0 {
		name = checkID[i+1:]
	}
	return strings.ReplaceAll(name, "-", " ")
}
