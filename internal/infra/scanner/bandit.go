package scanner

import (
	"context"
	"encoding/json"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Bandit analyzes Python sources.
type Bandit struct {
	exec toolExec
}

var _ Plugin = (*Bandit)(nil)

// NewBandit creates the Python analyzer plugin. Bandit exits 1 when it
// reports issues.
func NewBandit(opts ToolOptions) *Bandit {
	return &Bandit{exec: newToolExec(scanning.ToolBandit, opts, 1)}
}

func (b *Bandit) Name() string { return scanning.ToolBandit }

func (b *Bandit) Scan(ctx context.Context, workspace string) Result {
	return b.exec.run(ctx, workspace, Command{
		Name: "bandit",
		Args: []string{"-r", workspace, "-f", "json", "-q", "-x", ".git,node_modules,venv,.venv"},
		Dir:  workspace,
	}, parseBandit)
}

type banditResult struct {
	TestID          string `json:"test_id"`
	TestName        string `json:"test_name"`
	IssueText       string `json:"issue_text"`
	IssueSeverity   string `json:"issue_severity"`
	IssueConfidence string `json:"issue_confidence"`
	Filename        string `json:"filename"`
	LineNumber      int    `json:"line_number"`
}

func parseBandit(out []byte, _ string) ([]scanning.RawFinding, error) {
	var doc struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, err
	}

	findings := make([]scanning.RawFinding, 0, len(doc.Results))
	for _, raw := range doc.Results {
		var r banditResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		findings = append(findings, scanning.RawFinding{
			Tool:           scanning.ToolBandit,
			RuleID:         r.TestID,
			Title:          r.TestName,
			Description:    r.IssueText,
			NativeSeverity: r.IssueSeverity,
			FilePath:       r.Filename,
			Line:           r.LineNumber,
			Raw:            raw,
		})
	}
	return findings, nil
}
