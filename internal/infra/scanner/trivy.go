package scanner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Trivy scans dependency manifests for known vulnerabilities.
type Trivy struct {
	exec toolExec
}

var _ Plugin = (*Trivy)(nil)

// NewTrivy creates the dependency vulnerability plugin.
func NewTrivy(opts ToolOptions) *Trivy {
	return &Trivy{exec: newToolExec(scanning.ToolTrivy, opts)}
}

func (t *Trivy) Name() string { return scanning.ToolTrivy }

func (t *Trivy) Scan(ctx context.Context, workspace string) Result {
	return t.exec.run(ctx, workspace, Command{
		Name: "trivy",
		Args: []string{"fs", "--scanners", "vuln", "--format", "json", "--quiet", "--skip-dirs", ".git", workspace},
		Dir:  workspace,
	}, parseTrivy)
}

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
	Title            string `json:"Title"`
	Description      string `json:"Description"`
}

func parseTrivy(out []byte, _ string) ([]scanning.RawFinding, error) {
	var doc struct {
		Results []struct {
			Target          string            `json:"Target"`
			Vulnerabilities []json.RawMessage `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, err
	}

	var findings []scanning.RawFinding
	for _, res := range doc.Results {
		for _, raw := range res.Vulnerabilities {
			var v trivyVulnerability
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}

			title := v.Title
			if title == "" {
				title = fmt.Sprintf("%s in %s@%s", v.VulnerabilityID, v.PkgName, v.InstalledVersion)
			}
			desc := v.Description
			if v.FixedVersion != "" {
				desc = fmt.Sprintf("%s\n\nUpgrade %s to %s.", desc, v.PkgName, v.FixedVersion)
			}

			findings = append(findings, scanning.RawFinding{
				Tool:           scanning.ToolTrivy,
				RuleID:         v.VulnerabilityID,
				Title:          title,
				Description:    desc,
				NativeSeverity: v.Severity,
				FilePath:       res.Target,
				Raw:            raw,
			})
		}
	}
	return findings, nil
}
