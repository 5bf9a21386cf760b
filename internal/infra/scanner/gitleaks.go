package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// maxSecretScanFileSize skips files too large to be hand-written source.
const maxSecretScanFileSize = 5 << 20

// Gitleaks detects committed secrets with the gitleaks engine running in
// process against the workspace tree.
type Gitleaks struct {
	cfg     config.Config
	timeout time.Duration
	logger  *logger.Logger
}

var _ Plugin = (*Gitleaks)(nil)

// NewGitleaks loads the embedded default gitleaks ruleset. Only the timeout
// and logger of opts apply.
func NewGitleaks(opts ToolOptions) (*Gitleaks, error) {
	opts = opts.withDefaults()
	cfg, err := loadGitleaksConfig()
	if err != nil {
		return nil, err
	}
	return &Gitleaks{
		cfg:     cfg,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("component", "scanner", "tool", scanning.ToolGitleaks),
	}, nil
}

// loadGitleaksConfig translates the gitleaks default TOML configuration.
func loadGitleaksConfig() (config.Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return config.Config{}, fmt.Errorf("failed to read embedded config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return config.Config{}, fmt.Errorf("failed to unmarshal embedded config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to translate ViperConfig to Config: %w", err)
	}
	return cfg, nil
}

func (g *Gitleaks) Name() string { return scanning.ToolGitleaks }

// Scan walks every regular file in the workspace and runs the detector over
// its contents. A fresh detector is used per scan since detectors keep state.
func (g *Gitleaks) Scan(ctx context.Context, workspace string) Result {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	detector := detect.NewDetector(g.cfg)

	var findings []scanning.RawFinding
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.Size() == 0 || info.Size() > maxSecretScanFileSize {
			return nil
		}

		fileFindings, err := g.scanFile(detector, path, info.Size())
		if err != nil {
			g.logger.Debug(ctx, "skipping unreadable file", "path", path, "error", err)
			return nil
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			rel = path
		}
		for _, f := range fileFindings {
			findings = append(findings, toRawGitleaks(f, filepath.ToSlash(rel)))
		}
		return nil
	})
	if err != nil {
		reason := abortReason(err, g.timeout)
		g.logger.Warn(ctx, "secret detection aborted", "reason", reason)
		res := degraded(scanning.ToolGitleaks, reason)
		res.Findings = findings
		return res
	}
	return ok(scanning.ToolGitleaks, findings)
}

func (g *Gitleaks) scanFile(detector *detect.Detector, path string, size int64) ([]report.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// The buffer holds the whole file so reported line numbers are absolute.
	bufKB := int(size/1000) + 1
	return detector.DetectReader(f, bufKB)
}

type gitleaksRaw struct {
	RuleID      string   `json:"rule_id"`
	Description string   `json:"description"`
	StartLine   int      `json:"start_line"`
	EndLine     int      `json:"end_line"`
	Match       string   `json:"match"`
	Secret      string   `json:"secret"`
	Entropy     float32  `json:"entropy"`
	Tags        []string `json:"tags,omitempty"`
}

func toRawGitleaks(f report.Finding, relPath string) scanning.RawFinding {
	match := f.Match
	if f.Secret != "" {
		match = strings.ReplaceAll(match, f.Secret, redact(f.Secret))
	}
	raw, _ := json.Marshal(gitleaksRaw{
		RuleID:      f.RuleID,
		Description: f.Description,
		StartLine:   f.StartLine,
		EndLine:     f.EndLine,
		Match:       match,
		Secret:      redact(f.Secret),
		Entropy:     f.Entropy,
		Tags:        f.Tags,
	})

	return scanning.RawFinding{
		Tool:        scanning.ToolGitleaks,
		RuleID:      f.RuleID,
		Title:       f.Description,
		Description: fmt.Sprintf("%s detected in %s", f.Description, relPath),
		FilePath:    relPath,
		Line:        f.StartLine,
		Raw:         raw,
	}
}

// redact keeps a short prefix of a secret so reviewers can recognise it
// without the value being stored.
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	keep := len(secret) / 5
	if keep > 4 {
		keep = 4
	}
	return secret[:keep] + strings.Repeat("*", 8)
}
