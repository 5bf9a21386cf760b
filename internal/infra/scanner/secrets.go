package scanner

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	regexp "github.com/wasilibs/go-re2"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

//go:embed secret_rules.yaml
var defaultSecretRules []byte

const (
	maxRegexScanFileSize = 1 << 20
	maxLineLength        = 64 << 10
)

// SecretRuleSet is the configuration of the regex secret scanner.
type SecretRuleSet struct {
	Extensions      []string     `yaml:"extensions"`
	DenyDirs        []string     `yaml:"deny_dirs"`
	DenyGlobs       []string     `yaml:"deny_globs"`
	CommentPrefixes []string     `yaml:"comment_prefixes"`
	Rules           []SecretRule `yaml:"rules"`
}

// SecretRule is one curated pattern.
type SecretRule struct {
	ID      string `yaml:"id"`
	Title   string `yaml:"title"`
	Pattern string `yaml:"pattern"`
}

// ParseSecretRuleSet decodes a YAML rule set.
func ParseSecretRuleSet(data []byte) (SecretRuleSet, error) {
	var rs SecretRuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return SecretRuleSet{}, fmt.Errorf("decoding secret rules: %w", err)
	}
	if len(rs.Rules) == 0 {
		return SecretRuleSet{}, fmt.Errorf("secret rule set has no rules")
	}
	return rs, nil
}

// DefaultSecretRuleSet returns the embedded rule set.
func DefaultSecretRuleSet() (SecretRuleSet, error) { return ParseSecretRuleSet(defaultSecretRules) }

type compiledSecretRule struct {
	id    string
	title string
	re    *regexp.Regexp
}

// SecretRegex is the in-process fallback secret scanner. It reads allow-listed
// text files line by line, ignores comment lines and deny-listed paths, and
// reports every hit as critical.
type SecretRegex struct {
	rules      []compiledSecretRule
	extensions map[string]struct{}
	denyDirs   map[string]struct{}
	denyGlobs  []string
	comments   []string
	timeout    time.Duration
	logger     *logger.Logger
}

var _ Plugin = (*SecretRegex)(nil)

// NewSecretRegex compiles rs. Only the timeout and logger of opts apply.
func NewSecretRegex(rs SecretRuleSet, opts ToolOptions) (*SecretRegex, error) {
	opts = opts.withDefaults()
	s := &SecretRegex{
		extensions: make(map[string]struct{}, len(rs.Extensions)),
		denyDirs:   make(map[string]struct{}, len(rs.DenyDirs)),
		comments:   rs.CommentPrefixes,
		timeout:    opts.Timeout,
		logger:     opts.Logger.With("component", "scanner", "tool", scanning.ToolSecretRegex),
	}

	for _, r := range rs.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling secret rule %s: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledSecretRule{id: r.ID, title: r.Title, re: re})
	}
	for _, ext := range rs.Extensions {
		s.extensions[strings.ToLower(ext)] = struct{}{}
	}
	for _, d := range rs.DenyDirs {
		s.denyDirs[d] = struct{}{}
	}
	for _, g := range rs.DenyGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid deny glob %q", g)
		}
		s.denyGlobs = append(s.denyGlobs, g)
	}
	return s, nil
}

func (s *SecretRegex) Name() string { return scanning.ToolSecretRegex }

func (s *SecretRegex) Scan(ctx context.Context, workspace string) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var findings []scanning.RawFinding

	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if _, deny := s.denyDirs[d.Name()]; deny {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.scannable(rel) {
			return nil
		}

		fileFindings, err := s.scanFile(path, rel)
		findings = append(findings, fileFindings...)
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			s.logger.Warn(ctx, "stopped at over-long line", "path", rel, "findings", len(fileFindings))
		case err != nil:
			s.logger.Debug(ctx, "skipping file", "path", rel, "error", err)
		}
		return nil
	})
	if err != nil {
		reason := abortReason(err, s.timeout)
		s.logger.Warn(ctx, "regex secret scan aborted", "reason", reason)
		res := degraded(scanning.ToolSecretRegex, reason)
		res.Findings = findings
		return res
	}
	return ok(scanning.ToolSecretRegex, findings)
}

// scannable applies the extension allow-list and the deny globs to a
// workspace-relative path.
func (s *SecretRegex) scannable(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	if ext == "" {
		// Dotfiles such as .env have no extension but their name is one.
		ext = strings.ToLower(filepath.Base(rel))
	}
	if _, allowed := s.extensions[ext]; !allowed {
		return false
	}
	for _, g := range s.denyGlobs {
		if match, _ := doublestar.Match(g, rel); match {
			return false
		}
	}
	return true
}

func (s *SecretRegex) scanFile(path, rel string) ([]scanning.RawFinding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxRegexScanFileSize {
		return nil, fmt.Errorf("file larger than %d bytes", maxRegexScanFileSize)
	}

	var findings []scanning.RawFinding
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if bytes.IndexByte(line, 0) >= 0 {
			// Binary content.
			return nil, nil
		}
		if s.isComment(line) {
			continue
		}
		for _, r := range s.rules {
			loc := r.re.FindIndex(line)
			if loc == nil {
				continue
			}
			findings = append(findings, newRegexFinding(r, rel, lineNo, string(line[loc[0]:loc[1]])))
		}
	}
	// Lines read before a scanner error are still reported.
	return findings, sc.Err()
}

func (s *SecretRegex) isComment(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	for _, p := range s.comments {
		if bytes.HasPrefix(trimmed, []byte(p)) {
			return true
		}
	}
	return false
}

func newRegexFinding(r compiledSecretRule, rel string, line int, match string) scanning.RawFinding {
	raw, _ := json.Marshal(map[string]any{
		"rule_id": r.id,
		"line":    line,
		"match":   redact(match),
	})
	return scanning.RawFinding{
		Tool:           scanning.ToolSecretRegex,
		RuleID:         r.id,
		Title:          r.title,
		Description:    fmt.Sprintf("Potential %s committed in %s", strings.ToLower(r.title), rel),
		NativeSeverity: string(scanning.SeverityCritical),
		FilePath:       rel,
		Line:           line,
		Raw:            raw,
	}
}
