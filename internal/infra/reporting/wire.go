package reporting

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// HeaderInternalToken carries the shared secret of the internal API.
const HeaderInternalToken = "X-Internal-Token"

// RepositoryPayload is the body of GET /internal/repositories/{id}/.
type RepositoryPayload struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	DefaultBranch     string    `json:"default_branch"`
	LastScannedCommit string    `json:"last_scanned_commit"`
	AccessToken       string    `json:"access_token"`
}

// NewRepositoryPayload converts a repository record.
func NewRepositoryPayload(r *scanning.Repository) RepositoryPayload {
	return RepositoryPayload{
		ID:                r.ID,
		Name:              r.Name,
		URL:               r.URL,
		DefaultBranch:     r.DefaultBranch,
		LastScannedCommit: r.LastScannedCommit,
		AccessToken:       r.AccessToken,
	}
}

// Repository converts the payload back into a repository record.
func (p RepositoryPayload) Repository() *scanning.Repository {
	return &scanning.Repository{
		ID:                p.ID,
		Name:              p.Name,
		URL:               p.URL,
		DefaultBranch:     p.DefaultBranch,
		LastScannedCommit: p.LastScannedCommit,
		AccessToken:       p.AccessToken,
		IsActive:          true,
	}
}

// StatusPayload is the body of POST /internal/scans/{id}/status/. Absent
// fields are left unchanged.
type StatusPayload struct {
	Status        *string    `json:"status,omitempty" validate:"omitempty,oneof=queued running completed failed"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CommitHash    *string    `json:"commit_hash,omitempty" validate:"omitempty,hexadecimal,max=64"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Progress      *int       `json:"progress,omitempty" validate:"omitempty,min=0,max=100"`
	Message       string     `json:"message,omitempty" validate:"max=1000"`
	DegradedTools []string   `json:"degraded_tools,omitempty"`
}

// NewStatusPayload converts a status update.
func NewStatusPayload(u scanning.StatusUpdate) StatusPayload {
	p := StatusPayload{
		ErrorMessage:  u.ErrorMessage,
		CommitHash:    u.CommitHash,
		StartedAt:     u.StartedAt,
		CompletedAt:   u.CompletedAt,
		Progress:      u.Progress,
		Message:       u.Message,
		DegradedTools: u.DegradedTools,
	}
	if u.Status != nil {
		s := u.Status.String()
		p.Status = &s
	}
	return p
}

// StatusUpdate converts the payload back into a status update.
func (p StatusPayload) StatusUpdate() (scanning.StatusUpdate, error) {
	u := scanning.StatusUpdate{
		ErrorMessage:  p.ErrorMessage,
		CommitHash:    p.CommitHash,
		StartedAt:     p.StartedAt,
		CompletedAt:   p.CompletedAt,
		Progress:      p.Progress,
		Message:       p.Message,
		DegradedTools: p.DegradedTools,
	}
	if p.Status != nil {
		s, err := scanning.ParseScanStatus(*p.Status)
		if err != nil {
			return scanning.StatusUpdate{}, err
		}
		u.Status = &s
	}
	return u, nil
}

// FindingPayload is one normalized finding on the wire.
type FindingPayload struct {
	Tool        string          `json:"tool" validate:"required,max=50"`
	RuleID      string          `json:"rule_id" validate:"required,max=255"`
	Title       string          `json:"title" validate:"required,max=255"`
	Description string          `json:"description"`
	Severity    string          `json:"severity" validate:"required,oneof=low medium high critical"`
	FilePath    string          `json:"file_path" validate:"max=1024"`
	LineNumber  *int            `json:"line_number" validate:"omitempty,min=1"`
	RawOutput   json.RawMessage `json:"raw_output"`
}

// FindingsPayload is the body of POST /internal/scans/{id}/findings/.
type FindingsPayload struct {
	Findings         []FindingPayload `json:"findings" validate:"dive"`
	CommitHash       string           `json:"commit_hash" validate:"omitempty,hexadecimal,max=64"`
	UpdateRepoCommit bool             `json:"update_repo_commit"`
}

// NewFindingsPayload converts a submission.
func NewFindingsPayload(sub scanning.FindingsSubmission) FindingsPayload {
	p := FindingsPayload{
		Findings:         make([]FindingPayload, 0, len(sub.Findings)),
		CommitHash:       sub.CommitHash,
		UpdateRepoCommit: sub.UpdateRepoCommit,
	}
	for _, f := range sub.Findings {
		p.Findings = append(p.Findings, FindingPayload{
			Tool:        f.Tool,
			RuleID:      f.RuleID,
			Title:       f.Title,
			Description: f.Description,
			Severity:    f.Severity.String(),
			FilePath:    f.FilePath,
			LineNumber:  f.LineNumber,
			RawOutput:   f.RawOutput,
		})
	}
	return p
}

// Submission converts the payload into findings owned by scanID.
func (p FindingsPayload) Submission(scanID uuid.UUID, now time.Time) (scanning.FindingsSubmission, error) {
	sub := scanning.FindingsSubmission{
		Findings:         make([]scanning.Finding, 0, len(p.Findings)),
		CommitHash:       p.CommitHash,
		UpdateRepoCommit: p.UpdateRepoCommit,
	}
	for _, f := range p.Findings {
		sev, err := scanning.ParseSeverity(f.Severity)
		if err != nil {
			return scanning.FindingsSubmission{}, err
		}
		raw := f.RawOutput
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		sub.Findings = append(sub.Findings, scanning.Finding{
			ID:          uuid.New(),
			ScanID:      scanID,
			Tool:        f.Tool,
			RuleID:      f.RuleID,
			Title:       f.Title,
			Description: f.Description,
			Severity:    sev,
			FilePath:    f.FilePath,
			LineNumber:  f.LineNumber,
			RawOutput:   raw,
			CreatedAt:   now,
		})
	}
	return sub, nil
}
