// Package scans binds the tenant-facing scan routes: reading scans and their
// findings, triggering scans by hand and streaming progress.
package scans

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/app/trigger"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Reader is the read side of the scan service.
type Reader interface {
	GetScan(ctx context.Context, tenantID, scanID uuid.UUID) (*scanning.Scan, error)
	ListFindings(ctx context.Context, tenantID, scanID uuid.UUID) ([]scanning.Finding, error)
}

// Trigger queues scans on behalf of a user.
type Trigger interface {
	TriggerManual(ctx context.Context, tenantID, repositoryID uuid.UUID, actor, branch string) (trigger.Result, error)
}

// Streamer serves the progress websocket of a scan.
type Streamer interface {
	Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, scanID uuid.UUID) error
}

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log       *logger.Logger
	Scans     Reader
	Trigger   Trigger
	Hub       Streamer
	JWTSecret string
}

const version = "v1"

// Routes binds all the scan endpoints.
func Routes(app *web.App, cfg Config) {
	auth := mid.Authenticate(cfg.JWTSecret)

	app.HandlerFunc(http.MethodGet, version, "/scans/{id}", get(cfg), auth)
	app.HandlerFunc(http.MethodGet, version, "/scans/{id}/findings", findings(cfg), auth)
	app.HandlerFunc(http.MethodGet, version, "/scans/{id}/stream", stream(cfg), auth)
	app.HandlerFunc(http.MethodPost, version, "/repositories/{id}/scans", create(cfg), auth)
}

// scanResponse is the public view of a scan.
type scanResponse struct {
	ID           string     `json:"id"`
	RepositoryID string     `json:"repository_id"`
	Status       string     `json:"status"`
	Branch       string     `json:"branch"`
	CommitHash   string     `json:"commit_hash,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	TriggeredBy  *string    `json:"triggered_by"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

func toScanResponse(s *scanning.Scan) scanResponse {
	resp := scanResponse{
		ID:           s.ScanID().String(),
		RepositoryID: s.RepositoryID().String(),
		Status:       s.Status().String(),
		Branch:       s.Branch(),
		CommitHash:   s.CommitHash(),
		ErrorMessage: s.ErrorMessage(),
		TriggeredBy:  s.TriggeredBy(),
		CreatedAt:    s.CreatedAt(),
	}
	if t, ok := s.StartedAt(); ok {
		resp.StartedAt = &t
	}
	if t, ok := s.CompletedAt(); ok {
		resp.CompletedAt = &t
	}
	return resp
}

// Encode implements the web.Encoder interface.
func (sr scanResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

type findingResponse struct {
	ID          string          `json:"id"`
	Tool        string          `json:"tool"`
	RuleID      string          `json:"rule_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Severity    string          `json:"severity"`
	FilePath    string          `json:"file_path"`
	LineNumber  *int            `json:"line_number"`
	RawOutput   json.RawMessage `json:"raw_output"`
	CreatedAt   time.Time       `json:"created_at"`
}

type findingsResponse struct {
	ScanID   string            `json:"scan_id"`
	Total    int               `json:"total"`
	Findings []findingResponse `json:"findings"`
}

// Encode implements the web.Encoder interface.
func (fr findingsResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(fr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

type createRequest struct {
	Branch string `json:"branch" validate:"omitempty,max=255"`
}

func get(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		tenantID, scanID, apiErr := scope(ctx, r)
		if apiErr != nil {
			return apiErr
		}

		scan, err := cfg.Scans.GetScan(ctx, tenantID, scanID)
		if err != nil {
			return toError(err)
		}

		return toScanResponse(scan)
	}
}

func findings(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		tenantID, scanID, apiErr := scope(ctx, r)
		if apiErr != nil {
			return apiErr
		}

		list, err := cfg.Scans.ListFindings(ctx, tenantID, scanID)
		if err != nil {
			return toError(err)
		}

		resp := findingsResponse{
			ScanID:   scanID.String(),
			Total:    len(list),
			Findings: make([]findingResponse, 0, len(list)),
		}
		for _, f := range list {
			resp.Findings = append(resp.Findings, findingResponse{
				ID:          f.ID.String(),
				Tool:        f.Tool,
				RuleID:      f.RuleID,
				Title:       f.Title,
				Description: f.Description,
				Severity:    f.Severity.String(),
				FilePath:    f.FilePath,
				LineNumber:  f.LineNumber,
				RawOutput:   f.RawOutput,
				CreatedAt:   f.CreatedAt,
			})
		}
		return resp
	}
}

func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		tenantID, repositoryID, apiErr := scope(ctx, r)
		if apiErr != nil {
			return apiErr
		}

		var req createRequest
		if r.ContentLength != 0 {
			if err := web.Decode(r, &req); err != nil {
				return errs.New(errs.InvalidArgument, err)
			}
		}
		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		claims, _ := mid.GetClaims(ctx)
		res, err := cfg.Trigger.TriggerManual(ctx, tenantID, repositoryID, claims.Subject, req.Branch)
		if err != nil {
			return toError(err)
		}

		status := http.StatusOK
		if res.Created() {
			status = http.StatusCreated
		}
		return web.JSON{
			Status: status,
			Value: map[string]string{
				"message": res.Message,
				"scan_id": res.ScanID.String(),
			},
		}
	}
}

// stream hands the connection to the hub once the caller is known to own
// the scan.
func stream(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		tenantID, scanID, apiErr := scope(ctx, r)
		if apiErr != nil {
			return apiErr
		}

		if _, err := cfg.Scans.GetScan(ctx, tenantID, scanID); err != nil {
			return toError(err)
		}

		if err := cfg.Hub.Serve(ctx, web.GetWriter(ctx), r, scanID); err != nil {
			cfg.Log.Debug(ctx, "progress stream ended", "scan_id", scanID.String(), "err", err)
		}
		return web.NoResponse{}
	}
}

// scope returns the caller's tenant and the id path parameter.
func scope(ctx context.Context, r *http.Request) (uuid.UUID, uuid.UUID, *errs.Error) {
	claims, ok := mid.GetClaims(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, errs.Newf(errs.Unauthenticated, "authentication required")
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return uuid.Nil, uuid.Nil, errs.Newf(errs.PermissionDenied, "invalid tenant")
	}
	id, err := uuid.Parse(web.Param(r, "id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, errs.Newf(errs.InvalidArgument, "invalid id")
	}
	return tenantID, id, nil
}

func toError(err error) *errs.Error {
	switch {
	case errors.Is(err, scanning.ErrScanNotFound), errors.Is(err, scanning.ErrRepositoryNotFound):
		return errs.New(errs.NotFound, err)
	case errors.Is(err, trigger.ErrRepositoryInactive):
		return errs.New(errs.Conflict, err)
	default:
		return errs.New(errs.Internal, err)
	}
}
