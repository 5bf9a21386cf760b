// Package internalapi binds the routes workers use to read repositories and
// report scan status and findings.
package internalapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/reporting"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Reporter is the application side of the internal API.
type Reporter interface {
	GetRepository(ctx context.Context, id uuid.UUID) (*scanning.Repository, error)
	UpdateStatus(ctx context.Context, scanID uuid.UUID, upd scanning.StatusUpdate) error
	SubmitFindings(ctx context.Context, scanID uuid.UUID, sub scanning.FindingsSubmission) error
}

// Config contains the dependencies needed by the internal handlers.
type Config struct {
	Log      *logger.Logger
	Reporter Reporter
	Token    string
}

const group = "internal"

// Routes binds the internal endpoints behind the shared token.
func Routes(app *web.App, cfg Config) {
	auth := mid.InternalToken(reporting.HeaderInternalToken, cfg.Token)

	app.HandlerFunc(http.MethodGet, group, "/repositories/{id}/", repository(cfg), auth)
	app.HandlerFunc(http.MethodPost, group, "/scans/{id}/status/", status(cfg), auth)
	app.HandlerFunc(http.MethodPost, group, "/scans/{id}/findings/", findings(cfg), auth)
}

func repository(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, err := uuid.Parse(web.Param(r, "id"))
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "invalid repository id")
		}

		repo, err := cfg.Reporter.GetRepository(ctx, id)
		if err != nil {
			return toError(err)
		}

		return web.JSON{Value: reporting.NewRepositoryPayload(repo)}
	}
}

func status(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		scanID, err := uuid.Parse(web.Param(r, "id"))
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "invalid scan id")
		}

		var p reporting.StatusPayload
		if err := web.Decode(r, &p); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if err := errs.Check(p); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		upd, err := p.StatusUpdate()
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.Reporter.UpdateStatus(ctx, scanID, upd); err != nil {
			return toError(err)
		}

		return web.JSON{Value: map[string]string{"status": "updated"}}
	}
}

func findings(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		scanID, err := uuid.Parse(web.Param(r, "id"))
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "invalid scan id")
		}

		var p reporting.FindingsPayload
		if err := web.Decode(r, &p); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}
		if err := errs.Check(p); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		sub, err := p.Submission(scanID, time.Now().UTC())
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		if err := cfg.Reporter.SubmitFindings(ctx, scanID, sub); err != nil {
			return toError(err)
		}

		return web.JSON{
			Status: http.StatusCreated,
			Value:  map[string]int{"created": len(sub.Findings)},
		}
	}
}

func toError(err error) *errs.Error {
	switch {
	case errors.Is(err, scanning.ErrScanNotFound), errors.Is(err, scanning.ErrRepositoryNotFound):
		return errs.New(errs.NotFound, err)
	case errors.Is(err, scanning.ErrInvalidTransition):
		return errs.New(errs.Conflict, err)
	default:
		return errs.New(errs.Internal, err)
	}
}
