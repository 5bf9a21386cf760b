// Package webhook binds the push notification receiver.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-github/v68/github"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/app/trigger"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

// maxPayloadBytes is the largest body GitHub delivers.
const maxPayloadBytes = 25 << 20

// Pusher runs a push through the trigger rules.
type Pusher interface {
	HandlePush(ctx context.Context, push trigger.Push) (trigger.Result, error)
}

// Config contains the dependencies needed by the webhook handler.
type Config struct {
	Log  *logger.Logger
	Gate Pusher
	Path string

	// Limiter bounds the delivery rate; nil disables limiting.
	Limiter *rate.Limiter
}

// Routes binds the webhook endpoint.
func Routes(app *web.App, cfg Config) {
	var mw []web.MidFunc
	if cfg.Limiter != nil {
		mw = append(mw, mid.RateLimit(cfg.Limiter))
	}
	app.HandlerFunc(http.MethodPost, "", cfg.Path, receive(cfg), mw...)
}

// response is the body of every accepted delivery.
type response struct {
	Message string `json:"message"`
	ScanID  string `json:"scan_id,omitempty"`
	Commit  string `json:"commit,omitempty"`
	status  int
}

// Encode implements the web.Encoder interface.
func (r response) Encode() ([]byte, string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the web package httpStatus interface.
func (r response) HTTPStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func receive(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		event := github.WebHookType(r)
		switch event {
		case "ping":
			return response{Message: "pong"}
		case "push":
		default:
			return response{Message: fmt.Sprintf("event %q ignored", event)}
		}

		body, err := io.ReadAll(http.MaxBytesReader(web.GetWriter(ctx), r.Body, maxPayloadBytes))
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "unable to read payload: %s", err)
		}

		var push github.PushEvent
		if err := json.Unmarshal(body, &push); err != nil {
			return errs.Newf(errs.InvalidArgument, "malformed push payload")
		}

		res, err := cfg.Gate.HandlePush(ctx, trigger.Push{
			Body:          body,
			Signature:     r.Header.Get(github.SHA256SignatureHeader),
			RepositoryURL: push.GetRepo().GetHTMLURL(),
			After:         push.GetAfter(),
			Ref:           push.GetRef(),
		})
		switch {
		case errors.Is(err, trigger.ErrMissingSignature), errors.Is(err, trigger.ErrMissingSecret):
			return errs.New(errs.InvalidArgument, err)
		case errors.Is(err, trigger.ErrInvalidSignature):
			return errs.New(errs.PermissionDenied, err)
		case err != nil:
			return errs.New(errs.Internal, err)
		}

		resp := response{Message: res.Message}
		if res.ScanID != uuid.Nil {
			resp.ScanID = res.ScanID.String()
		}
		if res.Created() {
			resp.status = http.StatusCreated
			resp.Commit = res.Commit
		}
		return resp
	}
}
