package mid

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Errors handles errors coming out of the call chain. Anything that is not
// already an errs.Error is logged and reported as an internal error so
// details do not leak to the client.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err, isError := resp.(error)
			if !isError {
				return resp
			}

			span := trace.SpanFromContext(ctx)
			span.RecordError(err)

			appErr := errs.GetError(err)
			if appErr == nil {
				log.Error(ctx, "handled error during request", "err", err, "path", r.URL.Path)
				span.SetStatus(codes.Error, err.Error())
				return errs.Newf(errs.Internal, "internal server error")
			}

			if appErr.Code == errs.Internal || appErr.Code == errs.Unavailable {
				log.Error(ctx, "handled error during request", "err", appErr.Unwrap(), "path", r.URL.Path)
				span.SetStatus(codes.Error, appErr.Message)
				return errs.Newf(appErr.Code, "%s", http.StatusText(appErr.HTTPStatus()))
			}

			log.Debug(ctx, "request rejected", "code", appErr.Code.String(), "err", appErr.Message, "path", r.URL.Path)
			return appErr
		}

		return h
	}

	return m
}
