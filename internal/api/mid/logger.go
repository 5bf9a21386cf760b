package mid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/otel"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Logger writes information about the request to the logs.
func Logger(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			now := time.Now()

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = fmt.Sprintf("%s?%s", path, redactQuery(r))
			}

			log.Debug(ctx, "request started", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr,
				"trace_id", otel.GetTraceID(ctx))

			resp := next(ctx, r)

			status := http.StatusOK
			if s, ok := resp.(interface{ HTTPStatus() int }); ok {
				status = s.HTTPStatus()
			} else if resp == nil {
				status = http.StatusNoContent
			}

			log.Info(ctx, "request completed", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr,
				"statuscode", status, "since", time.Since(now).String(), "trace_id", otel.GetTraceID(ctx))

			return resp
		}

		return h
	}

	return m
}

// redactQuery hides credentials passed as query parameters.
func redactQuery(r *http.Request) string {
	q := r.URL.Query()
	if q.Has(accessTokenParam) {
		q.Set(accessTokenParam, "REDACTED")
	}
	return q.Encode()
}
