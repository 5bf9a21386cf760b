package mid

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/pkg/web"
)

// Otel names the server span after the matched route and starts a handler
// span beneath it.
func Otel(tracer trace.Tracer) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}

			trace.SpanFromContext(ctx).SetName(r.Method + " " + route)

			ctx, span := tracer.Start(ctx, "api.handler",
				trace.WithAttributes(
					attribute.String("http.route", route),
					attribute.String("http.method", r.Method),
				))
			defer span.End()

			return next(ctx, r)
		}

		return h
	}

	return m
}
