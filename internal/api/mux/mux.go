// Package mux provides support to bind domain level routes to the
// application mux.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/app/progress"
	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/trigger"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	corsOrigin []string
}

// WithCORS provides configuration options for CORS.
func WithCORS(origins []string) func(opts *Options) {
	return func(opts *Options) {
		opts.corsOrigin = origins
	}
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build          string
	Log            *logger.Logger
	Tracer         trace.Tracer
	TracerProvider trace.TracerProvider
	Metrics        *mid.HTTPMetrics
	DB             Pinger
	Gate           *trigger.Gate
	Scans          *scans.Service
	Hub            *progress.Hub

	WebhookPath  string
	WebhookRate  float64
	WebhookBurst int

	// InternalToken authenticates workers on the /internal routes.
	InternalToken string

	// JWTSecret verifies bearer tokens on the /v1 scan routes.
	JWTSecret string
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) http.Handler {
	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	mw := []web.MidFunc{
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Panics(),
	}
	if cfg.Metrics != nil {
		mw = append([]web.MidFunc{mid.Metrics(cfg.Metrics)}, mw...)
	}

	app := web.NewApp(logger, cfg.TracerProvider, mw...)

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	if len(opts.corsOrigin) > 0 {
		app.EnableCORS(opts.corsOrigin)
	}

	routeAdder.Add(app, cfg)

	return app
}
