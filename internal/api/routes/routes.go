// Package routes binds every route group of the api service.
package routes

import (
	"golang.org/x/time/rate"

	"github.com/ahrav/scan-armada/internal/api/mux"
	"github.com/ahrav/scan-armada/internal/api/routes/health"
	"github.com/ahrav/scan-armada/internal/api/routes/internalapi"
	"github.com/ahrav/scan-armada/internal/api/routes/scans"
	"github.com/ahrav/scan-armada/internal/api/routes/webhook"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		DB:    cfg.DB,
	})

	var limiter *rate.Limiter
	if cfg.WebhookRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst)
	}
	webhook.Routes(app, webhook.Config{
		Log:     cfg.Log,
		Gate:    cfg.Gate,
		Path:    cfg.WebhookPath,
		Limiter: limiter,
	})

	internalapi.Routes(app, internalapi.Config{
		Log:      cfg.Log,
		Reporter: cfg.Scans,
		Token:    cfg.InternalToken,
	})

	scans.Routes(app, scans.Config{
		Log:       cfg.Log,
		Scans:     cfg.Scans,
		Trigger:   cfg.Gate,
		Hub:       cfg.Hub,
		JWTSecret: cfg.JWTSecret,
	})
}
