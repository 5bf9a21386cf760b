package mid

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/pkg/web"
)

// RateLimit rejects requests beyond the limiter's budget with 429.
func RateLimit(limiter *rate.Limiter) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			if !limiter.Allow() {
				return errs.Newf(errs.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, r)
		}

		return h
	}

	return m
}
