package mid

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/pkg/web"
)

// Panics recovers from panics and converts the panic to an error so it is
// reported in Metrics and handled in Errors.
func Panics() web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) (resp web.Encoder) {
			defer func() {
				if rec := recover(); rec != nil {
					trace := debug.Stack()
					resp = errs.New(errs.Internal, fmt.Errorf("PANIC [%v] TRACE[%s]", rec, string(trace)))
				}
			}()

			return next(ctx, r)
		}

		return h
	}

	return m
}
