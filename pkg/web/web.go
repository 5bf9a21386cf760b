// Package web is a small framework over chi: handlers return an Encoder
// instead of writing the response, and middleware wraps those handlers.
package web

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Encoder defines behavior that can encode a data model and provide the
// content type for that encoding.
type Encoder interface {
	Encode() (data []byte, contentType string, err error)
}

// HandlerFunc represents a function that handles a http request within our
// own little mini framework.
type HandlerFunc func(ctx context.Context, r *http.Request) Encoder

// Logger represents a function that will be called to add information to
// the logs.
type Logger func(ctx context.Context, msg string, args ...any)

// App is the entrypoint into our application and what configures our
// context object for each of our http handlers.
type App struct {
	log     Logger
	mux     *chi.Mux
	otmux   http.Handler
	mw      []MidFunc
	origins []string
}

// NewApp creates an App value that handles a set of routes for the
// application. Server spans are started with tp.
func NewApp(log Logger, tp trace.TracerProvider, mw ...MidFunc) *App {
	mux := chi.NewRouter()

	return &App{
		log:   log,
		mux:   mux,
		otmux: otelhttp.NewHandler(mux, "request", otelhttp.WithTracerProvider(tp)),
		mw:    mw,
	}
}

// ServeHTTP implements the http.Handler interface.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.otmux.ServeHTTP(w, r)
}

// EnableCORS enables CORS preflight requests to work in the middleware. It
// prevents the MethodNotAllowedHandler from being called.
func (a *App) EnableCORS(origins []string) {
	a.origins = origins

	handler := func(ctx context.Context, r *http.Request) Encoder {
		return NoResponse{}
	}
	handler = wrapMiddleware([]MidFunc{a.corsHandler}, handler)

	a.mux.Options("/*", a.adapt(handler))
}

func (a *App) corsHandler(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, r *http.Request) Encoder {
		w := GetWriter(ctx)

		origin := r.Header.Get("Origin")
		for _, allowed := range a.origins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		return next(ctx, r)
	}
}

// HandlerFunc sets a handler function for a given HTTP method and path
// pair to the application server mux.
func (a *App) HandlerFunc(method string, group string, path string, handlerFunc HandlerFunc, mw ...MidFunc) {
	handlerFunc = wrapMiddleware(mw, handlerFunc)
	handlerFunc = wrapMiddleware(a.mw, handlerFunc)

	if a.origins != nil {
		handlerFunc = wrapMiddleware([]MidFunc{a.corsHandler}, handlerFunc)
	}

	a.mux.Method(method, join(group, path), a.adapt(handlerFunc))
}

// RawHandlerFunc registers a plain http.HandlerFunc that bypasses the
// application middleware.
func (a *App) RawHandlerFunc(method string, group string, path string, rawHandlerFunc http.HandlerFunc) {
	a.mux.Method(method, join(group, path), rawHandlerFunc)
}

func (a *App) adapt(handlerFunc HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := setWriter(r.Context(), w)

		resp := handlerFunc(ctx, r)

		if err := Respond(ctx, w, resp); err != nil {
			a.log(ctx, "web-respond", "ERROR", err)
		}
	}
}

// Param returns the web call parameters from the request.
func Param(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

func join(group, p string) string {
	if group == "" {
		return p
	}
	full := path.Join("/", group, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(full, "/") {
		full += "/"
	}
	return full
}
