package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

type statusErr struct{ code int }

func (e statusErr) Error() string                   { return "boom" }
func (e statusErr) Encode() ([]byte, string, error) { return []byte(`{"error":"boom"}`), "application/json", nil }
func (e statusErr) HTTPStatus() int                 { return e.code }

func newTestApp(mw ...MidFunc) *App {
	return NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider(), mw...)
}

func TestApp_RoutesParamsAndStatus(t *testing.T) {
	t.Parallel()
	app := newTestApp()
	app.HandlerFunc(http.MethodGet, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) Encoder {
		return JSON{Status: http.StatusCreated, Value: map[string]string{"id": Param(r, "id")}}
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"42"}`, rec.Body.String())
}

func TestApp_MiddlewareOrder(t *testing.T) {
	t.Parallel()
	var order []string
	mark := func(name string) MidFunc {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, r *http.Request) Encoder {
				order = append(order, name)
				return next(ctx, r)
			}
		}
	}

	app := newTestApp(mark("app"))
	app.HandlerFunc(http.MethodGet, "", "/x", func(ctx context.Context, r *http.Request) Encoder {
		order = append(order, "handler")
		return nil
	}, mark("route"))

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"app", "route", "handler"}, order)
}

func TestRespond_ErrorStatus(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	err := Respond(context.Background(), rec, statusErr{code: http.StatusConflict})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestRespond_NoResponseLeavesWriterAlone(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusSwitchingProtocols)
	assert.NoError(t, Respond(context.Background(), rec, NoResponse{}))
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}

func TestDecode(t *testing.T) {
	t.Parallel()
	var v struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"api"}`))
	assert.NoError(t, Decode(r, &v))
	assert.Equal(t, "api", v.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	err := Decode(r, &v)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
