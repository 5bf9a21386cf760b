package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/api/mux"
	"github.com/ahrav/scan-armada/internal/app/progress"
	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/trigger"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage/memory"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, scanning.ScanJob) error { return nil }

func TestWebAPIBindsEveryGroup(t *testing.T) {
	t.Parallel()

	log := logger.Noop()
	tp := noop.NewTracerProvider()
	tracer := tp.Tracer("test")
	store := memory.NewStore()
	hub := progress.NewHub(log)

	h := mux.WebAPI(mux.Config{
		Build:          "test",
		Log:            log,
		Tracer:         tracer,
		TracerProvider: tp,
		DB:             store,
		Gate:           trigger.NewGate(store, store, nopDispatcher{}, log, tracer),
		Scans:          scans.NewService(store, store, store, hub, log, tracer),
		Hub:            hub,
		WebhookPath:    "/webhooks/github",
		InternalToken:  "internal",
		JWTSecret:      "secret",
	}, Routes())

	tests := []struct {
		method     string
		path       string
		event      string
		wantStatus int
	}{
		{method: http.MethodGet, path: "/v1/liveness", wantStatus: http.StatusOK},
		{method: http.MethodGet, path: "/v1/readiness", wantStatus: http.StatusOK},
		{method: http.MethodPost, path: "/webhooks/github", event: "ping", wantStatus: http.StatusOK},
		{method: http.MethodGet, path: "/internal/repositories/x/", wantStatus: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/v1/scans/x", wantStatus: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/v1/nothing", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
		if tt.event != "" {
			r.Header.Set("X-GitHub-Event", tt.event)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, tt.wantStatus, rec.Code, tt.path)
	}
}
