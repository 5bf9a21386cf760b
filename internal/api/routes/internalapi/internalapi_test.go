package internalapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/reporting"
	"github.com/ahrav/scan-armada/internal/infra/storage/memory"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

const token = "internal-secret"

type discard struct{}

func (discard) Broadcast(context.Context, scanning.ProgressEvent) {}

type fixture struct {
	server *httptest.Server
	client *reporting.Client
	store  *memory.Store
	repo   *scanning.Repository
	scan   *scanning.Scan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	store := memory.NewStore()
	repo := &scanning.Repository{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Name:          "acme/api",
		URL:           "https://github.com/acme/api",
		DefaultBranch: "main",
		AccessToken:   "ghp_token",
		IsActive:      true,
	}
	require.NoError(t, store.UpsertRepository(ctx, repo))
	scan := scanning.NewScan(repo.ID, "main", nil)
	require.NoError(t, store.CreateScan(ctx, scan))

	app := web.NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider(), mid.Errors(log))
	Routes(app, Config{
		Log:      log,
		Reporter: scans.NewService(store, store, store, discard{}, log, tracer),
		Token:    token,
	})
	server := httptest.NewServer(app)
	t.Cleanup(server.Close)

	client, err := reporting.NewClient(reporting.Config{BaseURL: server.URL, Token: token, MaxAttempts: 1}, log, tracer)
	require.NoError(t, err)

	return &fixture{server: server, client: client, store: store, repo: repo, scan: scan}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.scan.ScanID()

	repo, err := f.client.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "ghp_token", repo.AccessToken)
	assert.Equal(t, "main", repo.DefaultBranch)

	running := scanning.StatusRunning
	require.NoError(t, f.client.UpdateStatus(ctx, id, scanning.StatusUpdate{Status: &running, Progress: scanning.Percent(0)}))

	line := 12
	require.NoError(t, f.client.SubmitFindings(ctx, id, scanning.FindingsSubmission{
		Findings: []scanning.Finding{{
			Tool:       scanning.ToolBandit,
			RuleID:     "B105",
			Title:      "hardcoded password",
			Severity:   scanning.SeverityHigh,
			FilePath:   "app/settings.py",
			LineNumber: &line,
		}},
		CommitHash:       "abcdef0123456789",
		UpdateRepoCommit: true,
	}))

	completed := scanning.StatusCompleted
	require.NoError(t, f.client.UpdateStatus(ctx, id, scanning.StatusUpdate{Status: &completed, Progress: scanning.Percent(100)}))

	got, err := f.store.GetScan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scanning.StatusCompleted, got.Status())
	assert.Equal(t, "abcdef0123456789", got.CommitHash())

	stored, err := f.store.ListByScan(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "B105", stored[0].RuleID)

	repo, err = f.store.GetRepository(ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789", repo.LastScannedCommit)

	err = f.client.UpdateStatus(ctx, id, scanning.StatusUpdate{Status: &running})
	assert.ErrorIs(t, err, scanning.ErrInvalidTransition, "terminal scans reject further transitions")
}

func TestRoutesRejectRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.scan.ScanID().String()

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       string
		wantStatus int
	}{
		{name: "missing token", method: http.MethodGet, path: "/internal/repositories/" + f.repo.ID.String() + "/", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", method: http.MethodGet, path: "/internal/repositories/" + f.repo.ID.String() + "/", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown repository", method: http.MethodGet, path: "/internal/repositories/" + uuid.NewString() + "/", token: token, wantStatus: http.StatusNotFound},
		{name: "malformed id", method: http.MethodGet, path: "/internal/repositories/abc/", token: token, wantStatus: http.StatusBadRequest},
		{name: "unknown status", method: http.MethodPost, path: "/internal/scans/" + id + "/status/", token: token, body: `{"status":"paused"}`, wantStatus: http.StatusBadRequest},
		{name: "progress out of range", method: http.MethodPost, path: "/internal/scans/" + id + "/status/", token: token, body: `{"progress":101}`, wantStatus: http.StatusBadRequest},
		{name: "unknown scan", method: http.MethodPost, path: "/internal/scans/" + uuid.NewString() + "/status/", token: token, body: `{"status":"running"}`, wantStatus: http.StatusNotFound},
		{name: "invalid severity", method: http.MethodPost, path: "/internal/scans/" + id + "/findings/", token: token,
			body: `{"findings":[{"tool":"semgrep","rule_id":"r","title":"t","severity":"urgent"}]}`, wantStatus: http.StatusBadRequest},
		{name: "skipping running", method: http.MethodPost, path: "/internal/scans/" + id + "/status/", token: token, body: `{"status":"completed"}`, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.server.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			if tt.token != "" {
				req.Header.Set(reporting.HeaderInternalToken, tt.token)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
