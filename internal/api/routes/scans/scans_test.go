package scans

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/api/mid"
	"github.com/ahrav/scan-armada/internal/app/progress"
	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/trigger"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage/memory"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

const secret = "jwt-secret"

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []scanning.ScanJob
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job scanning.ScanJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

type fixture struct {
	server     *httptest.Server
	store      *memory.Store
	svc        *scans.Service
	hub        *progress.Hub
	dispatcher *recordingDispatcher
	repo       *scanning.Repository
	scan       *scanning.Scan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	store := memory.NewStore()
	repo := &scanning.Repository{ID: uuid.New(), TenantID: uuid.New(), DefaultBranch: "main", IsActive: true}
	require.NoError(t, store.UpsertRepository(ctx, repo))

	hub := progress.NewHub(log)
	svc := scans.NewService(store, store, store, hub, log, tracer)
	dispatcher := new(recordingDispatcher)
	gate := trigger.NewGate(store, store, dispatcher, log, tracer)

	app := web.NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider(), mid.Errors(log))
	Routes(app, Config{Log: log, Scans: svc, Trigger: gate, Hub: hub, JWTSecret: secret})
	server := httptest.NewServer(app)
	t.Cleanup(server.Close)

	return &fixture{server: server, store: store, svc: svc, hub: hub, dispatcher: dispatcher, repo: repo}
}

func (f *fixture) seedScan(t *testing.T) *scanning.Scan {
	t.Helper()
	scan := scanning.NewScan(f.repo.ID, "main", nil)
	require.NoError(t, f.store.CreateScan(context.Background(), scan))
	f.scan = scan
	return scan
}

func token(t *testing.T, tenantID uuid.UUID) string {
	t.Helper()
	claims := mid.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenantID.String(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path string, tenantID uuid.UUID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, tenantID))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetScanIsTenantScoped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	scan := f.seedScan(t)

	resp := f.do(t, http.MethodGet, "/v1/scans/"+scan.ScanID().String(), f.repo.TenantID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, "main", got["branch"])
	assert.Nil(t, got["started_at"])

	resp = f.do(t, http.MethodGet, "/v1/scans/"+scan.ScanID().String(), uuid.New(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other tenants cannot see the scan")

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/scans/"+scan.ScanID().String(), nil)
	require.NoError(t, err)
	unauth, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer unauth.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unauth.StatusCode)
}

func TestListFindings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scan := f.seedScan(t)

	require.NoError(t, f.store.BulkInsert(ctx, scan.ScanID(), []scanning.Finding{
		{ID: uuid.New(), ScanID: scan.ScanID(), Tool: scanning.ToolSemgrep, RuleID: "r1", Severity: scanning.SeverityMedium},
		{ID: uuid.New(), ScanID: scan.ScanID(), Tool: scanning.ToolGitleaks, RuleID: "aws", Severity: scanning.SeverityCritical},
	}))

	resp := f.do(t, http.MethodGet, "/v1/scans/"+scan.ScanID().String()+"/findings", f.repo.TenantID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got findingsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, "critical", got.Findings[0].Severity)
}

func TestTriggerManualScan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	path := "/v1/repositories/" + f.repo.ID.String() + "/scans"

	resp := f.do(t, http.MethodPost, path, f.repo.TenantID, `{"branch":"feature/x"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	require.Len(t, f.dispatcher.jobs, 1)
	assert.Equal(t, created["scan_id"], f.dispatcher.jobs[0].ScanID.String())

	scanID, err := uuid.Parse(created["scan_id"])
	require.NoError(t, err)
	scan, err := f.store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	assert.Equal(t, "feature/x", scan.Branch())
	require.NotNil(t, scan.TriggeredBy())
	assert.Equal(t, "alice", *scan.TriggeredBy())

	resp = f.do(t, http.MethodPost, path, f.repo.TenantID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "in-flight scan is reused")
	assert.Len(t, f.dispatcher.jobs, 1)

	resp = f.do(t, http.MethodPost, path, uuid.New(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversProgressUntilTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scan := f.seedScan(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/scans/" + scan.ScanID().String() +
		"/stream?access_token=" + token(t, f.repo.TenantID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Subscribers(scan.ScanID()) == 1 }, time.Second, 10*time.Millisecond)

	running := scanning.StatusRunning
	require.NoError(t, f.svc.UpdateStatus(ctx, scan.ScanID(), scanning.StatusUpdate{Status: &running, Progress: scanning.Percent(0)}))
	completed := scanning.StatusCompleted
	require.NoError(t, f.svc.UpdateStatus(ctx, scan.ScanID(), scanning.StatusUpdate{Status: &completed, Progress: scanning.Percent(100)}))

	var first, last scanning.ProgressEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, scanning.StatusRunning, first.Status)
	assert.Equal(t, scanning.StatusCompleted, last.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStreamRejectsOtherTenants(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	scan := f.seedScan(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/scans/" + scan.ScanID().String() +
		"/stream?access_token=" + token(t, uuid.New())
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
