package mid

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ahrav/scan-armada/internal/api/errs"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/web"
)

const testSecret = "test-secret"

func ok(context.Context, *http.Request) web.Encoder {
	return web.JSON{Value: map[string]string{"status": "ok"}}
}

func sign(t *testing.T, claims Claims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-1",
	}
}

func status(resp web.Encoder) int {
	if s, ok := resp.(interface{ HTTPStatus() int }); ok {
		return s.HTTPStatus()
	}
	return http.StatusOK
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noTenant := validClaims()
	noTenant.TenantID = ""

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{name: "missing token", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{name: "expired token", header: "Bearer " + sign(t, expired, jwt.SigningMethodHS256), wantStatus: http.StatusUnauthorized},
		{name: "missing tenant", header: "Bearer " + sign(t, noTenant, jwt.SigningMethodHS256), wantStatus: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + sign(t, validClaims(), jwt.SigningMethodHS512), wantStatus: http.StatusUnauthorized},
		{name: "valid header", header: "Bearer " + sign(t, validClaims(), jwt.SigningMethodHS256), wantStatus: http.StatusOK},
		{name: "valid query parameter", query: sign(t, validClaims(), jwt.SigningMethodHS256), wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/v1/scans/x", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.query != "" {
				r.URL.RawQuery = accessTokenParam + "=" + tt.query
			}

			var got Claims
			h := Authenticate(testSecret)(func(ctx context.Context, r *http.Request) web.Encoder {
				got, _ = GetClaims(ctx)
				return ok(ctx, r)
			})

			resp := h(context.Background(), r)
			assert.Equal(t, tt.wantStatus, status(resp))
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "tenant-1", got.TenantID)
				assert.Equal(t, "user-1", got.Subject)
			}
		})
	}
}

func TestInternalToken(t *testing.T) {
	t.Parallel()

	h := InternalToken("X-Internal-Token", "s3cret")(ok)

	r := httptest.NewRequest(http.MethodGet, "/internal/repositories/x/", nil)
	assert.Equal(t, http.StatusUnauthorized, status(h(context.Background(), r)))

	r.Header.Set("X-Internal-Token", "s3cret")
	assert.Equal(t, http.StatusOK, status(h(context.Background(), r)))

	empty := InternalToken("X-Internal-Token", "")(ok)
	r.Header.Set("X-Internal-Token", "")
	assert.Equal(t, http.StatusUnauthorized, status(empty(context.Background(), r)), "unset token never matches")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	h := RateLimit(rate.NewLimiter(0, 1))(ok)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/github", nil)

	assert.Equal(t, http.StatusOK, status(h(context.Background(), r)))
	assert.Equal(t, http.StatusTooManyRequests, status(h(context.Background(), r)))
}

func TestErrorsHidesInternalDetails(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)

	plain := Errors(logger.Noop())(func(context.Context, *http.Request) web.Encoder {
		return errs.New(errs.Internal, errors.New("pq: connection refused"))
	})
	resp := plain(context.Background(), r)
	e := errs.GetError(resp.(error))
	require.NotNil(t, e)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatus())
	assert.NotContains(t, e.Message, "pq")

	notFound := Errors(logger.Noop())(func(context.Context, *http.Request) web.Encoder {
		return errs.Newf(errs.NotFound, "scan not found")
	})
	e = errs.GetError(notFound(context.Background(), r).(error))
	require.NotNil(t, e)
	assert.Equal(t, "scan not found", e.Message)
}

func TestPanicsRecovers(t *testing.T) {
	t.Parallel()

	h := Errors(logger.Noop())(Panics()(func(context.Context, *http.Request) web.Encoder {
		panic("boom")
	}))

	resp := h(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, status(resp))
}

func TestMetricsCountsRequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	h := Metrics(m)(func(context.Context, *http.Request) web.Encoder {
		return errs.Newf(errs.NotFound, "scan not found")
	})
	h(context.Background(), httptest.NewRequest(http.MethodGet, "/v1/scans/x", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
}
