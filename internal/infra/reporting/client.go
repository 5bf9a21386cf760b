// Package reporting is the worker side of the internal API: it fetches
// repository descriptors and reports scan status and findings back to the
// owning system.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds every individual request.
	Timeout time.Duration
	// MaxAttempts bounds tries of a request failing with a transport error
	// or a 5xx response.
	MaxAttempts int
	// ProgressRate limits progress-only updates per second; status changes
	// are never limited.
	ProgressRate  rate.Limit
	ProgressBurst int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxAttempts:   3,
		ProgressRate:  2,
		ProgressBurst: 5,
	}
}

// ErrUnauthorized means the internal token was rejected.
var ErrUnauthorized = errors.New("internal api rejected token")

// Client talks to the internal API.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	initWait time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a Client.
func NewClient(cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("reporting base url is required")
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProgressRate <= 0 {
		cfg.ProgressRate = def.ProgressRate
	}
	if cfg.ProgressBurst <= 0 {
		cfg.ProgressBurst = def.ProgressBurst
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter:  rate.NewLimiter(cfg.ProgressRate, cfg.ProgressBurst),
		initWait: 500 * time.Millisecond,
		logger:   log.With("component", "reporting_client"),
		tracer:   tracer,
	}, nil
}

// GetRepository fetches the repository descriptor, including its access
// credential.
func (c *Client) GetRepository(ctx context.Context, id uuid.UUID) (*scanning.Repository, error) {
	ctx, span := c.tracer.Start(ctx, "reporting.get_repository",
		trace.WithAttributes(attribute.String("repository_id", id.String())))
	defer span.End()

	var payload RepositoryPayload
	err := c.do(ctx, http.MethodGet, "/internal/repositories/"+id.String()+"/", nil, &payload)
	if err != nil {
		if errors.Is(err, errNotFound) {
			err = fmt.Errorf("repository %s: %w", id, scanning.ErrRepositoryNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "get repository failed")
		return nil, err
	}
	return payload.Repository(), nil
}

// UpdateStatus sends a partial status update. Updates that only carry
// progress are rate limited and silently skipped when over the limit.
// A rejected transition is reported as scanning.ErrInvalidTransition.
func (c *Client) UpdateStatus(ctx context.Context, scanID uuid.UUID, u scanning.StatusUpdate) error {
	progressOnly := u.Status == nil && u.ErrorMessage == nil && u.CommitHash == nil
	if progressOnly && !c.limiter.Allow() {
		c.logger.Debug(ctx, "progress update skipped by rate limit", "scan_id", scanID.String())
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "reporting.update_status",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()
	if u.Status != nil {
		span.SetAttributes(attribute.String("status", u.Status.String()))
	}

	err := c.do(ctx, http.MethodPost, "/internal/scans/"+scanID.String()+"/status/", NewStatusPayload(u), nil)
	if err != nil {
		switch {
		case errors.Is(err, errNotFound):
			err = fmt.Errorf("scan %s: %w", scanID, scanning.ErrScanNotFound)
		case errors.Is(err, errConflict):
			err = fmt.Errorf("scan %s: %w", scanID, scanning.ErrInvalidTransition)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "update status failed")
		return err
	}
	return nil
}

// SubmitFindings uploads the normalized findings of a run in one request.
func (c *Client) SubmitFindings(ctx context.Context, scanID uuid.UUID, sub scanning.FindingsSubmission) error {
	ctx, span := c.tracer.Start(ctx, "reporting.submit_findings",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.Int("findings", len(sub.Findings)),
		))
	defer span.End()

	err := c.do(ctx, http.MethodPost, "/internal/scans/"+scanID.String()+"/findings/", NewFindingsPayload(sub), nil)
	if err != nil {
		if errors.Is(err, errNotFound) {
			err = fmt.Errorf("scan %s: %w", scanID, scanning.ErrScanNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit findings failed")
		return err
	}
	return nil
}

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("conflict")
)

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("internal api returned %d: %s", e.code, e.body)
}

func (e *statusError) Is(target error) bool {
	switch target {
	case errNotFound:
		return e.code == http.StatusNotFound
	case errConflict:
		return e.code == http.StatusConflict
	case ErrUnauthorized:
		return e.code == http.StatusUnauthorized || e.code == http.StatusForbidden
	}
	return false
}

func (e *statusError) retryable() bool { return e.code >= 500 }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initWait
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.once(ctx, method, path, encoded, out)
		if err == nil {
			return nil
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Warn(ctx, "internal api request failed", "method", method, "path", path, "attempt", attempt, "error", err)
		return err
	}, policy)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(HeaderInternalToken, c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
