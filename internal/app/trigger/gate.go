// Package trigger decides whether a push notification or a manual request
// warrants a new scan and, when it does, creates and dispatches it.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var (
	// ErrMissingSignature is returned when a push carries no signature header.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrMissingSecret is returned when the matched repository has no
	// webhook secret to verify against.
	ErrMissingSecret = errors.New("repository has no webhook secret")

	// ErrInvalidSignature is returned when the signature does not match the
	// body.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrRepositoryInactive is returned by manual triggers on a disabled
	// repository.
	ErrRepositoryInactive = errors.New("repository is not active")
)

const signaturePrefix = "sha256="

// Dispatcher hands a queued scan to an execution backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, job scanning.ScanJob) error
}

// Decision names the branch of the gate a trigger ended in.
type Decision string

const (
	DecisionCreated        Decision = "created"
	DecisionNotTracked     Decision = "not_tracked"
	DecisionAlreadyScanned Decision = "already_scanned"
	DecisionBranchDeleted  Decision = "branch_deleted"
	DecisionInFlight       Decision = "in_flight"
)

// Push is a signed push notification. Body is the raw request body the
// signature was computed over.
type Push struct {
	Body          []byte
	Signature     string
	RepositoryURL string
	After         string
	Ref           string
}

// Branch returns the branch name of a refs/heads/ ref, or "" for anything
// else so the repository default applies.
func (p Push) Branch() string {
	if b, ok := strings.CutPrefix(p.Ref, "refs/heads/"); ok {
		return b
	}
	return ""
}

// Result is the outcome of a trigger that was not rejected.
type Result struct {
	Decision Decision
	ScanID   uuid.UUID
	Commit   string
	Message  string
}

// Created reports whether a new scan was queued.
func (r Result) Created() bool { return r.Decision == DecisionCreated }

// Gate applies the trigger rules in a fixed order.
type Gate struct {
	repos      scanning.RepositoryStore
	scans      scanning.ScanRepository
	dispatcher Dispatcher

	maxRetries int
	metrics    *Metrics

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxRetries sets the retry budget stamped on dispatched jobs.
func WithMaxRetries(n int) Option { return func(g *Gate) { g.maxRetries = n } }

// WithMetrics records gate decisions.
func WithMetrics(m *Metrics) Option { return func(g *Gate) { g.metrics = m } }

// NewGate creates a Gate.
func NewGate(
	repos scanning.RepositoryStore,
	scans scanning.ScanRepository,
	dispatcher Dispatcher,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Gate {
	g := &Gate{
		repos:      repos,
		scans:      scans,
		dispatcher: dispatcher,
		maxRetries: scanning.DefaultMaxRetries,
		logger:     log.With("component", "trigger_gate"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandlePush runs a push notification through the gate. Rejections are
// returned as errors (ErrMissingSignature, ErrMissingSecret,
// ErrInvalidSignature); every other non-error outcome is described by the
// Result.
func (g *Gate) HandlePush(ctx context.Context, push Push) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "trigger_gate.handle_push",
		trace.WithAttributes(
			attribute.String("repository_url", push.RepositoryURL),
			attribute.String("ref", push.Ref),
			attribute.String("commit", push.After),
		))
	defer span.End()

	res, err := g.handlePush(ctx, push)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.rejected(ctx, err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("decision", string(res.Decision)))
	g.metrics.decided(ctx, res.Decision)
	return res, nil
}

func (g *Gate) handlePush(ctx context.Context, push Push) (Result, error) {
	if push.Signature == "" {
		return Result{}, ErrMissingSignature
	}

	repo, err := g.repos.FindWebhookRepository(ctx, push.RepositoryURL)
	if errors.Is(err, scanning.ErrRepositoryNotFound) {
		g.logger.Info(ctx, "push for untracked repository", "repository_url", push.RepositoryURL)
		return Result{Decision: DecisionNotTracked, Message: "repository not tracked"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("looking up repository: %w", err)
	}

	if repo.WebhookSecret == "" {
		return Result{}, ErrMissingSecret
	}
	if err := verifySignature(push.Signature, push.Body, repo.WebhookSecret); err != nil {
		g.logger.Warn(ctx, "webhook signature rejected", "repository_id", repo.ID.String())
		return Result{}, err
	}

	if scanning.IsZeroCommit(push.After) {
		return Result{Decision: DecisionBranchDeleted, Message: "branch deleted"}, nil
	}
	if push.After != "" && push.After == repo.LastScannedCommit {
		return Result{
			Decision: DecisionAlreadyScanned,
			Commit:   scanning.ShortHash(push.After),
			Message:  "commit already scanned",
		}, nil
	}

	res, err := g.createScan(ctx, repo, push.Branch(), nil)
	if err != nil {
		return Result{}, err
	}
	if res.Created() {
		res.Commit = scanning.ShortHash(push.After)
	}
	return res, nil
}

// TriggerManual queues a scan on behalf of actor. Repositories outside
// tenantID are reported as not found. An empty branch scans the default
// branch.
func (g *Gate) TriggerManual(
	ctx context.Context,
	tenantID, repositoryID uuid.UUID,
	actor, branch string,
) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "trigger_gate.trigger_manual",
		trace.WithAttributes(
			attribute.String("repository_id", repositoryID.String()),
			attribute.String("actor", actor),
		))
	defer span.End()

	repo, err := g.repos.GetRepository(ctx, repositoryID)
	if err == nil && repo.TenantID != tenantID {
		err = scanning.ErrRepositoryNotFound
	}
	if err == nil && !repo.IsActive {
		err = ErrRepositoryInactive
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	res, err := g.createScan(ctx, repo, branch, &actor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.String("decision", string(res.Decision)))
	g.metrics.decided(ctx, res.Decision)
	return res, nil
}

// createScan enforces one in-flight scan per repository. The store's
// uniqueness guard closes the window between the lookup and the insert.
func (g *Gate) createScan(
	ctx context.Context,
	repo *scanning.Repository,
	branch string,
	actor *string,
) (Result, error) {
	if existing, ok, err := g.inFlight(ctx, repo.ID); err != nil || ok {
		return existing, err
	}

	if branch == "" {
		branch = repo.DefaultBranch
	}
	scan := scanning.NewScan(repo.ID, branch, actor)
	if err := g.scans.CreateScan(ctx, scan); err != nil {
		if errors.Is(err, scanning.ErrScanInFlight) {
			if existing, ok, err := g.inFlight(ctx, repo.ID); err != nil || ok {
				return existing, err
			}
		}
		return Result{}, fmt.Errorf("creating scan: %w", err)
	}

	job := scanning.NewScanJob(scan, g.maxRetries)
	if err := g.dispatcher.Dispatch(ctx, job); err != nil {
		g.abandon(ctx, scan, err)
		return Result{}, fmt.Errorf("dispatching scan: %w", err)
	}

	g.logger.Info(ctx, "scan queued",
		"scan_id", scan.ScanID().String(),
		"repository_id", repo.ID.String(),
		"branch", branch,
		"automated", scan.IsAutomated(),
	)
	return Result{Decision: DecisionCreated, ScanID: scan.ScanID(), Message: "scan triggered"}, nil
}

func (g *Gate) inFlight(ctx context.Context, repositoryID uuid.UUID) (Result, bool, error) {
	existing, err := g.scans.FindInFlight(ctx, repositoryID)
	switch {
	case errors.Is(err, scanning.ErrScanNotFound):
		return Result{}, false, nil
	case err != nil:
		return Result{}, false, fmt.Errorf("checking in-flight scans: %w", err)
	}
	return Result{
		Decision: DecisionInFlight,
		ScanID:   existing.ScanID(),
		Message:  "scan already in progress",
	}, true, nil
}

// abandon fails a scan that never reached a backend so it does not hold the
// in-flight slot.
func (g *Gate) abandon(ctx context.Context, scan *scanning.Scan, cause error) {
	ctx = context.WithoutCancel(ctx)
	from := scan.Status()
	if err := scan.Fail(fmt.Sprintf("dispatch failed: %v", cause)); err != nil {
		g.logger.Error(ctx, "failing undispatched scan", "scan_id", scan.ScanID().String(), "error", err)
		return
	}
	if err := g.scans.UpdateScan(ctx, scan, from); err != nil {
		g.logger.Error(ctx, "persisting undispatched scan", "scan_id", scan.ScanID().String(), "error", err)
	}
}

func verifySignature(signature string, body []byte, secret string) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrInvalidSignature
	}
	if err := github.ValidateSignature(signature, body, []byte(secret)); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
