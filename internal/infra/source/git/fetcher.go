// Package git fetches repository sources into scan workspaces.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// tokenUsername is the user name hosting providers accept alongside an
// access token for HTTPS clones.
const tokenUsername = "x-access-token"

// ErrEmptyURL is returned when no repository URL is provided.
var ErrEmptyURL = errors.New("repository url cannot be empty")

type cloneFunc func(ctx context.Context, path string, isBare bool, o *git.CloneOptions) (*git.Repository, error)

// Fetcher performs shallow clones of a single branch.
type Fetcher struct {
	logger  *logger.Logger
	tracer  trace.Tracer
	timeout time.Duration
	clone   cloneFunc
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout bounds a single clone.
func WithTimeout(d time.Duration) Option { return func(f *Fetcher) { f.timeout = d } }

// NewFetcher creates a Fetcher backed by go-git.
func NewFetcher(log *logger.Logger, tracer trace.Tracer, opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:  log.With("component", "source_fetcher"),
		tracer:  tracer,
		timeout: 5 * time.Minute,
		clone:   git.PlainCloneContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch clones repoURL at branch (the remote default branch when empty) with
// depth 1 into dest and describes the checked out commit. A non-empty
// credential is sent as HTTP basic auth; it is never part of the URL and
// never logged. Errors are returned as is; retrying is the caller's concern.
func (f *Fetcher) Fetch(
	ctx context.Context,
	repoURL, dest, branch, credential string,
) (scanning.CommitInfo, error) {
	safeURL := redactURL(repoURL)
	ctx, span := f.tracer.Start(ctx, "source_fetcher.fetch",
		trace.WithAttributes(
			attribute.String("repository.url", safeURL),
			attribute.String("repository.branch", branch),
			attribute.Bool("repository.authenticated", credential != ""),
		))
	defer span.End()

	opts, err := cloneOptions(repoURL, branch, credential)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid clone options")
		return scanning.CommitInfo{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	f.logger.Info(ctx, "cloning repository", "url", safeURL, "branch", branch)

	repo, err := f.clone(ctx, dest, false, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clone failed")
		return scanning.CommitInfo{}, fmt.Errorf("failed to clone %s: %w", safeURL, err)
	}
	span.AddEvent("clone_completed", trace.WithAttributes(
		attribute.String("duration", time.Since(start).String())))

	info, err := describeHead(repo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read HEAD")
		return scanning.CommitInfo{}, err
	}

	span.SetAttributes(attribute.String("commit.hash", info.Hash))
	f.logger.Info(ctx, "repository cloned",
		"url", safeURL,
		"commit", info.ShortHash,
		"duration", time.Since(start).String(),
	)
	return info, nil
}

func cloneOptions(repoURL, branch, credential string) (*git.CloneOptions, error) {
	trimmed := strings.TrimSpace(repoURL)
	if trimmed == "" {
		return nil, ErrEmptyURL
	}

	opts := &git.CloneOptions{
		URL:          trimmed,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if credential != "" {
		if !strings.HasPrefix(trimmed, "https://") && !strings.HasPrefix(trimmed, "http://") {
			return nil, fmt.Errorf("credential requires an http(s) url, got %s", redactURL(trimmed))
		}
		opts.Auth = &githttp.BasicAuth{Username: tokenUsername, Password: credential}
	}
	return opts, nil
}

func describeHead(repo *git.Repository) (scanning.CommitInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return scanning.CommitInfo{}, fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return scanning.CommitInfo{}, fmt.Errorf("loading commit %s: %w", head.Hash(), err)
	}

	hash := head.Hash().String()
	return scanning.CommitInfo{
		Hash:      hash,
		ShortHash: scanning.ShortHash(hash),
		Author:    fmt.Sprintf("%s <%s>", commit.Author.Name, commit.Author.Email),
		Message:   strings.TrimSpace(commit.Message),
		Timestamp: commit.Author.When.Unix(),
	}, nil
}

// redactURL strips any user info embedded in a repository URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
