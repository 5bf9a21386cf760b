package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/app/pipeline"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/scanner"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context, repoURL, dest, branch, credential string) (scanning.CommitInfo, error) {
	args := m.Called(ctx, repoURL, dest, branch, credential)
	return args.Get(0).(scanning.CommitInfo), args.Error(1)
}

type stubRunner struct{ result scanner.RunResult }

func (s stubRunner) Run(context.Context, string) scanner.RunResult { return s.result }

type passthroughNormalizer struct{}

func (passthroughNormalizer) Normalize(scanID uuid.UUID, _ string, raws []scanning.RawFinding) []scanning.Finding {
	out := make([]scanning.Finding, 0, len(raws))
	for _, r := range raws {
		out = append(out, scanning.Finding{ScanID: scanID, Tool: r.Tool, RuleID: r.RuleID, Severity: scanning.SeverityHigh})
	}
	return out
}

// fakeBackend plays the owning system: it applies status updates to a real
// Scan so that illegal transitions surface as errors.
type fakeBackend struct {
	mu          sync.Mutex
	repo        *scanning.Repository
	repoErr     error
	scan        *scanning.Scan
	updates     []scanning.StatusUpdate
	submissions []scanning.FindingsSubmission
	submitErrs  []error
}

func newFakeBackend(repo *scanning.Repository) *fakeBackend {
	return &fakeBackend{repo: repo, scan: scanning.NewScan(repo.ID, "", nil)}
}

func (b *fakeBackend) GetRepository(context.Context, uuid.UUID) (*scanning.Repository, error) {
	if b.repoErr != nil {
		return nil, b.repoErr
	}
	return b.repo, nil
}

func (b *fakeBackend) UpdateStatus(_ context.Context, _ uuid.UUID, u scanning.StatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.Status != nil {
		var err error
		switch *u.Status {
		case scanning.StatusFailed:
			msg := ""
			if u.ErrorMessage != nil {
				msg = *u.ErrorMessage
			}
			err = b.scan.Fail(msg)
		case scanning.StatusCompleted:
			err = b.scan.Complete(b.scan.CommitHash())
		default:
			err = b.scan.UpdateStatus(*u.Status)
		}
		if err != nil {
			return err
		}
	}
	if u.ErrorMessage != nil && (u.Status == nil || *u.Status != scanning.StatusFailed) {
		if err := b.scan.RecordError(*u.ErrorMessage); err != nil {
			return err
		}
	}
	b.updates = append(b.updates, u)
	return nil
}

func (b *fakeBackend) SubmitFindings(_ context.Context, _ uuid.UUID, s scanning.FindingsSubmission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	b.submissions = append(b.submissions, s)
	return nil
}

func (b *fakeBackend) status() scanning.ScanStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scan.Status()
}

// countingWorkspaces tracks create and destroy calls.
type countingWorkspaces struct {
	mu        sync.Mutex
	created   []string
	destroyed []string
	createErr error
	dir       string
}

func (w *countingWorkspaces) Create(_ context.Context, key string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return "", w.createErr
	}
	w.created = append(w.created, key)
	return w.dir, nil
}

func (w *countingWorkspaces) Destroy(_ context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, dir)
}

var errCloneFailed = errors.New("clone failed: repository not found")

func testRepository() *scanning.Repository {
	return &scanning.Repository{
		ID:            uuid.New(),
		URL:           "https://github.com/acme/api.git",
		DefaultBranch: "main",
		AccessToken:   "token",
		IsActive:      true,
	}
}

type executorFixture struct {
	fetcher    *mockFetcher
	backend    *fakeBackend
	workspaces *countingWorkspaces
	executor   *Executor
	sleeps     []string
}

func newExecutorFixture(dir string, result scanner.RunResult) *executorFixture {
	f := &executorFixture{
		fetcher:    new(mockFetcher),
		backend:    newFakeBackend(testRepository()),
		workspaces: &countingWorkspaces{dir: dir},
	}
	f.executor = NewExecutor(pipeline.Deps{
		Fetcher:    f.fetcher,
		Runner:     stubRunner{result: result},
		Normalizer: passthroughNormalizer{},
		Reporter:   f.backend,
		Workspaces: f.workspaces,
		Logger:     logger.Noop(),
		Tracer:     testTracer,
	})
	f.executor.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d.String())
		return nil
	}
	return f
}

func (f *executorFixture) job() scanning.ScanJob {
	return scanning.NewScanJob(f.backend.scan, scanning.DefaultMaxRetries)
}
