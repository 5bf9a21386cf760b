package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/scanner"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context, repoURL, dest, branch, credential string) (scanning.CommitInfo, error) {
	args := m.Called(ctx, repoURL, dest, branch, credential)
	return args.Get(0).(scanning.CommitInfo), args.Error(1)
}

type stubRunner struct {
	result scanner.RunResult
	calls  int
}

func (s *stubRunner) Run(context.Context, string) scanner.RunResult {
	s.calls++
	return s.result
}

// recordingReporter captures every call and can fail SubmitFindings.
type recordingReporter struct {
	mu          sync.Mutex
	updates     []scanning.StatusUpdate
	submissions []scanning.FindingsSubmission
	submitErr   error
	updateErr   error
}

func (r *recordingReporter) GetRepository(context.Context, uuid.UUID) (*scanning.Repository, error) {
	return nil, scanning.ErrRepositoryNotFound
}

func (r *recordingReporter) UpdateStatus(_ context.Context, _ uuid.UUID, u scanning.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return r.updateErr
}

func (r *recordingReporter) SubmitFindings(_ context.Context, _ uuid.UUID, s scanning.FindingsSubmission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return r.submitErr
	}
	r.submissions = append(r.submissions, s)
	return nil
}

func (r *recordingReporter) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Message)
	}
	return out
}

func testRepository() *scanning.Repository {
	return &scanning.Repository{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Name:          "api",
		URL:           "https://github.com/acme/api.git",
		DefaultBranch: "main",
		AccessToken:   "ghp_secret",
		IsActive:      true,
	}
}

func rawFindings(tool string, n int) []scanning.RawFinding {
	out := make([]scanning.RawFinding, n)
	for i := range out {
		out[i] = scanning.RawFinding{Tool: tool, RuleID: "rule", Title: "t", NativeSeverity: "HIGH", FilePath: "a.go", Line: i + 1}
	}
	return out
}
