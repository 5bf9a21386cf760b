package scanning

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestScanJobRetryState(t *testing.T) {
	t.Parallel()

	s := NewScan(uuid.New(), "main", nil)
	job := NewScanJob(s, DefaultMaxRetries)

	assert.Equal(t, s.ScanID(), job.ScanID)
	assert.Equal(t, s.RepositoryID(), job.RepositoryID)
	assert.Equal(t, 0, job.Attempt)
	assert.True(t, job.CanRetry())

	for i := 1; i <= DefaultMaxRetries; i++ {
		job = job.NextAttempt(time.Duration(i) * time.Second)
		assert.Equal(t, i, job.Attempt)
		assert.Equal(t, time.Duration(i)*time.Second, job.Backoff)
	}
	assert.False(t, job.CanRetry())
	assert.True(t, job.IsFinalAttempt())
}

func TestCommitHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abcdef1", ShortHash("abcdef1234567890"))
	assert.Equal(t, "abc", ShortHash("abc"))
	assert.True(t, IsZeroCommit(ZeroCommit))
	assert.False(t, IsZeroCommit(""))
	assert.False(t, IsZeroCommit("000a"))
}

func TestSeverity(t *testing.T) {
	t.Parallel()

	sev, err := ParseSeverity(" HIGH ")
	assert.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = ParseSeverity("error")
	assert.Error(t, err)

	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("warning").Rank())
}
