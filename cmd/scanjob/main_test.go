package main

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/internal/config"
)

func TestJobFromConfig(t *testing.T) {
	t.Parallel()

	scanID, repoID := uuid.New(), uuid.New()

	tests := []struct {
		name    string
		cfg     config.JobConfig
		wantErr bool
	}{
		{
			name: "valid job",
			cfg:  config.JobConfig{ScanID: scanID.String(), RepositoryID: repoID.String(), Branch: "main", MaxRetries: 3},
		},
		{
			name:    "missing scan id",
			cfg:     config.JobConfig{RepositoryID: repoID.String()},
			wantErr: true,
		},
		{
			name:    "malformed repository id",
			cfg:     config.JobConfig{ScanID: scanID.String(), RepositoryID: "repo-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			job, err := jobFromConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, scanID, job.ScanID)
			assert.Equal(t, repoID, job.RepositoryID)
			assert.Equal(t, "main", job.Branch)
			assert.Equal(t, 0, job.Attempt)
			assert.Equal(t, 3, job.MaxRetries)
			assert.False(t, job.EnqueuedAt.IsZero())
		})
	}
}
