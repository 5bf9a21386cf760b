package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition_ValidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current ScanStatus
		target  ScanStatus
	}{
		{name: "Queued to Running is valid", current: StatusQueued, target: StatusRunning},
		{name: "Queued to Failed is valid", current: StatusQueued, target: StatusFailed},
		{name: "Running to Running is valid", current: StatusRunning, target: StatusRunning},
		{name: "Running to Completed is valid", current: StatusRunning, target: StatusCompleted},
		{name: "Running to Failed is valid", current: StatusRunning, target: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NoError(t, tt.current.ValidateTransition(tt.target))
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current ScanStatus
		target  ScanStatus
	}{
		{name: "Queued to Queued is invalid", current: StatusQueued, target: StatusQueued},
		{name: "Queued to Completed is invalid", current: StatusQueued, target: StatusCompleted},
		{name: "Running to Queued is invalid", current: StatusRunning, target: StatusQueued},
		{name: "Completed to Running is invalid", current: StatusCompleted, target: StatusRunning},
		{name: "Completed to Failed is invalid", current: StatusCompleted, target: StatusFailed},
		{name: "Failed to Completed is invalid", current: StatusFailed, target: StatusCompleted},
		{name: "Failed to Queued is invalid", current: StatusFailed, target: StatusQueued},
		{name: "Unknown to Running is invalid", current: ScanStatus("paused"), target: StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.current.ValidateTransition(tt.target)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestParseScanStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"queued", "running", "completed", "failed"} {
		st, err := ParseScanStatus(s)
		require.NoError(t, err)
		assert.Equal(t, s, st.String())
	}

	_, err := ParseScanStatus("QUEUED")
	assert.Error(t, err)
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusQueued.IsInFlight())
	assert.True(t, StatusRunning.IsInFlight())
	assert.False(t, StatusCompleted.IsInFlight())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}
