package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

func TestCanTransitionRun(t *testing.T) {
	tests := []struct {
		from, to schema.RunStatus
		want     bool
	}{
		{schema.RunStatusPending, schema.RunStatusRunning, true},
		{schema.RunStatusPending, schema.RunStatusCancelled, true},
		{schema.RunStatusPending, schema.RunStatusSucceeded, false},
		{schema.RunStatusRunning, schema.RunStatusSuspended, true},
		{schema.RunStatusRunning, schema.RunStatusSucceeded, true},
		{schema.RunStatusRunning, schema.RunStatusFailed, true},
		{schema.RunStatusRunning, schema.RunStatusExited, true},
		{schema.RunStatusRunning, schema.RunStatusPending, false},
		{schema.RunStatusSuspended, schema.RunStatusRunning, true},
		{schema.RunStatusSuspended, schema.RunStatusCancelled, true},
		{schema.RunStatusSuspended, schema.RunStatusSucceeded, false},
		{schema.RunStatusSucceeded, schema.RunStatusRunning, false},
		{schema.RunStatusFailed, schema.RunStatusRunning, false},
		{schema.RunStatusCancelled, schema.RunStatusRunning, false},
		{schema.RunStatusExited, schema.RunStatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransitionRun(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransitionStep(t *testing.T) {
	assert.True(t, CanTransitionStep(schema.StepStatusPending, schema.StepStatusRunning))
	assert.True(t, CanTransitionStep(schema.StepStatusPending, schema.StepStatusSkipped))
	assert.True(t, CanTransitionStep(schema.StepStatusRunning, schema.StepStatusSuspended))
	assert.True(t, CanTransitionStep(schema.StepStatusSuspended, schema.StepStatusRunning))
	assert.False(t, CanTransitionStep(schema.StepStatusSucceeded, schema.StepStatusRunning))
	assert.False(t, CanTransitionStep(schema.StepStatusFailed, schema.StepStatusRunning))
	assert.False(t, CanTransitionStep(schema.StepStatusPending, schema.StepStatusSucceeded))
}

func TestCheckRunTransition(t *testing.T) {
	require.NoError(t, checkRunTransition("r1", schema.RunStatusPending, schema.RunStatusRunning))

	err := checkRunTransition("r1", schema.RunStatusSucceeded, schema.RunStatusRunning)
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, lerr.Code)
	assert.Equal(t, "r1", lerr.Details["run_id"])
}

func TestRunEventType(t *testing.T) {
	assert.Equal(t, schema.EventRunCompleted, runEventType(schema.RunStatusSucceeded))
	assert.Equal(t, schema.EventRunFailed, runEventType(schema.RunStatusFailed))
	assert.Equal(t, schema.EventRunExited, runEventType(schema.RunStatusExited))
	assert.Equal(t, schema.EventRunCancelled, runEventType(schema.RunStatusCancelled))
	assert.Equal(t, "", runEventType(schema.RunStatusPending))
}
