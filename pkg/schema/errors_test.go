package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoomError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeAction, "exit code %d", 2)
	assert.Equal(t, "[ACTION_ERROR] exit code 2", err.Error())

	err = err.WithStep("build")
	assert.Equal(t, "[ACTION_ERROR] step build: exit code 2", err.Error())
}

func TestLoomError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewError(ErrCodeStore, "query failed").WithCause(cause)
	assert.True(t, errors.Is(err, cause))

	var lerr *LoomError
	require.True(t, errors.As(error(err), &lerr))
	assert.Equal(t, ErrCodeStore, lerr.Code)
}

func TestLoomError_IsRetryable(t *testing.T) {
	retryable := []string{ErrCodeAction, ErrCodeTimeout, ErrCodeStore, ErrCodeRetryExhausted, ErrCodeCircuitOpen}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}
	deterministic := []string{
		ErrCodeValidation, ErrCodeExpression, ErrCodeGuardrail,
		ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition,
		ErrCodeCancelled, ErrCodeVault,
	}
	for _, code := range deterministic {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}

func TestValidationReport(t *testing.T) {
	var r ValidationReport
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())

	r.AddWarning("jobs.main.steps[0]", "SHELL_INJECTION", "unquoted interpolation")
	assert.True(t, r.Valid())

	r.Promote()
	assert.False(t, r.Valid())
	assert.Empty(t, r.Warnings)

	err := r.ToError()
	var lerr *LoomError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, ErrCodeValidation, lerr.Code)
}

func TestValidationReport_Merge(t *testing.T) {
	var a, b ValidationReport
	a.AddError("name", "REQUIRED", "name is required")
	b.AddWarning("env.X", "UNUSED", "never referenced")

	a.Merge(&b)
	assert.Len(t, a.Errors, 1)
	assert.Len(t, a.Warnings, 1)
	a.Merge(nil)
	assert.Len(t, a.Errors, 1)
}

func TestControlSignal_Error(t *testing.T) {
	assert.Contains(t, (&ControlSignal{Message: "done"}).Error(), "control/exit")
	assert.Contains(t, (&ControlSignal{Fail: true, Message: "bad"}).Error(), "control/fail")
}
