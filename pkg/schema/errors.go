package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeAction            = "ACTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeGuardrail         = "GUARDRAIL_VIOLATION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeVault             = "VAULT_ERROR"
)

// LoomError is the structured error type for all engine operations.
// Action-originated failures are data, not crashes: they carry a code the
// engine uses to route them through on_failure / continue_on_error / retry.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *LoomError) WithStep(stepID string) *LoomError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}

// IsRetryable reports whether the failure class may be retried.
// Validation, expression, and guardrail failures are deterministic; retrying
// them cannot change the outcome.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeExpression, ErrCodeGuardrail,
		ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition,
		ErrCodeCancelled, ErrCodeVault:
		return false
	default:
		return true
	}
}

// SuspendSignal pauses a run awaiting external input. It travels as an error
// value for control flow but is not a failure: the engine checkpoints the run
// and returns without taking any failure edge.
type SuspendSignal struct {
	StepID  string   `json:"step_id"`
	Prompt  string   `json:"prompt,omitempty"`
	Options []string `json:"options,omitempty"`
}

func (s *SuspendSignal) Error() string {
	return fmt.Sprintf("run suspended at step %s awaiting external input", s.StepID)
}

// ControlSignal terminates a run early from control/exit or control/fail.
// finally subgraphs are still walked before the run reaches its terminal state.
type ControlSignal struct {
	Fail    bool   `json:"fail"`
	Message string `json:"message,omitempty"`
}

func (c *ControlSignal) Error() string {
	if c.Fail {
		return "run failed by control/fail: " + c.Message
	}
	return "run exited by control/exit: " + c.Message
}
