package schema

// Event type constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunExited    = "run_exited"
	EventRunCancelled = "run_cancelled"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepSuspended = "step_suspended"

	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"
	EventLoopBroken        = "loop_broken"
	EventLoopCompleted     = "loop_completed"

	EventGuardrailViolation = "guardrail_violation"
	EventGuardrailRedacted  = "guardrail_redacted"

	EventVariableSet         = "variable_set"
	EventCheckpointWritten   = "checkpoint_written"
	EventErrorHandlerInvoked = "error_handler_invoked"
	EventCircuitBreakerOpen  = "circuit_breaker_open"
	EventFindingRecorded     = "finding_recorded"
)
