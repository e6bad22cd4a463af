package engine

import (
	"github.com/loomctl/loom/pkg/schema"
)

// validRunTransitions is the run lifecycle table:
// Pending -> Running -> {Suspended <-> Running} -> {Succeeded | Failed | Exited}.
// Cancellation is allowed from any non-terminal state.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusSuspended, schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusExited, schema.RunStatusCancelled},
	schema.RunStatusSuspended: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusExited:    {},
	schema.RunStatusCancelled: {},
}

// validStepTransitions is the step lifecycle table. Retries stay within
// Running; Suspended steps re-enter Running when an answer arrives.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusSuspended, schema.StepStatusSkipped},
	schema.StepStatusSuspended: {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusSucceeded: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to schema.RunStatus) bool {
	for _, allowed := range validRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether a step may move from one status to another.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, allowed := range validStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkRunTransition returns an INVALID_TRANSITION error when the move is
// not in the table.
func checkRunTransition(runID string, from, to schema.RunStatus) error {
	if CanTransitionRun(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}

// runEventType maps a run status to the event emitted on entering it.
func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusExited:
		return schema.EventRunExited
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	default:
		return ""
	}
}
