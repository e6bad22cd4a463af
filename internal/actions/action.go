package actions

import (
	"context"
	"encoding/json"
)

// Action is an executable unit of work invoked by a step's `uses` (or, for
// the inline "run" action, by a step's `run` command).
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input Input) (*Output, error)
	Validate(with map[string]any) error
}

// RunView is the engine's read-only context exposed to actions, plus the
// narrow variable mutator used only by state/set and state/append. All
// methods are safe to call from the single goroutine driving the run.
type RunView interface {
	RunID() string

	// Variable reads a `variables` entry.
	Variable(name string) (any, bool)
	// SetVariable writes a `variables` entry.
	SetVariable(name string, value any)

	// StepOutputs returns the recorded outputs of a completed step.
	StepOutputs(stepID string) (map[string]any, bool)

	// Answer returns the queued external answer for a step, if one was
	// supplied on resume.
	Answer(stepID string) (any, bool)

	// EvalBool evaluates an expression against the current run context and
	// coerces the result to a boolean.
	EvalBool(ctx context.Context, source string) (bool, error)
}

// Input is the data provided to an action at execution time.
type Input struct {
	StepID string         `json:"step_id"`
	With   map[string]any `json:"with"`
	Run    RunView        `json:"-"`
}

// Output is the result of an action execution. Keys become the step's
// `steps.<id>.outputs.*` values.
type Output struct {
	Outputs map[string]any `json:"outputs,omitempty"`
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
