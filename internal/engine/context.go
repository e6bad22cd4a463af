package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomctl/loom/internal/expr"
	"github.com/loomctl/loom/pkg/schema"
)

// StepExecution is the recorded outcome of one step. For looped steps it
// holds the last iteration; per-iteration outputs live in the LoopFrame.
// Terminal executions are authoritative on resume and are never re-run.
type StepExecution struct {
	Status      schema.StepStatus `json:"status"`
	Outputs     map[string]any    `json:"outputs,omitempty"`
	Error       map[string]any    `json:"error,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// LoopFrame tracks one loop's progress across iterations.
type LoopFrame struct {
	StepID     string `json:"step_id"`
	Items      []any  `json:"items"`
	Index      int    `json:"index"` // 0-based position of the current item
	Outputs    []any  `json:"outputs,omitempty"`
	Failures   int    `json:"failures,omitempty"`
	BreakEarly bool   `json:"break_early,omitempty"`
	BreakIndex int    `json:"break_index,omitempty"` // 1-based, per break_index contract
	BreakItem  any    `json:"break_item,omitempty"`
}

// Item returns the current loop item, or nil when exhausted.
func (f *LoopFrame) Item() any {
	if f.Index < 0 || f.Index >= len(f.Items) {
		return nil
	}
	return f.Items[f.Index]
}

// Cursor addresses the next node to execute: which compiled graph within
// the run's program, and which node in it.
type Cursor struct {
	Graph string `json:"graph"`
	Node  string `json:"node"`
}

// RunContext is the complete mutable state of one run. It round-trips
// through JSON unchanged, which is what makes checkpointing and resume
// possible: a deserialized RunContext continues exactly where the
// serialized one stopped.
type RunContext struct {
	RunID      string                    `json:"run_id"`
	Workflow   string                    `json:"workflow"`
	Inputs     map[string]any            `json:"inputs"`
	Env        map[string]any            `json:"env,omitempty"`
	Variables  map[string]any            `json:"variables,omitempty"`
	Steps      map[string]*StepExecution `json:"steps"`
	LoopFrames map[string]*LoopFrame     `json:"loop_frames,omitempty"`
	Answers    map[string]any            `json:"answers,omitempty"`
	Cursor     Cursor                    `json:"cursor"`
	Failure    map[string]any            `json:"failure,omitempty"` // last failure, feeds the error.* scope
	// Outcome is the pending run outcome while finally/handler subgraphs
	// walk: "ok", "failed", or "exited". Empty during the main chain. It
	// lets a resume landing inside a handler finish with the right status.
	Outcome string `json:"outcome,omitempty"`
}

// newRunContext initializes the state for a fresh run.
func newRunContext(runID, workflow string, inputs map[string]any) *RunContext {
	return &RunContext{
		RunID:      runID,
		Workflow:   workflow,
		Inputs:     inputs,
		Variables:  map[string]any{},
		Steps:      map[string]*StepExecution{},
		LoopFrames: map[string]*LoopFrame{},
		Answers:    map[string]any{},
	}
}

// decodeRunContext restores a RunContext from a checkpoint snapshot.
func decodeRunContext(state json.RawMessage) (*RunContext, error) {
	var rc RunContext
	if err := json.Unmarshal(state, &rc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"checkpoint state corrupt: %s", err.Error()).WithCause(err)
	}
	if rc.Variables == nil {
		rc.Variables = map[string]any{}
	}
	if rc.Steps == nil {
		rc.Steps = map[string]*StepExecution{}
	}
	if rc.LoopFrames == nil {
		rc.LoopFrames = map[string]*LoopFrame{}
	}
	if rc.Answers == nil {
		rc.Answers = map[string]any{}
	}
	return &rc, nil
}

// snapshot serializes the context for a checkpoint.
func (rc *RunContext) snapshot() (json.RawMessage, error) {
	b, err := json.Marshal(rc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"serialize run context: %s", err.Error()).WithCause(err)
	}
	return b, nil
}

// record stores a step outcome, replacing any earlier non-terminal record.
func (rc *RunContext) record(stepID string, exec *StepExecution) {
	rc.Steps[stepID] = exec
}

// stepsScope projects recorded steps into the steps.* expression namespace.
func (rc *RunContext) stepsScope() map[string]any {
	out := make(map[string]any, len(rc.Steps))
	for id, exec := range rc.Steps {
		outputs := exec.Outputs
		if outputs == nil {
			outputs = map[string]any{}
		}
		out[id] = map[string]any{
			"outputs": outputs,
			"status":  string(exec.Status),
		}
	}
	return out
}

// scope builds the expression scope for evaluation at the given node. The
// loop namespace is populated from the innermost frame the node sits in;
// the error namespace from the pending failure, if any.
func (rc *RunContext) scope(frame *LoopFrame) *expr.Scope {
	s := &expr.Scope{
		Inputs:    rc.Inputs,
		Env:       rc.Env,
		Steps:     rc.stepsScope(),
		Variables: rc.Variables,
		Error:     rc.Failure,
	}
	if frame != nil {
		s.Loop = map[string]any{
			"item":    frame.Item(),
			"index":   frame.Index,
			"outputs": append([]any{}, frame.Outputs...),
		}
	}
	return s
}

// runView adapts a RunContext to the view actions receive. The mutators are
// narrow: SetVariable backs state/*, Answer backs suspend/resume, EvalBool
// backs control/wait.
type runView struct {
	rc    *RunContext
	eval  *expr.Evaluator
	frame *LoopFrame
	log   *EventSink
}

func (v *runView) RunID() string { return v.rc.RunID }

func (v *runView) Variable(name string) (any, bool) {
	val, ok := v.rc.Variables[name]
	return val, ok
}

func (v *runView) SetVariable(name string, value any) {
	v.rc.Variables[name] = value
	if v.log != nil {
		v.log.emit(schema.EventVariableSet, "", map[string]any{"name": name})
	}
}

func (v *runView) StepOutputs(stepID string) (map[string]any, bool) {
	exec, ok := v.rc.Steps[stepID]
	if !ok {
		return nil, false
	}
	return exec.Outputs, true
}

func (v *runView) Answer(stepID string) (any, bool) {
	val, ok := v.rc.Answers[stepID]
	return val, ok
}

func (v *runView) EvalBool(ctx context.Context, source string) (bool, error) {
	scope := v.rc.scope(v.frame)
	if expr.HasInterpolation(source) {
		out, err := v.eval.Interpolate(ctx, source, scope)
		if err != nil {
			return false, err
		}
		return expr.Truthy(out), nil
	}
	return v.eval.EvalBool(ctx, source, scope)
}
