// Package engine walks compiled workflow graphs: it resolves each node's
// inputs against the run context, dispatches to the action registry,
// applies guardrails, records outcomes, and checkpoints after every node
// so a run can suspend and resume without losing work.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/actions"
	"github.com/loomctl/loom/internal/compile"
	"github.com/loomctl/loom/internal/expr"
	"github.com/loomctl/loom/internal/guardrail"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/pkg/schema"
)

// Config assembles an Engine's collaborators. Store and Registry are
// required; the rest default to working implementations.
type Config struct {
	Store      store.Store
	Registry   *actions.Registry
	Evaluator  *expr.Evaluator
	Guardrails *guardrail.Pipeline
	Breakers   *BreakerRegistry
	Logger     *slog.Logger
	// Hub, when set, receives every run event for live subscribers.
	Hub streaming.EventHub
}

// Engine executes workflow runs. One executor goroutine walks each run;
// distinct runs may execute concurrently and share the engine's breakers
// and caches.
type Engine struct {
	store    store.Store
	events   *store.EventLog
	registry *actions.Registry
	eval     *expr.Evaluator
	guard    *guardrail.Pipeline
	breakers *BreakerRegistry
	logger   *slog.Logger
	hub      streaming.EventHub
}

// New creates an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action registry")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expr.New(nil)
	}
	if cfg.Guardrails == nil {
		g, err := guardrail.New()
		if err != nil {
			return nil, err
		}
		cfg.Guardrails = g
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		events:   store.NewEventLog(cfg.Store),
		registry: cfg.Registry,
		eval:     cfg.Evaluator,
		guard:    cfg.Guardrails,
		breakers: cfg.Breakers,
		logger:   cfg.Logger,
		hub:      cfg.Hub,
	}, nil
}

// program is a workflow compiled for execution: one graph per job in
// declaration order, plus the document-level handler subgraphs.
type program struct {
	def        *schema.WorkflowDefinition
	jobs       []jobGraph
	finally    *compile.Graph
	onComplete *compile.Graph
	onFailure  *compile.Graph
}

type jobGraph struct {
	name  string
	graph *compile.Graph
}

// Graph names used in cursors.
const (
	graphFinally    = "finally"
	graphOnComplete = "on_complete"
	graphOnFailure  = "on_failure"
)

func jobGraphName(job string) string { return "job:" + job }

func compileProgram(def *schema.WorkflowDefinition) (*program, error) {
	p := &program{def: def}
	for _, job := range def.Jobs {
		g, err := compile.Compile(job)
		if err != nil {
			return nil, err
		}
		p.jobs = append(p.jobs, jobGraph{name: job.Name, graph: g})
	}
	var err error
	if len(def.Finally) > 0 {
		if p.finally, err = compile.CompileSteps(def.Finally); err != nil {
			return nil, err
		}
	}
	if len(def.OnComplete) > 0 {
		if p.onComplete, err = compile.CompileSteps(def.OnComplete); err != nil {
			return nil, err
		}
	}
	if len(def.OnFailure) > 0 {
		if p.onFailure, err = compile.CompileSteps(def.OnFailure); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start validates inputs, persists a new run, and executes it to its first
// stopping point: completion, failure, exit, or suspension. The returned
// run reflects the stored state; a suspended run is not an error.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*store.Run, error) {
	coerced, err := CoerceInputs(def.Inputs, inputs)
	if err != nil {
		return nil, err
	}

	prog, err := compileProgram(def)
	if err != nil {
		return nil, err
	}

	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"serialize workflow definition: %s", err.Error()).WithCause(err)
	}

	run := &store.Run{
		ID:           uuid.NewString(),
		WorkflowName: def.Name,
		Definition:   defJSON,
		Status:       schema.RunStatusPending,
		Inputs:       coerced,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	rc := newRunContext(run.ID, def.Name, coerced)
	if err := e.resolveEnv(ctx, def, rc); err != nil {
		// Bad env expressions fail the run before any step executes.
		return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
	}

	if err := e.markRunning(ctx, run, schema.RunStatusPending); err != nil {
		return nil, err
	}
	return e.execute(ctx, run, prog, rc, 0)
}

// Resume continues a suspended run. Answers are keyed by step ID and become
// visible to the suspended step, which re-executes with them available.
// Recorded step outcomes from before the suspension are authoritative and
// are never re-executed.
func (e *Engine) Resume(ctx context.Context, runID string, answers map[string]any) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s is %s, only suspended runs can be resumed", runID, run.Status)
	}

	cp, err := e.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc, err := decodeRunContext(cp.State)
	if err != nil {
		return nil, err
	}
	for stepID, answer := range answers {
		rc.Answers[stepID] = answer
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(run.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"stored definition corrupt for run %s: %s", runID, err.Error()).WithCause(err)
	}
	prog, err := compileProgram(&def)
	if err != nil {
		return nil, err
	}

	if err := e.markRunning(ctx, run, schema.RunStatusSuspended); err != nil {
		return nil, err
	}
	e.emit(ctx, runID, run.SuspendedStep, schema.EventRunResumed, nil)

	return e.resumeExecute(ctx, run, prog, rc)
}

// Cancel marks a non-terminal run cancelled. A running walk observes the
// cancellation through its context; Cancel also covers suspended runs that
// have no active goroutine.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := checkRunTransition(runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	status := schema.RunStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status, CompletedAt: &now}); err != nil {
		return err
	}
	e.emit(ctx, runID, "", schema.EventRunCancelled, nil)
	return nil
}

// Status returns the stored run.
func (e *Engine) Status(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// emit appends a lifecycle event and mirrors it to the hub. Persistence
// failures downgrade to warnings, same as the walker's sink.
func (e *Engine) emit(ctx context.Context, runID, stepID, eventType string, payload any) {
	if err := e.events.Append(ctx, runID, stepID, eventType, payload); err != nil {
		e.logger.Warn("append event", "run_id", runID, "type", eventType, "error", err)
	}
	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     runID,
			StepID:    stepID,
			EventType: eventType,
			Payload:   payload,
		})
	}
}

func (e *Engine) markRunning(ctx context.Context, run *store.Run, from schema.RunStatus) error {
	if err := checkRunTransition(run.ID, from, schema.RunStatusRunning); err != nil {
		return err
	}
	status := schema.RunStatusRunning
	upd := store.RunUpdate{Status: &status}
	if from == schema.RunStatusPending {
		now := time.Now().UTC()
		upd.StartedAt = &now
		e.emit(ctx, run.ID, "", schema.EventRunStarted, nil)
	} else {
		// Clear the suspension marker.
		empty := ""
		upd.SuspendedStep = &empty
		upd.Prompt = &empty
	}
	run.Status = schema.RunStatusRunning
	return e.store.UpdateRun(ctx, run.ID, upd)
}

// execute walks the program's jobs starting at jobIdx, then the terminal
// phase the collective outcome selects.
func (e *Engine) execute(ctx context.Context, run *store.Run, prog *program, rc *RunContext, jobIdx int) (*store.Run, error) {
	ctx = logging.WithRunID(ctx, run.ID)
	w := e.newWalker(ctx, run, prog.def)

	for i := jobIdx; i < len(prog.jobs); i++ {
		jg := prog.jobs[i]
		name := jobGraphName(jg.name)
		out, err := w.walk(ctx, name, jg.graph, jg.graph.Entry, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		out, err = e.settleJob(ctx, w, name, jg.graph, rc, out)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		switch out {
		case outcomeSuspended:
			return e.suspend(ctx, run, w)
		case outcomeFailed:
			return e.failurePhase(ctx, run, prog, rc, w)
		case outcomeExited:
			return e.exitPhase(ctx, run, prog, rc, w)
		}
	}
	return e.successPhase(ctx, run, prog, rc, w)
}

// settleJob runs a job's finally subgraph after its main chain stops for
// any reason other than suspension. The main outcome survives finally
// failures.
func (e *Engine) settleJob(ctx context.Context, w *walker, graphName string, g *compile.Graph, rc *RunContext, out walkOutcome) (walkOutcome, error) {
	if out == outcomeSuspended || g.FinallyEntry == "" {
		return out, nil
	}
	switch out {
	case outcomeDone:
		rc.Outcome = "ok"
	case outcomeFailed:
		rc.Outcome = "failed"
	case outcomeExited:
		if w.exitFail {
			rc.Outcome = "failed"
		} else {
			rc.Outcome = "exited"
		}
	}
	fout, err := w.walk(ctx, graphName, g, g.FinallyEntry, rc)
	if err != nil {
		return 0, err
	}
	if fout == outcomeSuspended {
		return outcomeSuspended, nil
	}
	if fout == outcomeFailed && out == outcomeDone {
		// A finally failure fails an otherwise clean job.
		return outcomeFailed, nil
	}
	rc.Outcome = ""
	return out, nil
}

// resumeExecute picks the walk back up at the checkpointed cursor.
func (e *Engine) resumeExecute(ctx context.Context, run *store.Run, prog *program, rc *RunContext) (*store.Run, error) {
	ctx = logging.WithRunID(ctx, run.ID)
	w := e.newWalker(ctx, run, prog.def)

	switch rc.Cursor.Graph {
	case graphOnComplete:
		out, err := w.walk(ctx, graphOnComplete, prog.onComplete, rc.Cursor.Node, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if out == outcomeSuspended {
			return e.suspend(ctx, run, w)
		}
		return e.finalPhase(ctx, run, prog, rc, w, schema.RunStatusSucceeded, nil)
	case graphOnFailure:
		out, err := w.walk(ctx, graphOnFailure, prog.onFailure, rc.Cursor.Node, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if out == outcomeSuspended {
			return e.suspend(ctx, run, w)
		}
		return e.finalPhase(ctx, run, prog, rc, w, schema.RunStatusFailed, rc.Failure)
	case graphFinally:
		out, err := w.walk(ctx, graphFinally, prog.finally, rc.Cursor.Node, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if out == outcomeSuspended {
			return e.suspend(ctx, run, w)
		}
		return e.finish(ctx, run, rc, outcomeStatus(rc.Outcome), failureErr(rc.Failure))
	}

	// Cursor is inside a job graph.
	for i, jg := range prog.jobs {
		if jobGraphName(jg.name) != rc.Cursor.Graph {
			continue
		}
		out, err := w.walk(ctx, rc.Cursor.Graph, jg.graph, rc.Cursor.Node, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if rc.Outcome != "" && out != outcomeSuspended {
			// We resumed inside the job's finally subgraph.
			pending := rc.Outcome
			rc.Outcome = ""
			switch pending {
			case "failed":
				return e.failurePhase(ctx, run, prog, rc, w)
			case "exited":
				return e.exitPhase(ctx, run, prog, rc, w)
			}
			return e.execute(ctx, run, prog, rc, i+1)
		}
		out, err = e.settleJob(ctx, w, rc.Cursor.Graph, jg.graph, rc, out)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		switch out {
		case outcomeSuspended:
			return e.suspend(ctx, run, w)
		case outcomeFailed:
			return e.failurePhase(ctx, run, prog, rc, w)
		case outcomeExited:
			return e.exitPhase(ctx, run, prog, rc, w)
		}
		return e.execute(ctx, run, prog, rc, i+1)
	}
	return nil, schema.NewErrorf(schema.ErrCodeStore,
		"checkpoint cursor references unknown graph %q", rc.Cursor.Graph)
}

// successPhase walks on_complete then finally, ending Succeeded.
func (e *Engine) successPhase(ctx context.Context, run *store.Run, prog *program, rc *RunContext, w *walker) (*store.Run, error) {
	rc.Outcome = "ok"
	if prog.onComplete != nil {
		out, err := w.walk(ctx, graphOnComplete, prog.onComplete, prog.onComplete.Entry, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if out == outcomeSuspended {
			return e.suspend(ctx, run, w)
		}
	}
	return e.finalPhase(ctx, run, prog, rc, w, schema.RunStatusSucceeded, nil)
}

// failurePhase walks on_failure then finally, ending Failed.
func (e *Engine) failurePhase(ctx context.Context, run *store.Run, prog *program, rc *RunContext, w *walker) (*store.Run, error) {
	rc.Outcome = "failed"
	if prog.onFailure != nil {
		w.sink.emit(schema.EventErrorHandlerInvoked, "", map[string]any{"handler": "on_failure"})
		out, err := w.walk(ctx, graphOnFailure, prog.onFailure, prog.onFailure.Entry, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if out == outcomeSuspended {
			return e.suspend(ctx, run, w)
		}
	}
	return e.finalPhase(ctx, run, prog, rc, w, schema.RunStatusFailed, rc.Failure)
}

// exitPhase walks finally only: control signals skip the completion and
// failure handlers. control/fail ends Failed, control/exit ends Exited.
func (e *Engine) exitPhase(ctx context.Context, run *store.Run, prog *program, rc *RunContext, w *walker) (*store.Run, error) {
	if w.exitFail {
		rc.Outcome = "failed"
		return e.finalPhase(ctx, run, prog, rc, w, schema.RunStatusFailed, rc.Failure)
	}
	rc.Outcome = "exited"
	return e.finalPhase(ctx, run, prog, rc, w, schema.RunStatusExited, nil)
}

// finalPhase walks the document-level finally subgraph and settles the run.
func (e *Engine) finalPhase(ctx context.Context, run *store.Run, prog *program, rc *RunContext, w *walker, status schema.RunStatus, failure map[string]any) (*store.Run, error) {
	if prog.finally != nil {
		out, err := w.walk(ctx, graphFinally, prog.finally, prog.finally.Entry, rc)
		if err != nil {
			return e.finish(ctx, run, rc, schema.RunStatusFailed, err)
		}
		if out == outcomeSuspended {
			return e.suspend(ctx, run, w)
		}
	}
	return e.finish(ctx, run, rc, status, failureErr(failure))
}

func outcomeStatus(outcome string) schema.RunStatus {
	switch outcome {
	case "failed":
		return schema.RunStatusFailed
	case "exited":
		return schema.RunStatusExited
	default:
		return schema.RunStatusSucceeded
	}
}

func failureErr(failure map[string]any) error {
	if failure == nil {
		return nil
	}
	msg, _ := failure["message"].(string)
	if msg == "" {
		msg = "run failed"
	}
	code, _ := failure["code"].(string)
	if code == "" {
		code = schema.ErrCodeAction
	}
	return schema.NewError(code, msg).WithDetails(failure)
}

// suspend persists the suspension marker after a walk stopped on a
// SuspendSignal. The checkpoint was already written by the walker, so the
// run is resumable before it becomes observable as suspended.
func (e *Engine) suspend(ctx context.Context, run *store.Run, w *walker) (*store.Run, error) {
	sig := w.suspended
	if sig == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "walker suspended without a signal")
	}
	status := schema.RunStatusSuspended
	upd := store.RunUpdate{
		Status:        &status,
		SuspendedStep: &sig.StepID,
		Prompt:        &sig.Prompt,
	}
	if err := e.store.UpdateRun(ctx, run.ID, upd); err != nil {
		return nil, err
	}
	payload := map[string]any{"step_id": sig.StepID, "prompt": sig.Prompt}
	if len(sig.Options) > 0 {
		payload["options"] = sig.Options
	}
	e.emit(ctx, run.ID, sig.StepID, schema.EventRunSuspended, payload)
	return e.store.GetRun(ctx, run.ID)
}

// finish settles the run in a terminal state.
func (e *Engine) finish(ctx context.Context, run *store.Run, rc *RunContext, status schema.RunStatus, cause error) (*store.Run, error) {
	now := time.Now().UTC()
	upd := store.RunUpdate{Status: &status, CompletedAt: &now}
	if cause != nil {
		lerr := schema.NewError(schema.ErrCodeAction, cause.Error())
		var typed *schema.LoomError
		if errors.As(cause, &typed) {
			lerr = typed
		}
		if b, err := json.Marshal(lerr); err == nil {
			upd.Error = b
		}
	}
	if err := e.store.UpdateRun(ctx, run.ID, upd); err != nil {
		return nil, err
	}
	if evt := runEventType(status); evt != "" {
		var payload map[string]any
		if cause != nil {
			payload = map[string]any{"error": cause.Error()}
		}
		e.emit(ctx, run.ID, "", evt, payload)
	}
	return e.store.GetRun(ctx, run.ID)
}

// resolveEnv interpolates the declared env block against the inputs once at
// run start.
func (e *Engine) resolveEnv(ctx context.Context, def *schema.WorkflowDefinition, rc *RunContext) error {
	if len(def.Env) == 0 {
		return nil
	}
	rc.Env = make(map[string]any, len(def.Env))
	scope := &expr.Scope{Inputs: rc.Inputs, Env: rc.Env}
	for key, raw := range def.Env {
		val, err := e.eval.Interpolate(ctx, raw, scope)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"env %q: %s", key, err.Error()).WithCause(err)
		}
		rc.Env[key] = val
	}
	return nil
}

// CoerceInputs validates provided inputs against their declarations,
// applies defaults, and coerces string values into the declared types.
func CoerceInputs(specs map[string]*schema.InputSpec, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(specs))
	for name, val := range provided {
		if _, declared := specs[name]; !declared {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"undeclared input %q", name)
		}
		out[name] = val
	}
	for name, spec := range specs {
		val, ok := out[name]
		if !ok {
			if spec.Default != nil {
				out[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"required input %q not provided", name)
			}
			continue
		}
		coerced, err := coerceInput(name, spec, val)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceInput(name string, spec *schema.InputSpec, val any) (any, error) {
	switch spec.Type {
	case schema.InputInteger:
		n, err := toInt(val)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input %q: expected integer, got %v", name, val)
		}
		if spec.Min != nil && float64(n) < *spec.Min {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input %q: %d is below minimum %g", name, n, *spec.Min)
		}
		if spec.Max != nil && float64(n) > *spec.Max {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input %q: %d is above maximum %g", name, n, *spec.Max)
		}
		return n, nil
	case schema.InputBoolean:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"input %q: expected boolean, got %q", name, v)
			}
			return b, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"input %q: expected boolean, got %T", name, val)
	case schema.InputString, schema.InputFile, "":
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprintf("%v", val)
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"input %q: invalid pattern %q", name, spec.Pattern)
			}
			if !re.MatchString(s) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"input %q: value does not match pattern %q", name, spec.Pattern)
			}
		}
		return s, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"input %q: unknown type %q", name, spec.Type)
	}
}

func toInt(val any) (int64, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("not an integer")
}
