package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loomctl/loom/internal/actions"
	"github.com/loomctl/loom/internal/compile"
	"github.com/loomctl/loom/internal/expr"
	"github.com/loomctl/loom/internal/guardrail"
	"github.com/loomctl/loom/internal/logging"
	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/internal/streaming"
	"github.com/loomctl/loom/pkg/schema"
)

// walkOutcome is how one graph walk stopped.
type walkOutcome int

const (
	outcomeDone      walkOutcome = iota // reached the end of the chain
	outcomeSuspended                    // a step awaits external input
	outcomeFailed                       // unhandled failure, aborts the phase
	outcomeExited                       // control/exit or control/fail
)

// walker executes one run. It is single-threaded per run: exactly one
// goroutine walks a given run's graphs at a time.
type walker struct {
	eng  *Engine
	run  *store.Run
	def  *schema.WorkflowDefinition
	sink *EventSink

	suspended *schema.SuspendSignal
	exitFail  bool // control/fail rather than control/exit
}

// EventSink appends run events, downgrading persistence failures to log
// warnings so observability never fails a run. When a hub is attached each
// event is also published for live followers.
type EventSink struct {
	ctx    context.Context
	log    *store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
	runID  string
}

func (s *EventSink) emit(eventType, stepID string, payload any) {
	if s == nil || s.log == nil {
		return
	}
	if err := s.log.Append(s.ctx, s.runID, stepID, eventType, payload); err != nil {
		s.logger.Warn("append event", "run_id", s.runID, "type", eventType, "error", err)
	}
	if s.hub != nil {
		_ = s.hub.Publish(s.ctx, streaming.StreamEvent{
			RunID:     s.runID,
			StepID:    stepID,
			EventType: eventType,
			Payload:   payload,
		})
	}
}

func (e *Engine) newWalker(ctx context.Context, run *store.Run, def *schema.WorkflowDefinition) *walker {
	return &walker{
		eng: e,
		run: run,
		def: def,
		sink: &EventSink{
			ctx:    ctx,
			log:    e.events,
			hub:    e.hub,
			logger: e.logger,
			runID:  run.ID,
		},
	}
}

// walk executes graph nodes from start until the chain ends, a step
// suspends, a control signal fires, or a failure goes unhandled. The
// returned error is reserved for engine-internal faults (store failures,
// corrupt graphs); step failures become outcomes, not errors.
func (w *walker) walk(ctx context.Context, graphName string, g *compile.Graph, start string, rc *RunContext) (walkOutcome, error) {
	cur := start
	for cur != "" {
		if err := ctx.Err(); err != nil {
			return 0, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		node := g.Node(cur)
		if node == nil {
			return 0, schema.NewErrorf(schema.ErrCodeStore,
				"graph %q has no node %q", graphName, cur)
		}
		nodeCtx := logging.WithNodeID(ctx, node.ID)

		var (
			next string
			out  walkOutcome
			err  error
		)
		switch node.Kind {
		case compile.NodeBranch:
			next, out, err = w.branchNode(nodeCtx, g, node, rc)
		case compile.NodeLoopHead:
			next, out, err = w.loopHeadNode(nodeCtx, g, node, rc)
		case compile.NodeAction:
			next, out, err = w.actionNode(nodeCtx, g, node, rc)
		case compile.NodeLoopTail:
			next, out, err = w.loopTailNode(nodeCtx, g, node, rc)
		case compile.NodeJump:
			next, out = node.Target, outcomeDone
		default:
			return 0, schema.NewErrorf(schema.ErrCodeStore,
				"graph %q node %q has unknown kind %q", graphName, cur, node.Kind)
		}
		if err != nil {
			return 0, err
		}
		if out == outcomeSuspended {
			// Cursor stays on this node so resume re-executes it with the
			// answer available. The checkpoint must be durable before the
			// run becomes resumable.
			if err := w.checkpoint(ctx, rc, graphName, cur, node.ID); err != nil {
				return 0, err
			}
			return outcomeSuspended, nil
		}
		if err := w.checkpoint(ctx, rc, graphName, next, node.ID); err != nil {
			return 0, err
		}
		if out != outcomeDone {
			return out, nil
		}
		cur = next
	}
	return outcomeDone, nil
}

// checkpoint persists the run context with the cursor pointing at the node
// to execute next.
func (w *walker) checkpoint(ctx context.Context, rc *RunContext, graphName, nextNode, executedNode string) error {
	rc.Cursor = Cursor{Graph: graphName, Node: nextNode}
	state, err := rc.snapshot()
	if err != nil {
		return err
	}
	cp := &store.Checkpoint{RunID: rc.RunID, NodeID: executedNode, State: state}
	if err := w.eng.store.AppendCheckpoint(ctx, cp); err != nil {
		return err
	}
	w.sink.emit(schema.EventCheckpointWritten, "", map[string]any{
		"seq": cp.Seq, "node_id": executedNode,
	})
	return nil
}

// branchNode evaluates the step's if expression. A false condition marks
// the step skipped with an empty outputs map so later references resolve
// to nil and flow through default(...).
func (w *walker) branchNode(ctx context.Context, g *compile.Graph, node *compile.Node, rc *RunContext) (string, walkOutcome, error) {
	step := node.Step
	frame := rc.LoopFrames[step.ID]

	ok, err := w.evalCond(ctx, step.If, rc, frame)
	if err != nil {
		return w.routeFailure(ctx, g, node, rc, schema.NewErrorf(schema.ErrCodeExpression,
			"if condition for step %q: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err))
	}
	if ok {
		return node.Next, outcomeDone, nil
	}
	rc.record(step.ID, &StepExecution{Status: schema.StepStatusSkipped, Outputs: map[string]any{}})
	w.sink.emit(schema.EventStepSkipped, step.ID, nil)
	return node.Else, outcomeDone, nil
}

// loopHeadNode materializes the loop sequence on first entry and starts an
// iteration on every pass.
func (w *walker) loopHeadNode(ctx context.Context, g *compile.Graph, node *compile.Node, rc *RunContext) (string, walkOutcome, error) {
	step := node.Step
	frame, exists := rc.LoopFrames[step.ID]
	if !exists {
		items, err := w.evalLoopItems(ctx, step.Loop, rc)
		if err != nil {
			return w.routeFailure(ctx, g, node, rc, err)
		}
		frame = &LoopFrame{StepID: step.ID, Items: items}
		rc.LoopFrames[step.ID] = frame
		if len(items) == 0 {
			w.sink.emit(schema.EventLoopCompleted, step.ID, map[string]any{"iterations": 0})
			rc.record(step.ID, &StepExecution{
				Status:  schema.StepStatusSkipped,
				Outputs: loopSummary(frame),
			})
			return node.Else, outcomeDone, nil
		}
	}
	w.sink.emit(schema.EventLoopIterStarted, step.ID, map[string]any{
		"index": frame.Index, "item": frame.Item(),
	})
	return node.Next, outcomeDone, nil
}

// loopTailNode collects the iteration result, checks break_if, and either
// exits the loop or takes the back-edge.
func (w *walker) loopTailNode(ctx context.Context, g *compile.Graph, node *compile.Node, rc *RunContext) (string, walkOutcome, error) {
	step := node.Step
	frame := rc.LoopFrames[step.ID]
	if frame == nil {
		return "", 0, schema.NewErrorf(schema.ErrCodeStore,
			"loop tail for %q without a frame", step.ID)
	}

	if exec := rc.Steps[step.ID]; exec != nil && exec.Outputs != nil {
		frame.Outputs = append(frame.Outputs, exec.Outputs)
	} else {
		frame.Outputs = append(frame.Outputs, map[string]any{})
	}
	w.sink.emit(schema.EventLoopIterCompleted, step.ID, map[string]any{"index": frame.Index})

	if step.BreakIf != "" {
		broke, err := w.evalCond(ctx, step.BreakIf, rc, frame)
		if err != nil {
			return w.routeFailure(ctx, g, node, rc, schema.NewErrorf(schema.ErrCodeExpression,
				"break_if for step %q: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err))
		}
		if broke {
			frame.BreakEarly = true
			frame.BreakIndex = frame.Index + 1
			frame.BreakItem = frame.Item()
			w.sink.emit(schema.EventLoopBroken, step.ID, map[string]any{
				"break_index": frame.BreakIndex, "break_item": frame.BreakItem,
			})
			rc.record(step.ID, &StepExecution{Status: schema.StepStatusSucceeded, Outputs: loopSummary(frame)})
			return node.Next, outcomeDone, nil
		}
	}

	frame.Index++
	if frame.Index >= len(frame.Items) {
		w.sink.emit(schema.EventLoopCompleted, step.ID, map[string]any{
			"iterations": len(frame.Outputs),
		})
		// continue_on_error tolerates partial failure, not a loop with no
		// successful iteration.
		if frame.Failures == len(frame.Items) && step.OnFailure == "" {
			cause := schema.NewErrorf(schema.ErrCodeAction,
				"loop step %q: all %d iterations failed", step.ID, frame.Failures).
				WithStep(step.ID)
			rc.Failure = errorScope(step.ID, cause)
			now := time.Now().UTC()
			rc.record(step.ID, &StepExecution{
				Status:      schema.StepStatusFailed,
				Outputs:     loopSummary(frame),
				Error:       rc.Failure,
				CompletedAt: &now,
			})
			w.sink.emit(schema.EventStepFailed, step.ID, rc.Failure)
			return "", outcomeFailed, nil
		}
		rc.record(step.ID, &StepExecution{Status: schema.StepStatusSucceeded, Outputs: loopSummary(frame)})
		return node.Next, outcomeDone, nil
	}
	return node.Else, outcomeDone, nil
}

// loopSummary is the loop step's final outputs once iteration stops.
func loopSummary(frame *LoopFrame) map[string]any {
	out := map[string]any{
		"results":     append([]any{}, frame.Outputs...),
		"iterations":  len(frame.Outputs),
		"break_early": frame.BreakEarly,
	}
	if frame.BreakEarly {
		out["break_index"] = frame.BreakIndex
		out["break_item"] = frame.BreakItem
	}
	if frame.Failures > 0 {
		out["failures"] = frame.Failures
	}
	return out
}

// actionNode resolves, scans, dispatches, and records one step execution.
func (w *walker) actionNode(ctx context.Context, g *compile.Graph, node *compile.Node, rc *RunContext) (string, walkOutcome, error) {
	step := node.Step
	ctx = logging.WithStepID(ctx, step.ID)
	frame := rc.LoopFrames[step.ID]

	err := w.executeStep(ctx, step, rc, frame)

	switch {
	case err == nil:
		return node.Next, outcomeDone, nil

	case isSuspend(err):
		var sig *schema.SuspendSignal
		errors.As(err, &sig)
		w.suspended = sig
		now := time.Now().UTC()
		rc.record(step.ID, &StepExecution{Status: schema.StepStatusSuspended, StartedAt: &now})
		w.sink.emit(schema.EventStepSuspended, step.ID, map[string]any{"prompt": sig.Prompt})
		return "", outcomeSuspended, nil

	case isControl(err):
		var sig *schema.ControlSignal
		errors.As(err, &sig)
		rc.record(step.ID, &StepExecution{
			Status:  schema.StepStatusSucceeded,
			Outputs: map[string]any{"message": sig.Message},
		})
		w.sink.emit(schema.EventStepCompleted, step.ID, map[string]any{"message": sig.Message})
		if sig.Fail {
			rc.Failure = map[string]any{
				"message": sig.Message,
				"code":    schema.ErrCodeAction,
				"step":    step.ID,
			}
			w.exitFail = true
		}
		return "", outcomeExited, nil

	default:
		return w.routeFailure(ctx, g, node, rc, err)
	}
}

// routeFailure applies the propagation policy for a step failure: a
// guardrail jump target or the node's own on_failure edge first, then the
// enclosing loop's continue_on_error, then abort.
func (w *walker) routeFailure(ctx context.Context, g *compile.Graph, node *compile.Node, rc *RunContext, cause error) (string, walkOutcome, error) {
	step := node.Step
	rc.Failure = errorScope(step.ID, cause)

	exec := rc.Steps[step.ID]
	if exec == nil || exec.Status != schema.StepStatusFailed {
		prior := exec
		exec = &StepExecution{Status: schema.StepStatusFailed, Error: rc.Failure}
		if prior != nil {
			exec.Outputs = prior.Outputs
			exec.Attempts = prior.Attempts
			exec.StartedAt = prior.StartedAt
		}
		now := time.Now().UTC()
		exec.CompletedAt = &now
		rc.record(step.ID, exec)
	}
	w.sink.emit(schema.EventStepFailed, step.ID, rc.Failure)
	logging.LogWith(ctx, w.eng.logger).Warn("step failed", "error", cause.Error())

	if target := guardrailJump(cause); target != "" {
		if entry := stepEntryIn(g, target); entry != "" {
			w.sink.emit(schema.EventErrorHandlerInvoked, step.ID, map[string]any{
				"target": target, "source": "guardrail",
			})
			return entry, outcomeDone, nil
		}
	}
	if node.OnFail != "" {
		w.sink.emit(schema.EventErrorHandlerInvoked, step.ID, map[string]any{
			"target": step.OnFailure,
		})
		return node.OnFail, outcomeDone, nil
	}
	if step.ContinueOnError {
		if frame := rc.LoopFrames[step.ID]; frame != nil {
			frame.Failures++
		}
		return node.Next, outcomeDone, nil
	}
	return "", outcomeFailed, nil
}

// errorScope shapes a failure for the error.* expression namespace.
func errorScope(stepID string, err error) map[string]any {
	scope := map[string]any{
		"message": err.Error(),
		"step":    stepID,
		"code":    schema.ErrCodeAction,
	}
	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		scope["code"] = lerr.Code
		scope["message"] = lerr.Message
		if len(lerr.Details) > 0 {
			scope["details"] = lerr.Details
		}
	}
	return scope
}

// executeStep runs one step to a result, applying guardrails, the retry
// policy, and the per-step timeout. Guardrail violations retry under the
// guardrail's own budget; collaborator failures under the step's retry
// policy.
func (w *walker) executeStep(ctx context.Context, step *schema.Step, rc *RunContext, frame *LoopFrame) error {
	cfg := guardrail.Effective(w.def.Guardrails, step.Guardrails)
	guardMode, _ := guardrail.FailureMode(cfg)

	maxAttempts := 1
	if step.Retry != nil && step.Retry.Max > 0 {
		maxAttempts = step.Retry.Max + 1
	}

	var lastErr error
	attempts, guardAttempts := 0, 0
	for {
		_, err := w.attemptStep(ctx, step, rc, frame, cfg, attempts+guardAttempts)
		if err == nil {
			return nil
		}
		if isSuspend(err) || isControl(err) {
			return err
		}
		lastErr = err

		if isGuardrailErr(err) {
			if guardMode == guardrail.OnFailRetry && cfg != nil && guardAttempts < cfg.MaxRetries {
				guardAttempts++
				w.sink.emit(schema.EventStepRetrying, step.ID, map[string]any{
					"attempt": guardAttempts, "reason": "guardrail",
				})
				continue
			}
			return lastErr
		}

		attempts++
		if attempts >= maxAttempts || !IsRetryableError(err) {
			break
		}
		w.sink.emit(schema.EventStepRetrying, step.ID, map[string]any{"attempt": attempts})
		if werr := WaitForBackoff(ctx, ComputeBackoff(step.Retry, attempts-1)); werr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(werr)
		}
	}
	if step.Retry != nil && step.Retry.Max > 0 && attempts >= maxAttempts && IsRetryableError(lastErr) {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %q failed after %d attempts: %s", step.ID, attempts, lastErr.Error()).
			WithStep(step.ID).WithCause(lastErr)
	}
	return lastErr
}

func isGuardrailErr(err error) bool {
	var lerr *schema.LoomError
	return errors.As(err, &lerr) && lerr.Code == schema.ErrCodeGuardrail
}

// guardrailJump extracts the jump target from a guardrail violation whose
// on_fail names a step.
func guardrailJump(err error) string {
	var lerr *schema.LoomError
	if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeGuardrail {
		return ""
	}
	target, _ := lerr.Details["jump"].(string)
	return target
}

// stepEntryIn resolves a step ID to its entry node in a graph.
func stepEntryIn(g *compile.Graph, stepID string) string {
	for _, suffix := range []string{":head", ":branch", ""} {
		if g.Node(stepID+suffix) != nil {
			return stepID + suffix
		}
	}
	return ""
}

// attemptStep is a single dispatch attempt: resolve inputs, input scan,
// invoke, output scan, record.
func (w *walker) attemptStep(ctx context.Context, step *schema.Step, rc *RunContext, frame *LoopFrame, cfg *schema.GuardrailSpec, attempt int) (map[string]any, error) {
	start := time.Now().UTC()
	rc.record(step.ID, &StepExecution{Status: schema.StepStatusRunning, StartedAt: &start, Attempts: attempt + 1})
	if attempt == 0 {
		w.sink.emit(schema.EventStepStarted, step.ID, nil)
	}

	actionName, with, err := w.resolveStep(ctx, step, rc, frame)
	if err != nil {
		return nil, err
	}

	// Input guardrails see the fully resolved payload.
	if cfg != nil && len(cfg.Input) > 0 {
		scanned, err := w.scanPhase(ctx, cfg, guardrail.PhaseInput, step, inputPayload(with))
		if err != nil {
			return nil, err
		}
		if scanned != "" {
			applyInputRedaction(with, scanned)
		}
	}

	if err := w.eng.breakers.Allow(actionName); err != nil {
		var lerr *schema.LoomError
		if errors.As(err, &lerr) && lerr.Code == schema.ErrCodeCircuitOpen {
			w.sink.emit(schema.EventCircuitBreakerOpen, step.ID, map[string]any{"action": actionName})
		}
		return nil, err
	}

	action, err := w.eng.registry.Get(actionName)
	if err != nil {
		return nil, err
	}

	view := &runView{rc: rc, eval: w.eng.eval, frame: frame, log: w.sink}
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	out, execErr := action.Execute(stepCtx, actions.Input{StepID: step.ID, With: with, Run: view})
	cancel()

	outputs := map[string]any{}
	if out != nil && out.Outputs != nil {
		outputs = out.Outputs
	}

	if execErr != nil {
		if isSuspend(execErr) || isControl(execErr) {
			return nil, execErr
		}
		w.eng.breakers.RecordFailure(actionName)
		// Failed dispatches still record their outputs so on_failure
		// handlers can read exit codes and stderr.
		if out != nil && out.Outputs != nil {
			exec := rc.Steps[step.ID]
			exec.Outputs = out.Outputs
		}
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step %q timed out after %s", step.ID, step.Timeout()).
				WithStep(step.ID).WithCause(execErr)
		}
		return nil, execErr
	}
	w.eng.breakers.RecordSuccess(actionName)

	// Output guardrails see stdout when present, the outputs JSON otherwise.
	if cfg != nil && len(cfg.Output) > 0 {
		scanned, err := w.scanPhase(ctx, cfg, guardrail.PhaseOutput, step, outputPayload(outputs))
		if err != nil {
			return nil, err
		}
		if scanned != "" {
			applyOutputRedaction(outputs, scanned)
		}
	}

	now := time.Now().UTC()
	rc.record(step.ID, &StepExecution{
		Status:      schema.StepStatusSucceeded,
		Outputs:     outputs,
		Attempts:    attempt + 1,
		StartedAt:   &start,
		CompletedAt: &now,
	})
	w.sink.emit(schema.EventStepCompleted, step.ID, map[string]any{
		"outputs":     outputs,
		"duration_ms": now.Sub(start).Milliseconds(),
	})
	return outputs, nil
}

// resolveStep interpolates the step's inputs and names the action to
// dispatch. Inline run steps go to the "run" action; the argv form
// bypasses the shell.
func (w *walker) resolveStep(ctx context.Context, step *schema.Step, rc *RunContext, frame *LoopFrame) (string, map[string]any, error) {
	scope := rc.scope(frame)

	if step.Run != nil {
		with := map[string]any{}
		if step.Run.IsArgv() {
			argv := make([]any, len(step.Run.Argv))
			for i, a := range step.Run.Argv {
				v, err := w.eng.eval.InterpolateString(ctx, a, scope)
				if err != nil {
					return "", nil, resolveErr(step.ID, err)
				}
				argv[i] = v
			}
			with["argv"] = argv
		} else {
			cmd, err := w.eng.eval.InterpolateString(ctx, step.Run.Command, scope)
			if err != nil {
				return "", nil, resolveErr(step.ID, err)
			}
			with["command"] = cmd
		}
		if step.CaptureMode != "" {
			with["capture_mode"] = string(step.Capture())
		}
		if len(rc.Env) > 0 {
			env := make(map[string]any, len(rc.Env))
			for k, v := range rc.Env {
				env[k] = expr.Stringify(v)
			}
			with["env"] = env
		}
		return "run", with, nil
	}

	resolved, err := w.eng.eval.InterpolateValue(ctx, step.With, scope)
	if err != nil {
		return "", nil, resolveErr(step.ID, err)
	}
	with, _ := resolved.(map[string]any)
	if with == nil {
		with = map[string]any{}
	}
	// control/wait re-evaluates its until condition on every poll, so it
	// must receive the expression source, not a value resolved once here.
	if step.Uses == "control/wait" {
		if raw, ok := step.With["until"].(string); ok {
			with["until"] = raw
		}
	}
	return step.Uses, with, nil
}

func resolveErr(stepID string, err error) error {
	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		return lerr.WithStep(stepID)
	}
	return schema.NewErrorf(schema.ErrCodeExpression,
		"resolve step %q inputs: %s", stepID, err.Error()).WithStep(stepID).WithCause(err)
}

// scanPhase runs one guardrail phase and applies its on_fail policy.
// Returns the redacted payload ("" when unchanged) or a GUARDRAIL_VIOLATION
// error for the abort policy. The retry policy re-scans are handled by the
// caller re-running the step via failure routing on the returned error.
func (w *walker) scanPhase(ctx context.Context, cfg *schema.GuardrailSpec, phase guardrail.Phase, step *schema.Step, payload string) (string, error) {
	res, err := w.eng.guard.Scan(ctx, cfg, phase, payload)
	if err != nil {
		return "", err
	}
	if res.Redacted {
		w.sink.emit(schema.EventGuardrailRedacted, step.ID, map[string]any{"phase": string(phase)})
	}
	if res.Pass {
		if res.Redacted {
			return res.Payload, nil
		}
		return "", nil
	}

	w.sink.emit(schema.EventGuardrailViolation, step.ID, map[string]any{
		"phase":      string(phase),
		"violations": res.Violations,
	})

	mode, jump := guardrail.FailureMode(cfg)
	if mode == guardrail.OnFailContinue {
		logging.LogWith(ctx, w.eng.logger).Warn("guardrail violation, continuing",
			"phase", string(phase), "violations", len(res.Violations))
		if res.Redacted {
			return res.Payload, nil
		}
		return "", nil
	}

	details := map[string]any{"phase": string(phase), "violations": res.Violations}
	if jump != "" {
		details["jump"] = jump
	}
	return "", schema.NewErrorf(schema.ErrCodeGuardrail,
		"guardrail violation on step %q %s: %s", step.ID, phase, describeViolations(res.Violations)).
		WithStep(step.ID).
		WithDetails(details)
}

func describeViolations(vs []guardrail.Violation) string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Scanner
	}
	return strings.Join(names, ", ")
}

// inputPayload renders resolved step inputs for scanning: the command
// string for run steps, the with-map JSON otherwise.
func inputPayload(with map[string]any) string {
	if cmd, ok := with["command"].(string); ok {
		return cmd
	}
	b, err := json.Marshal(with)
	if err != nil {
		return ""
	}
	return string(b)
}

// applyInputRedaction writes a redacted payload back into the resolved
// inputs. Command strings are replaced directly; JSON payloads only when
// they still parse.
func applyInputRedaction(with map[string]any, scanned string) {
	if _, ok := with["command"].(string); ok {
		with["command"] = scanned
		return
	}
	var redacted map[string]any
	if err := json.Unmarshal([]byte(scanned), &redacted); err == nil {
		for k := range with {
			delete(with, k)
		}
		for k, v := range redacted {
			with[k] = v
		}
	}
}

func outputPayload(outputs map[string]any) string {
	if stdout, ok := outputs["stdout"].(string); ok && stdout != "" {
		return stdout
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return ""
	}
	return string(b)
}

func applyOutputRedaction(outputs map[string]any, scanned string) {
	if _, ok := outputs["stdout"].(string); ok {
		outputs["stdout"] = scanned
		return
	}
	var redacted map[string]any
	if err := json.Unmarshal([]byte(scanned), &redacted); err == nil {
		for k := range outputs {
			delete(outputs, k)
		}
		for k, v := range redacted {
			outputs[k] = v
		}
	}
}

// evalCond evaluates a boolean step expression, accepting both bare
// expressions and ${{ }} interpolated forms.
func (w *walker) evalCond(ctx context.Context, source string, rc *RunContext, frame *LoopFrame) (bool, error) {
	scope := rc.scope(frame)
	if expr.HasInterpolation(source) {
		out, err := w.eng.eval.Interpolate(ctx, source, scope)
		if err != nil {
			return false, err
		}
		return expr.Truthy(out), nil
	}
	return w.eng.eval.EvalBool(ctx, source, scope)
}

// evalLoopItems materializes a loop expression into its item list.
func (w *walker) evalLoopItems(ctx context.Context, source string, rc *RunContext) ([]any, error) {
	scope := rc.scope(nil)
	var (
		val any
		err error
	)
	if expr.HasInterpolation(source) {
		val, err = w.eng.eval.Interpolate(ctx, source, scope)
	} else {
		val, err = w.eng.eval.Eval(ctx, source, scope)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"loop expression: %s", err.Error()).WithCause(err)
	}
	switch items := val.(type) {
	case []any:
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"loop expression must evaluate to a list, got %T", val)
	}
}

func isSuspend(err error) bool {
	var sig *schema.SuspendSignal
	return errors.As(err, &sig)
}

func isControl(err error) bool {
	var sig *schema.ControlSignal
	return errors.As(err, &sig)
}
