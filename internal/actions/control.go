package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

const (
	defaultWaitTimeout  = 5 * time.Minute
	defaultWaitInterval = time.Second
)

// ControlActions returns the run-control actions.
func ControlActions() []Action {
	return []Action{
		&controlTerminateAction{name: "control/exit", fail: false},
		&controlTerminateAction{name: "control/fail", fail: true},
		&controlWaitAction{},
	}
}

// controlTerminateAction ends the run via a control signal. The engine still
// walks the finally subgraphs before settling on the terminal state.
type controlTerminateAction struct {
	name string
	fail bool
}

func (a *controlTerminateAction) Name() string { return a.name }

func (a *controlTerminateAction) Schema() ActionSchema {
	desc := "Exit the run successfully with status exited."
	if a.fail {
		desc = "Fail the run explicitly."
	}
	return ActionSchema{
		Description: desc,
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string"}
  }
}`),
	}
}

func (a *controlTerminateAction) Validate(map[string]any) error { return nil }

func (a *controlTerminateAction) Execute(_ context.Context, input Input) (*Output, error) {
	return nil, &schema.ControlSignal{
		Fail:    a.fail,
		Message: stringParam(input.With, "message", ""),
	}
}

// controlWaitAction polls an expression until it is true or the wait times
// out. The poll runs inside the step's own timeout context.
type controlWaitAction struct{}

func (a *controlWaitAction) Name() string { return "control/wait" }

func (a *controlWaitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Block until the `until` expression becomes true, bounded by `timeout`.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "until": {"type": "string"},
    "timeout": {"type": "string"},
    "interval": {"type": "string"}
  },
  "required": ["until"]
}`),
		OutputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "waited_ms": {"type": "integer"},
    "satisfied": {"type": "boolean"}
  }
}`),
	}
}

func (a *controlWaitAction) Validate(with map[string]any) error {
	if stringParam(with, "until", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "control/wait: missing required param 'until'")
	}
	return nil
}

func (a *controlWaitAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}
	until := stringParam(with, "until", "")
	timeout := durationParam(with, "timeout", defaultWaitTimeout)
	interval := durationParam(with, "interval", defaultWaitInterval)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := input.Run.EvalBool(waitCtx, until)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Output{Outputs: map[string]any{
				"waited_ms": time.Since(start).Milliseconds(),
				"satisfied": true,
			}}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"control/wait: condition not satisfied within %s", timeout)
		case <-ticker.C:
		}
	}
}
