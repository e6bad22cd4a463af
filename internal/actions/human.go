package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

// HumanActions returns the human-in-the-loop actions. Both suspend the run
// when no answer is queued and no default applies; resumption re-executes
// the same node with the answer available.
func HumanActions() []Action {
	return []Action{
		&humanInputAction{},
		&humanDecideAction{},
	}
}

type humanInputAction struct{}

func (a *humanInputAction) Name() string { return "human/input" }

func (a *humanInputAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Ask the operator for a free-form value; suspends the run until answered unless a default applies.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "default": {}
  },
  "required": ["prompt"]
}`),
		OutputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "response": {},
    "is_default": {"type": "boolean"}
  }
}`),
	}
}

func (a *humanInputAction) Validate(with map[string]any) error {
	if stringParam(with, "prompt", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "human/input: missing required param 'prompt'")
	}
	return nil
}

func (a *humanInputAction) Execute(_ context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}

	if answer, ok := input.Run.Answer(input.StepID); ok {
		return &Output{Outputs: map[string]any{
			"response":   answer,
			"is_default": false,
		}}, nil
	}
	if def, ok := with["default"]; ok {
		return &Output{Outputs: map[string]any{
			"response":   def,
			"is_default": true,
		}}, nil
	}
	return nil, &schema.SuspendSignal{
		StepID: input.StepID,
		Prompt: stringParam(with, "prompt", ""),
	}
}

type humanDecideAction struct{}

func (a *humanDecideAction) Name() string { return "human/decide" }

func (a *humanDecideAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Ask the operator to pick one of a fixed set of options; suspends until answered.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "options": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "default": {"type": "string"}
  },
  "required": ["prompt", "options"]
}`),
		OutputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "value": {"type": "string"},
    "confirmed": {"type": "boolean"}
  }
}`),
	}
}

func (a *humanDecideAction) Validate(with map[string]any) error {
	if stringParam(with, "prompt", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "human/decide: missing required param 'prompt'")
	}
	if len(stringSliceParam(with, "options")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "human/decide: missing required param 'options'")
	}
	return nil
}

func (a *humanDecideAction) Execute(_ context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}
	options := stringSliceParam(with, "options")

	if answer, ok := input.Run.Answer(input.StepID); ok {
		value := fmt.Sprintf("%v", answer)
		for _, opt := range options {
			if strings.EqualFold(value, opt) {
				return &Output{Outputs: map[string]any{
					"value":     opt,
					"confirmed": true,
				}}, nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeAction,
			"human/decide: answer %q is not one of the options", value)
	}

	if def := stringParam(with, "default", ""); def != "" {
		return &Output{Outputs: map[string]any{
			"value":     def,
			"confirmed": false,
		}}, nil
	}

	return nil, &schema.SuspendSignal{
		StepID:  input.StepID,
		Prompt:  stringParam(with, "prompt", ""),
		Options: options,
	}
}
