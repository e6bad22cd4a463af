package actions

import (
	"context"
	"encoding/json"

	"github.com/loomctl/loom/pkg/schema"
)

// StateActions returns the actions mutating the run's `variables` mapping.
// They are the only writers of run variables.
func StateActions() []Action {
	return []Action{
		&stateSetAction{},
		&stateAppendAction{},
	}
}

type stateSetAction struct{}

func (a *stateSetAction) Name() string { return "state/set" }

func (a *stateSetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set a run variable.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "key": {"type": "string"},
    "value": {}
  },
  "required": ["key", "value"]
}`),
	}
}

func (a *stateSetAction) Validate(with map[string]any) error {
	if stringParam(with, "key", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "state/set: missing required param 'key'")
	}
	if _, ok := with["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "state/set: missing required param 'value'")
	}
	return nil
}

func (a *stateSetAction) Execute(_ context.Context, input Input) (*Output, error) {
	if err := a.Validate(input.With); err != nil {
		return nil, err
	}
	input.Run.SetVariable(stringParam(input.With, "key", ""), input.With["value"])
	return &Output{}, nil
}

type stateAppendAction struct{}

func (a *stateAppendAction) Name() string { return "state/append" }

func (a *stateAppendAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Append a value to a list-valued run variable, creating the list if absent.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "key": {"type": "string"},
    "value": {}
  },
  "required": ["key", "value"]
}`),
	}
}

func (a *stateAppendAction) Validate(with map[string]any) error {
	if stringParam(with, "key", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "state/append: missing required param 'key'")
	}
	if _, ok := with["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "state/append: missing required param 'value'")
	}
	return nil
}

func (a *stateAppendAction) Execute(_ context.Context, input Input) (*Output, error) {
	if err := a.Validate(input.With); err != nil {
		return nil, err
	}
	key := stringParam(input.With, "key", "")

	var list []any
	if existing, ok := input.Run.Variable(key); ok {
		switch v := existing.(type) {
		case []any:
			list = v
		case nil:
			// treat as empty
		default:
			return nil, schema.NewErrorf(schema.ErrCodeAction,
				"state/append: variable %q is not a list", key)
		}
	}
	list = append(list, input.With["value"])
	input.Run.SetVariable(key, list)

	return &Output{Outputs: map[string]any{key: list}}, nil
}
