package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

// Provider is the LLM completion backend. Implementations must be safe for
// concurrent use by multiple runs.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompletionRequest is one prompt sent to the provider.
type CompletionRequest struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	// JSON requests strictly-JSON output from the provider.
	JSON bool `json:"json,omitempty"`
}

// Completion is the provider's response.
type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// PayloadValidator checks a value against a JSON Schema. Satisfied by
// validate.Validator.
type PayloadValidator interface {
	ValidatePayload(payload any, schemaBytes []byte) error
}

// LLMConfig configures the llm/* actions.
type LLMConfig struct {
	Provider Provider
	// Airgapped routes llm/instruct through the operator instead of a
	// provider: the prompt is surfaced as instructions and the run suspends
	// until feedback is supplied. Implied when Provider is nil.
	Airgapped bool
	Validator PayloadValidator
}

// LLMActions returns the llm/* actions.
func LLMActions(cfg LLMConfig) []Action {
	if cfg.Provider == nil {
		cfg.Airgapped = true
	}
	return []Action{
		&llmExtractAction{cfg: cfg},
		&llmDecideAction{cfg: cfg},
		&llmTextAction{cfg: cfg, name: "llm/analyze", outputKey: "analysis",
			system: "You are an analyst. Examine the provided material and report your analysis."},
		&llmTextAction{cfg: cfg, name: "llm/generate", outputKey: "text",
			system: "Generate the requested content. Output only the content itself."},
		&llmInstructAction{cfg: cfg},
	}
}

func (cfg LLMConfig) complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if cfg.Provider == nil {
		return nil, schema.NewError(schema.ErrCodeAction, "llm provider not configured")
	}
	c, err := cfg.Provider.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeAction, "llm provider: %v", err).WithCause(err)
	}
	return c, nil
}

func requirePrompt(name string, with map[string]any) (string, error) {
	prompt := stringParam(with, "prompt", "")
	if prompt == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'prompt'", name)
	}
	return prompt, nil
}

// stripFences removes a surrounding markdown code fence from model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseJSONOutput(text string) (any, bool) {
	cleaned := stripFences(text)
	if !json.Valid([]byte(cleaned)) {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// --- llm/extract ---

type llmExtractAction struct {
	cfg LLMConfig
}

func (a *llmExtractAction) Name() string { return "llm/extract" }

func (a *llmExtractAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Extract structured fields from text; output keys match the caller-supplied JSON schema.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "schema": {"type": "object"}
  },
  "required": ["prompt", "schema"]
}`),
	}
}

func (a *llmExtractAction) Validate(with map[string]any) error {
	if _, err := requirePrompt(a.Name(), with); err != nil {
		return err
	}
	if _, ok := with["schema"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "llm/extract: missing required param 'schema' (object)")
	}
	return nil
}

func (a *llmExtractAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}
	prompt, _ := requirePrompt(a.Name(), with)
	schemaMap := with["schema"].(map[string]any)
	schemaBytes, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "llm/extract: marshal schema: %v", err).WithCause(err)
	}

	completion, err := a.cfg.complete(ctx, CompletionRequest{
		System: fmt.Sprintf("Extract the requested data. Respond with a single JSON object matching this JSON Schema, and nothing else:\n%s", schemaBytes),
		Prompt: prompt,
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	parsed, ok := parseJSONOutput(completion.Text)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeAction, "llm/extract: provider did not return valid JSON")
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeAction, "llm/extract: provider did not return a JSON object")
	}
	if a.cfg.Validator != nil {
		if err := a.cfg.Validator.ValidatePayload(obj, schemaBytes); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAction, "llm/extract: output does not match schema: %v", err).WithCause(err)
		}
	}
	return &Output{Outputs: obj}, nil
}

// --- llm/decide ---

type llmDecideAction struct {
	cfg LLMConfig
}

func (a *llmDecideAction) Name() string { return "llm/decide" }

func (a *llmDecideAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Choose one option from a fixed set of choices.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "choices": {"type": "array", "items": {"type": "string"}, "minItems": 1}
  },
  "required": ["prompt", "choices"]
}`),
		OutputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "decision": {"type": "string"},
    "choices": {"type": "array", "items": {"type": "string"}}
  }
}`),
	}
}

func (a *llmDecideAction) Validate(with map[string]any) error {
	if _, err := requirePrompt(a.Name(), with); err != nil {
		return err
	}
	if len(stringSliceParam(with, "choices")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "llm/decide: missing required param 'choices'")
	}
	return nil
}

func (a *llmDecideAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}
	prompt, _ := requirePrompt(a.Name(), with)
	choices := stringSliceParam(with, "choices")

	completion, err := a.cfg.complete(ctx, CompletionRequest{
		System: fmt.Sprintf("Decide between the following options and respond with exactly one of them, verbatim: %s", strings.Join(choices, ", ")),
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	answer := strings.TrimSpace(stripFences(completion.Text))
	decision := ""
	for _, c := range choices {
		if strings.EqualFold(answer, c) {
			decision = c
			break
		}
	}
	if decision == "" {
		for _, c := range choices {
			if strings.Contains(strings.ToLower(answer), strings.ToLower(c)) {
				decision = c
				break
			}
		}
	}
	if decision == "" {
		return nil, schema.NewErrorf(schema.ErrCodeAction,
			"llm/decide: provider answer %q matches none of the choices", tail(answer, 128))
	}

	choicesOut := make([]any, len(choices))
	for i, c := range choices {
		choicesOut[i] = c
	}
	return &Output{Outputs: map[string]any{
		"decision": decision,
		"choices":  choicesOut,
	}}, nil
}

// --- llm/analyze, llm/generate ---

type llmTextAction struct {
	cfg       LLMConfig
	name      string
	outputKey string
	system    string
}

func (a *llmTextAction) Name() string { return a.name }

func (a *llmTextAction) Schema() ActionSchema {
	return ActionSchema{
		Description: fmt.Sprintf("Free-form completion; the result is returned as %q, plus \"parsed\" when it is valid JSON.", a.outputKey),
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "data": {}
  },
  "required": ["prompt"]
}`),
	}
}

func (a *llmTextAction) Validate(with map[string]any) error {
	_, err := requirePrompt(a.name, with)
	return err
}

func (a *llmTextAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}
	prompt, _ := requirePrompt(a.name, with)

	if data, ok := with["data"]; ok && data != nil {
		encoded, err := json.Marshal(data)
		if err == nil {
			prompt = prompt + "\n\nData:\n" + string(encoded)
		}
	}

	completion, err := a.cfg.complete(ctx, CompletionRequest{System: a.system, Prompt: prompt})
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{a.outputKey: completion.Text}
	if parsed, ok := parseJSONOutput(completion.Text); ok {
		outputs["parsed"] = parsed
	}
	return &Output{Outputs: outputs}, nil
}

// --- llm/instruct ---

type llmInstructAction struct {
	cfg LLMConfig
}

func (a *llmInstructAction) Name() string { return "llm/instruct" }

func (a *llmInstructAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an instruction to the provider, or in airgapped mode surface it to the operator and suspend for feedback.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"}
  },
  "required": ["prompt"]
}`),
	}
}

func (a *llmInstructAction) Validate(with map[string]any) error {
	_, err := requirePrompt(a.Name(), with)
	return err
}

func (a *llmInstructAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}
	prompt, _ := requirePrompt(a.Name(), with)

	if a.cfg.Airgapped {
		answer, ok := input.Run.Answer(input.StepID)
		if !ok {
			return nil, &schema.SuspendSignal{StepID: input.StepID, Prompt: prompt}
		}
		feedback := fmt.Sprintf("%v", answer)
		outputs := map[string]any{
			"instructions": prompt,
			"feedback":     feedback,
		}
		if parsed, ok := parseJSONOutput(feedback); ok {
			outputs["parsed_json"] = parsed
		}
		return &Output{Outputs: outputs}, nil
	}

	completion, err := a.cfg.complete(ctx, CompletionRequest{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	return &Output{Outputs: map[string]any{
		"response": completion.Text,
		"model":    completion.Model,
	}}, nil
}
