package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomctl/loom/pkg/schema"
)

// WorkflowSchemaJSON is the JSON Schema (Draft 2020-12) for the canonical
// parsed form of a workflow document. Embedded as a constant to avoid
// filesystem dependencies; also served by the schema-export command.
const WorkflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomctl.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "jobs"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "schema_version": { "type": "string" },
    "description": { "type": "string" },
    "inputs": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/input" }
    },
    "env": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "jobs": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/job" }
    },
    "finally": { "$ref": "#/$defs/steps" },
    "on_complete": { "$ref": "#/$defs/steps" },
    "on_failure": { "$ref": "#/$defs/steps" },
    "guardrails": { "$ref": "#/$defs/guardrails" }
  },
  "additionalProperties": false,
  "$defs": {
    "job": {
      "type": "object",
      "required": ["name", "steps"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "steps": { "$ref": "#/$defs/steps" },
        "finally": { "$ref": "#/$defs/steps" }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "run": {
          "oneOf": [
            { "type": "string", "minLength": 1 },
            { "type": "array", "minItems": 1, "items": { "type": "string" } }
          ]
        },
        "uses": { "type": "string", "pattern": "^[a-z0-9_]+(/[a-z0-9_]+)?$" },
        "with": { "type": "object" },
        "if": { "type": "string" },
        "loop": { "type": "string" },
        "break_if": { "type": "string" },
        "continue_on_error": { "type": "boolean" },
        "on_failure": { "type": "string" },
        "timeout": { "type": "integer", "minimum": 1 },
        "capture_mode": { "type": "string", "enum": ["memory", "file", "none"] },
        "interactive": { "type": "boolean" },
        "guardrails": {
          "oneOf": [
            { "type": "boolean" },
            { "$ref": "#/$defs/guardrails" }
          ]
        },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "oneOf": [
        { "required": ["run"], "not": { "required": ["uses"] } },
        { "required": ["uses"], "not": { "required": ["run"] } }
      ],
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "type": "string", "pattern": "^[0-9]+(ms|s|m|h)$" },
        "max_delay": { "type": "string", "pattern": "^[0-9]+(ms|s|m|h)$" }
      },
      "additionalProperties": false
    },
    "input": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["string", "integer", "boolean", "file"] },
        "required": { "type": "boolean" },
        "default": {},
        "pattern": { "type": "string" },
        "min": { "type": "number" },
        "max": { "type": "number" }
      },
      "additionalProperties": false
    },
    "guardrails": {
      "type": "object",
      "properties": {
        "input": { "$ref": "#/$defs/scanners" },
        "output": { "$ref": "#/$defs/scanners" },
        "on_fail": { "type": "string" },
        "max_retries": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "scanners": {
      "type": "array",
      "items": { "$ref": "#/$defs/scanner" }
    },
    "scanner": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["regex", "secrets", "pii", "max_size", "rule"] },
        "pattern": { "type": "string" },
        "rule": { "type": "string" },
        "max_bytes": { "type": "integer", "minimum": 1 },
        "redact": { "type": "boolean" },
        "severity": { "type": "string", "enum": ["low", "medium", "high", "critical"] }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://loomctl.dev/schemas/workflow.json"

// structuralValidator checks the canonical document shape against the
// embedded JSON Schema. Safe for concurrent use.
type structuralValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas (llm/extract and
	// input contracts supplied by callers).
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(WorkflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &structuralValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// validateShape checks a parsed definition against the workflow schema and
// appends every violation to the report.
func (v *structuralValidator) validateShape(def *schema.WorkflowDefinition, report *schema.ValidationReport) {
	doc, err := toJSONValue(def)
	if err != nil {
		report.AddError("/", schema.ErrCodeValidation,
			"failed to serialize workflow definition: "+err.Error())
		return
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range collectViolations(err) {
			report.AddError(violation.path, schema.ErrCodeValidation, violation.message)
		}
	}
}

// ValidatePayload checks a value against a caller-supplied JSON Schema.
// The compiled schema is cached for subsequent calls; llm/extract and typed
// action contracts use this path.
func (v *structuralValidator) ValidatePayload(payload any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		violations := collectViolations(err)
		msgs := make([]string, len(violations))
		for i, violation := range violations {
			msgs[i] = fmt.Sprintf("%s: %s", violation.path, violation.message)
		}
		return schema.NewErrorf(schema.ErrCodeValidation,
			"payload validation failed: %s", strings.Join(msgs, "; ")).
			WithDetails(map[string]any{"violations": msgs})
	}
	return nil
}

func (v *structuralValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("loom://payload-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	return collectLeaves(verr)
}

func collectLeaves(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}
