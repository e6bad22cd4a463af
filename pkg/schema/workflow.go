package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the parsed, immutable representation of one workflow
// document. It is constructed once per document and shared read-only across
// all runs of that document.
type WorkflowDefinition struct {
	Name          string                `json:"name" yaml:"name"`
	Version       string                `json:"version,omitempty" yaml:"version"`
	SchemaVersion string                `json:"schema_version,omitempty" yaml:"schema_version"`
	Description   string                `json:"description,omitempty" yaml:"description"`
	Inputs        map[string]*InputSpec `json:"inputs,omitempty" yaml:"inputs"`
	Env           map[string]string     `json:"env,omitempty" yaml:"env"`
	Jobs          []*Job                `json:"jobs"`
	Finally       []*Step               `json:"finally,omitempty" yaml:"finally"`
	OnComplete    []*Step               `json:"on_complete,omitempty" yaml:"on_complete"`
	OnFailure     []*Step               `json:"on_failure,omitempty" yaml:"on_failure"`
	Guardrails    *GuardrailSpec        `json:"guardrails,omitempty" yaml:"guardrails"`
}

// Job is a named ordered list of steps plus its own finally list.
// Jobs preserve document declaration order.
type Job struct {
	Name    string  `json:"name"`
	Steps   []*Step `json:"steps" yaml:"steps"`
	Finally []*Step `json:"finally,omitempty" yaml:"finally"`
}

// Step is the unit of compilation: an immutable template node. Runtime state
// lives in the engine's StepExecution, never here.
type Step struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name,omitempty" yaml:"name"`
	Run             *RunCommand     `json:"run,omitempty" yaml:"run"`
	Uses            string          `json:"uses,omitempty" yaml:"uses"`
	With            map[string]any  `json:"with,omitempty" yaml:"with"`
	If              string          `json:"if,omitempty" yaml:"if"`
	Loop            string          `json:"loop,omitempty" yaml:"loop"`
	BreakIf         string          `json:"break_if,omitempty" yaml:"break_if"`
	ContinueOnError bool            `json:"continue_on_error,omitempty" yaml:"continue_on_error"`
	OnFailure       string          `json:"on_failure,omitempty" yaml:"on_failure"`
	TimeoutSeconds  int             `json:"timeout,omitempty" yaml:"timeout"`
	CaptureMode     CaptureMode     `json:"capture_mode,omitempty" yaml:"capture_mode"`
	Interactive     bool            `json:"interactive,omitempty" yaml:"interactive"`
	Guardrails      *StepGuardrails `json:"guardrails,omitempty" yaml:"guardrails"`
	Retry           *RetryPolicy    `json:"retry,omitempty" yaml:"retry"`
}

// DefaultStepTimeoutSeconds applies when a step declares no timeout.
const DefaultStepTimeoutSeconds = 300

// CaptureMode controls where a step's stdout/stderr is kept.
type CaptureMode string

const (
	CaptureMemory CaptureMode = "memory"
	CaptureFile   CaptureMode = "file"
	CaptureNone   CaptureMode = "none"
)

// InputSpec declares one workflow input.
type InputSpec struct {
	Type     InputType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required"`
	Default  any       `json:"default,omitempty" yaml:"default"`
	Pattern  string    `json:"pattern,omitempty" yaml:"pattern"`
	Min      *float64  `json:"min,omitempty" yaml:"min"`
	Max      *float64  `json:"max,omitempty" yaml:"max"`
}

// InputType enumerates the declared input value types.
type InputType string

const (
	InputString  InputType = "string"
	InputInteger InputType = "integer"
	InputBoolean InputType = "boolean"
	InputFile    InputType = "file"
)

// RetryPolicy configures automatic re-execution of a failed step.
type RetryPolicy struct {
	Max     int    `json:"max" yaml:"max"`
	Backoff string `json:"backoff,omitempty" yaml:"backoff"` // none | constant | linear | exponential
	Delay   string `json:"delay,omitempty" yaml:"delay"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay"`
}

// GuardrailSpec configures the scanner pipeline around action dispatch.
type GuardrailSpec struct {
	Input      []*ScannerSpec `json:"input,omitempty" yaml:"input"`
	Output     []*ScannerSpec `json:"output,omitempty" yaml:"output"`
	OnFail     string         `json:"on_fail,omitempty" yaml:"on_fail"` // abort | retry | continue | <step id>
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries"`
}

// ScannerSpec configures one guardrail scanner.
type ScannerSpec struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind,omitempty" yaml:"kind"` // regex | secrets | pii | max_size | rule
	Pattern  string `json:"pattern,omitempty" yaml:"pattern"`
	Rule     string `json:"rule,omitempty" yaml:"rule"` // CEL predicate for kind=rule
	MaxBytes int64  `json:"max_bytes,omitempty" yaml:"max_bytes"`
	Redact   bool   `json:"redact,omitempty" yaml:"redact"`
	Severity string `json:"severity,omitempty" yaml:"severity"`
}

// StepGuardrails is a step-level guardrail override: either a full spec that
// is deep-merged over the workflow defaults, or `false` to disable scanning
// for the step entirely.
type StepGuardrails struct {
	Disabled bool
	Spec     *GuardrailSpec
}

// UnmarshalYAML accepts `guardrails: false` or a nested GuardrailSpec mapping.
func (g *StepGuardrails) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("guardrails: expected boolean or mapping")
		}
		if b {
			// `guardrails: true` means "use workflow defaults"; same as absent.
			g.Spec = &GuardrailSpec{}
			return nil
		}
		g.Disabled = true
		return nil
	}
	var spec GuardrailSpec
	if err := node.Decode(&spec); err != nil {
		return err
	}
	g.Spec = &spec
	return nil
}

// MarshalJSON keeps the disabled form round-trippable in checkpoints.
func (g *StepGuardrails) MarshalJSON() ([]byte, error) {
	if g.Disabled {
		return []byte("false"), nil
	}
	return json.Marshal(g.Spec)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (g *StepGuardrails) UnmarshalJSON(data []byte) error {
	if string(data) == "false" {
		g.Disabled = true
		return nil
	}
	if string(data) == "true" {
		g.Spec = &GuardrailSpec{}
		return nil
	}
	var spec GuardrailSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	g.Spec = &spec
	return nil
}

// RunCommand is a step's shell command: either a single string executed via
// the shell, or an argv array that bypasses the shell entirely.
type RunCommand struct {
	Command string   // string form; interpolations must be shell-quoted
	Argv    []string // array form; no shell, no quoting needed
}

// IsArgv reports whether the command is in array form.
func (r *RunCommand) IsArgv() bool { return r != nil && len(r.Argv) > 0 }

// UnmarshalYAML accepts a scalar command string or a token sequence.
func (r *RunCommand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Command)
	case yaml.SequenceNode:
		return node.Decode(&r.Argv)
	default:
		return fmt.Errorf("run: expected string or array of tokens")
	}
}

// MarshalJSON emits the original shape: a string or an array.
func (r *RunCommand) MarshalJSON() ([]byte, error) {
	if r.IsArgv() {
		return json.Marshal(r.Argv)
	}
	return json.Marshal(r.Command)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *RunCommand) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &r.Argv)
	}
	return json.Unmarshal(data, &r.Command)
}

// Timeout returns the effective step timeout. TimeoutSeconds is declared in
// whole seconds; the default applies when the step declares none.
func (s *Step) Timeout() time.Duration {
	secs := s.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultStepTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Capture returns the effective capture mode.
func (s *Step) Capture() CaptureMode {
	if s.CaptureMode == "" {
		return CaptureMemory
	}
	return s.CaptureMode
}

// Job returns the job with the given name, or nil.
func (d *WorkflowDefinition) Job(name string) *Job {
	for _, j := range d.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}
