package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

const validDoc = `
name: recon
version: "1.0"
inputs:
  target:
    type: string
    required: true
    pattern: "^[a-z0-9.-]+$"
  depth:
    type: integer
    default: 2
    min: 1
    max: 5
env:
  WORKDIR: /tmp/recon
jobs:
  scan:
    steps:
      - id: ports
        run: "nmap -p- ${{ inputs.target | shell_quote() }}"
      - id: summarize
        uses: llm/analyze
        with:
          prompt: "Summarize ${{ steps.ports.outputs.stdout | shell_quote() }}"
        if: "${{ steps.ports.outputs.exit_code == 0 }}"
    finally:
      - id: cleanup
        run: ["rm", "-rf", "/tmp/recon"]
`

func parseDoc(t *testing.T, doc string) *schema.WorkflowDefinition {
	t.Helper()
	def, err := schema.Parse([]byte(doc))
	require.NoError(t, err)
	return def
}

func newValidator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	v, err := New(opts...)
	require.NoError(t, err)
	return v
}

func TestValidate_ValidDocument(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, validDoc))
	assert.True(t, report.Valid(), "errors: %v", report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestValidate_NilDefinition(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(nil)
	assert.False(t, report.Valid())
}

func TestValidate_MissingName(t *testing.T) {
	v := newValidator(t)
	doc := strings.Replace(validDoc, "name: recon", "description: no name", 1)

	report := v.Validate(parseDoc(t, doc))
	assert.False(t, report.Valid())
}

func TestValidate_RunAndUsesExclusive(t *testing.T) {
	v := newValidator(t)

	t.Run("both", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: s
        run: "echo hi"
        uses: http/request
`))
		assert.False(t, report.Valid())
	})

	t.Run("neither", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: s
        name: does nothing
`))
		assert.False(t, report.Valid())
	})
}

func TestValidate_InputDeclarations(t *testing.T) {
	v := newValidator(t)

	t.Run("pattern on integer", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
inputs:
  n:
    type: integer
    pattern: "^[0-9]+$"
jobs:
  j:
    steps:
      - id: s
        run: "true"
`))
		assert.False(t, report.Valid())
		assert.Contains(t, report.Errors[0].Message, "pattern")
	})

	t.Run("min on string", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
inputs:
  s:
    type: string
    min: 1
jobs:
  j:
    steps:
      - id: s
        run: "true"
`))
		assert.False(t, report.Valid())
	})

	t.Run("default type mismatch", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
inputs:
  flag:
    type: boolean
    default: "yes"
jobs:
  j:
    steps:
      - id: s
        run: "true"
`))
		assert.False(t, report.Valid())
	})

	t.Run("invalid regexp", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
inputs:
  s:
    type: string
    pattern: "["
jobs:
  j:
    steps:
      - id: s
        run: "true"
`))
		assert.False(t, report.Valid())
	})
}

func TestValidate_ExpressionSyntax(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
      - id: b
        run: "true"
        if: "${{ steps.a.outputs.count > }}"
`))
	assert.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Path, ".if")
}

func TestValidate_UnknownNamespace(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "echo ${{ params.x }}"
`))
	assert.False(t, report.Valid())
}

func TestValidate_ForwardReference(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
        if: "${{ steps.b.outputs.ok }}"
      - id: b
        run: "true"
`))
	assert.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Message, "forward reference")
}

func TestValidate_CrossJobReferenceAllowed(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  first:
    steps:
      - id: a
        run: "true"
  second:
    steps:
      - id: b
        uses: state/set
        with:
          key: out
          value: "${{ steps.a.outputs.stdout }}"
`))
	assert.True(t, report.Valid(), "errors: %v", report.Errors)
}

func TestValidate_OnFailureTargets(t *testing.T) {
	v := newValidator(t)

	t.Run("forward target allowed", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
        on_failure: recover
      - id: recover
        run: "true"
`))
		assert.True(t, report.Valid(), "errors: %v", report.Errors)
	})

	t.Run("unknown target", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
        on_failure: nope
`))
		assert.False(t, report.Valid())
	})

	t.Run("self target", func(t *testing.T) {
		report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
        on_failure: a
`))
		assert.False(t, report.Valid())
	})
}

func TestValidate_LoopModifiers(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
        break_if: "${{ loop.index > 1 }}"
`))
	assert.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Message, "break_if requires loop")
}

func TestValidate_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        run: "true"
  k:
    steps:
      - id: a
        run: "true"
`))
	assert.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Message, "duplicate")
}

func TestValidate_InjectionWarning(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
inputs:
  target:
    type: string
jobs:
  j:
    steps:
      - id: a
        run: "nmap ${{ inputs.target }}"
`))
	assert.True(t, report.Valid())
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0].Message, "shell_quote")
}

func TestValidate_StrictPromotesWarnings(t *testing.T) {
	v := newValidator(t, WithStrict())

	report := v.Validate(parseDoc(t, `
name: w
inputs:
  target:
    type: string
jobs:
  j:
    steps:
      - id: a
        run: "nmap ${{ inputs.target }}"
`))
	assert.False(t, report.Valid())
	assert.Empty(t, report.Warnings)
}

func TestValidate_ArgvRunNoWarning(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
inputs:
  target:
    type: string
jobs:
  j:
    steps:
      - id: a
        run: ["nmap", "${{ inputs.target }}"]
`))
	assert.True(t, report.Valid(), "errors: %v", report.Errors)
	assert.Empty(t, report.Warnings)
}

type fakeLookup map[string]bool

func (f fakeLookup) Has(name string) bool { return f[name] }

func TestValidate_ActionLookup(t *testing.T) {
	v := newValidator(t, WithActionLookup(fakeLookup{"http/request": true}))

	report := v.Validate(parseDoc(t, `
name: w
jobs:
  j:
    steps:
      - id: a
        uses: http/request
        with:
          url: "https://example.com"
      - id: b
        uses: llm/banana
        with:
          prompt: hi
`))
	assert.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Message, "llm/banana")
}

func TestValidate_GuardrailShape(t *testing.T) {
	v := newValidator(t)

	report := v.Validate(parseDoc(t, `
name: w
guardrails:
  input:
    - name: no-secrets
      kind: secrets
      redact: true
  on_fail: abort
jobs:
  j:
    steps:
      - id: a
        run: "true"
        guardrails: false
      - id: b
        run: "true"
        guardrails:
          output:
            - name: size
              kind: max_size
              max_bytes: 1024
`))
	assert.True(t, report.Valid(), "errors: %v", report.Errors)
}

func TestValidatePayload(t *testing.T) {
	v := newValidator(t)

	sch := []byte(`{"type":"object","required":["title"],"properties":{"title":{"type":"string"}}}`)

	assert.NoError(t, v.ValidatePayload(map[string]any{"title": "x"}, sch))
	assert.Error(t, v.ValidatePayload(map[string]any{}, sch))
	assert.NoError(t, v.ValidatePayload(map[string]any{}, nil))
}
