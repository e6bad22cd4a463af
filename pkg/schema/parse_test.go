package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderedDoc = `
name: deploy
version: "2.0"
schema_version: "1"
inputs:
  region:
    type: string
    default: us-east-1
env:
  STAGE: prod
jobs:
  zeta:
    steps:
      - id: first
        run: echo first
  alpha:
    steps:
      - id: second
        run: echo second
    finally:
      - id: tidy
        run: echo tidy
  mid:
    steps:
      - id: third
        run: echo third
on_failure:
  - id: page
    uses: report/add
    with:
      severity: high
`

func TestParse_JobsKeepDeclarationOrder(t *testing.T) {
	def, err := Parse([]byte(orderedDoc))
	require.NoError(t, err)

	require.Len(t, def.Jobs, 3)
	assert.Equal(t, "zeta", def.Jobs[0].Name)
	assert.Equal(t, "alpha", def.Jobs[1].Name)
	assert.Equal(t, "mid", def.Jobs[2].Name)

	assert.Len(t, def.Jobs[1].Finally, 1)
	assert.Len(t, def.OnFailure, 1)
	assert.Equal(t, "us-east-1", def.Inputs["region"].Default)
	assert.Equal(t, "prod", def.Env["STAGE"])
}

func TestParse_RunForms(t *testing.T) {
	def, err := Parse([]byte(`
name: forms
jobs:
  main:
    steps:
      - id: shell
        run: "echo hello | wc -l"
      - id: argv
        run: [curl, -sf, "https://example.com"]
`))
	require.NoError(t, err)

	steps := def.Jobs[0].Steps
	require.Len(t, steps, 2)
	assert.False(t, steps[0].Run.IsArgv())
	assert.Equal(t, "echo hello | wc -l", steps[0].Run.Command)
	assert.True(t, steps[1].Run.IsArgv())
	assert.Equal(t, []string{"curl", "-sf", "https://example.com"}, steps[1].Run.Argv)
}

func TestParse_StepGuardrailForms(t *testing.T) {
	def, err := Parse([]byte(`
name: rails
jobs:
  main:
    steps:
      - id: off
        run: echo x
        guardrails: false
      - id: custom
        run: echo y
        guardrails:
          output:
            - name: cap
              kind: max_size
              max_bytes: 1024
`))
	require.NoError(t, err)

	steps := def.Jobs[0].Steps
	assert.True(t, steps[0].Guardrails.Disabled)
	require.NotNil(t, steps[1].Guardrails.Spec)
	require.Len(t, steps[1].Guardrails.Spec.Output, 1)
	assert.Equal(t, int64(1024), steps[1].Guardrails.Spec.Output[0].MaxBytes)
}

func TestParse_NoJobs(t *testing.T) {
	_, err := Parse([]byte("name: empty\n"))
	var lerr *LoomError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, ErrCodeValidation, lerr.Code)
}

func TestParse_JobsNotMapping(t *testing.T) {
	_, err := Parse([]byte("name: bad\njobs:\n  - oops\n"))
	require.Error(t, err)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("name: [unclosed"))
	var lerr *LoomError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, ErrCodeValidation, lerr.Code)
	assert.Error(t, lerr.Unwrap())
}

func TestStepDefaults(t *testing.T) {
	s := &Step{ID: "s"}
	assert.Equal(t, DefaultStepTimeoutSeconds*time.Second, s.Timeout())
	assert.Equal(t, CaptureMemory, s.Capture())

	s.TimeoutSeconds = 30
	s.CaptureMode = CaptureFile
	assert.Equal(t, 30*time.Second, s.Timeout())
	assert.Equal(t, CaptureFile, s.Capture())
}

func TestStepJSONRoundTrip(t *testing.T) {
	orig := &Step{
		ID:         "s",
		Run:        &RunCommand{Argv: []string{"ls", "-la"}},
		Guardrails: &StepGuardrails{Disabled: true},
	}
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Step
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, orig.Run.Argv, back.Run.Argv)
	assert.True(t, back.Guardrails.Disabled)

	orig.Run = &RunCommand{Command: "echo hi"}
	orig.Guardrails = &StepGuardrails{Spec: &GuardrailSpec{OnFail: "abort"}}
	data, err = json.Marshal(orig)
	require.NoError(t, err)
	back = Step{}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "echo hi", back.Run.Command)
	assert.Equal(t, "abort", back.Guardrails.Spec.OnFail)
}
