package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSet(t *testing.T) {
	a := findAction(t, StateActions(), "state/set")
	run := newFakeRun()

	out, err := a.Execute(context.Background(), Input{
		StepID: "set",
		With:   map[string]any{"key": "scope", "value": "external"},
		Run:    run,
	})
	require.NoError(t, err)
	assert.Empty(t, out.Outputs)

	v, ok := run.Variable("scope")
	require.True(t, ok)
	assert.Equal(t, "external", v)
}

func TestStateSet_MissingValue(t *testing.T) {
	a := findAction(t, StateActions(), "state/set")
	_, err := a.Execute(context.Background(), Input{
		With: map[string]any{"key": "scope"},
		Run:  newFakeRun(),
	})
	require.Error(t, err)
}

func TestStateAppend_CreatesAndGrowsList(t *testing.T) {
	a := findAction(t, StateActions(), "state/append")
	run := newFakeRun()

	out, err := a.Execute(context.Background(), Input{
		StepID: "collect",
		With:   map[string]any{"key": "findings", "value": "first"},
		Run:    run,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"first"}, out.Outputs["findings"])

	out, err = a.Execute(context.Background(), Input{
		StepID: "collect",
		With:   map[string]any{"key": "findings", "value": "second"},
		Run:    run,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, out.Outputs["findings"], "output carries the updated list")

	v, _ := run.Variable("findings")
	assert.Equal(t, []any{"first", "second"}, v)
}

func TestStateAppend_NonListVariable(t *testing.T) {
	a := findAction(t, StateActions(), "state/append")
	run := newFakeRun()
	run.vars["findings"] = "not a list"

	_, err := a.Execute(context.Background(), Input{
		With: map[string]any{"key": "findings", "value": "x"},
		Run:  run,
	})
	require.Error(t, err)
}
