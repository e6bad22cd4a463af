package actions

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/schema"
)

func findAction(t *testing.T, group []Action, name string) Action {
	t.Helper()
	for _, a := range group {
		if a.Name() == name {
			return a
		}
	}
	t.Fatalf("action %s not found", name)
	return nil
}

func TestRun_StringCommand(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	out, err := a.Execute(context.Background(), Input{
		StepID: "echo",
		With:   map[string]any{"command": "echo hello"},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Outputs["stdout"])
	assert.Equal(t, 0, out.Outputs["exit_code"])
	assert.Equal(t, "", out.Outputs["stderr"])
}

func TestRun_ArgvBypassesShell(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	// Metacharacters are literal arguments in argv form.
	out, err := a.Execute(context.Background(), Input{
		StepID: "echo",
		With:   map[string]any{"argv": []any{"echo", "a;b|c"}},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, "a;b|c\n", out.Outputs["stdout"])
}

func TestRun_NonZeroExitIsActionError(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	out, err := a.Execute(context.Background(), Input{
		StepID: "fail",
		With:   map[string]any{"command": "echo oops >&2; exit 3"},
		Run:    newFakeRun(),
	})
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeAction, lerr.Code)

	// Outputs are still recorded for on_failure handlers.
	require.NotNil(t, out)
	assert.Equal(t, 3, out.Outputs["exit_code"])
	assert.Equal(t, "oops\n", out.Outputs["stderr"])
}

func TestRun_CaptureFile(t *testing.T) {
	dir := t.TempDir()
	a := findAction(t, ShellActions(ShellConfig{CaptureDir: dir}), "run")

	out, err := a.Execute(context.Background(), Input{
		StepID: "dump",
		With:   map[string]any{"command": "echo captured", "capture_mode": "file"},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)

	path, ok := out.Outputs["file"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(path, dir))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "captured\n", string(content))
	assert.Equal(t, "", out.Outputs["stdout"], "stdout goes to the file, not memory")
}

func TestRun_CaptureNone(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	out, err := a.Execute(context.Background(), Input{
		StepID: "quiet",
		With:   map[string]any{"command": "echo noisy", "capture_mode": "none"},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, "", out.Outputs["stdout"])
	assert.NotContains(t, out.Outputs, "file")
}

func TestRun_OutputTruncatedAtLimit(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{MaxOutputSize: 10}), "run")

	out, err := a.Execute(context.Background(), Input{
		StepID: "big",
		With:   map[string]any{"command": "printf '%0.s#' $(seq 1 100)"},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Len(t, out.Outputs["stdout"], 10)
}

func TestRun_ContextCancellation(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Execute(ctx, Input{
		StepID: "sleep",
		With:   map[string]any{"command": "sleep 5"},
		Run:    newFakeRun(),
	})
	require.Error(t, err)
}

func TestRun_ValidateParams(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"command": "true", "argv": []any{"true"}}))
	assert.NoError(t, a.Validate(map[string]any{"command": "true"}))
}

func TestScriptBash(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "script/bash")

	out, err := a.Execute(context.Background(), Input{
		StepID: "sh",
		With:   map[string]any{"script": "x=3\necho $((x * 2))"},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, "6\n", out.Outputs["stdout"])
	assert.Equal(t, 0, out.Outputs["exit_code"])
}

func TestScriptBash_MissingScript(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "script/bash")
	_, err := a.Execute(context.Background(), Input{With: map[string]any{}, Run: newFakeRun()})
	require.Error(t, err)
}

func TestRun_EnvOverride(t *testing.T) {
	a := findAction(t, ShellActions(ShellConfig{}), "run")

	out, err := a.Execute(context.Background(), Input{
		StepID: "env",
		With: map[string]any{
			"command": "echo $LOOM_TEST_VAR",
			"env":     map[string]any{"LOOM_TEST_VAR": "wired"},
		},
		Run: newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, "wired\n", out.Outputs["stdout"])
}
