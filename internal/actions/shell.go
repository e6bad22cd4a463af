package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

const defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB

// ShellConfig configures the inline run action and the script actions.
type ShellConfig struct {
	// MaxOutputSize caps captured stdout/stderr per stream.
	MaxOutputSize int64
	// CaptureDir receives capture_mode=file output. Defaults to os.TempDir.
	CaptureDir string
}

// ShellActions returns the inline run action and the script actions.
func ShellActions(cfg ShellConfig) []Action {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.CaptureDir == "" {
		cfg.CaptureDir = os.TempDir()
	}
	return []Action{
		&runAction{cfg: cfg},
		&scriptAction{cfg: cfg, name: "script/bash", argv: []string{"bash", "-s"}},
		&scriptAction{cfg: cfg, name: "script/python", argv: []string{"python3", "-"}},
	}
}

const runInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "argv": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "capture_mode": {"type": "string", "enum": ["memory", "file", "none"], "default": "memory"}
  }
}`

const runOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "file": {"type": "string", "description": "capture file path when capture_mode=file"}
  }
}`

// runAction executes a step's run command. String form goes through the
// shell; argv form bypasses it entirely, which is why argv interpolations
// never need shell_quote.
type runAction struct {
	cfg ShellConfig
}

func (a *runAction) Name() string { return "run" }

func (a *runAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Execute a shell command or argv vector, capturing stdout, stderr, and exit code.",
		InputSchema:  json.RawMessage(runInputSchema),
		OutputSchema: json.RawMessage(runOutputSchema),
	}
}

func (a *runAction) Validate(with map[string]any) error {
	command := stringParam(with, "command", "")
	argv := stringSliceParam(with, "argv")
	if command == "" && len(argv) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "run: one of 'command' or 'argv' is required")
	}
	if command != "" && len(argv) > 0 {
		return schema.NewError(schema.ErrCodeValidation, "run: 'command' and 'argv' are mutually exclusive")
	}
	return nil
}

func (a *runAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if argv := stringSliceParam(with, "argv"); len(argv) > 0 {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", stringParam(with, "command", ""))
	}

	if cwd := stringParam(with, "cwd", ""); cwd != "" {
		cmd.Dir = cwd
	}
	if envMap := stringMapParam(with, "env"); len(envMap) > 0 {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin := stringParam(with, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	capture := schema.CaptureMode(stringParam(with, "capture_mode", string(schema.CaptureMemory)))

	var stdoutBuf, stderrBuf bytes.Buffer
	var captureFile *os.File
	switch capture {
	case schema.CaptureFile:
		f, err := os.CreateTemp(a.cfg.CaptureDir, fmt.Sprintf("run-%s-*.log", sanitizeStepID(input.StepID)))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAction, "run: create capture file: %v", err).WithCause(err)
		}
		captureFile = f
		defer f.Close()
		cmd.Stdout = &limitedWriter{w: f, limit: a.cfg.MaxOutputSize}
		cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}
	case schema.CaptureNone:
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	default:
		cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
		cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}
	}

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeAction, "run: %v", runErr).WithCause(runErr)
		}
	}

	outputs := map[string]any{
		"stdout":    stdoutBuf.String(),
		"stderr":    stderrBuf.String(),
		"exit_code": exitCode,
	}
	if captureFile != nil {
		outputs["file"] = captureFile.Name()
	}

	out := &Output{Outputs: outputs}
	if exitCode != 0 {
		// Outputs stay recorded so on_failure handlers can read them.
		return out, schema.NewErrorf(schema.ErrCodeAction,
			"run: command exited with code %d", exitCode).
			WithDetails(map[string]any{"exit_code": exitCode, "stderr": tail(stderrBuf.String(), 512)})
	}
	return out, nil
}

const scriptInputSchema = `{
  "type": "object",
  "properties": {
    "script": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"}
  },
  "required": ["script"]
}`

const scriptOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"type": "string"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"}
  }
}`

// scriptAction feeds an inline script to an interpreter over stdin.
type scriptAction struct {
	cfg  ShellConfig
	name string
	argv []string
}

func (a *scriptAction) Name() string { return a.name }

func (a *scriptAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  fmt.Sprintf("Run an inline script via %s, capturing stdout, stderr, and exit code.", a.argv[0]),
		InputSchema:  json.RawMessage(scriptInputSchema),
		OutputSchema: json.RawMessage(scriptOutputSchema),
	}
}

func (a *scriptAction) Validate(with map[string]any) error {
	if stringParam(with, "script", "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'script'", a.name)
	}
	return nil
}

func (a *scriptAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}

	argv := append(append([]string{}, a.argv...), stringSliceParam(with, "args")...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stringParam(with, "script", ""))
	if cwd := stringParam(with, "cwd", ""); cwd != "" {
		cmd.Dir = cwd
	}
	if envMap := stringMapParam(with, "env"); len(envMap) > 0 {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeAction, "%s: %v", a.name, runErr).WithCause(runErr)
		}
	}

	out := &Output{Outputs: map[string]any{
		"stdout":    stdoutBuf.String(),
		"stderr":    stderrBuf.String(),
		"exit_code": exitCode,
	}}
	if exitCode != 0 {
		return out, schema.NewErrorf(schema.ErrCodeAction,
			"%s: script exited with code %d", a.name, exitCode).
			WithDetails(map[string]any{"exit_code": exitCode})
	}
	return out, nil
}

// limitedWriter truncates output past the limit instead of failing the run.
type limitedWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	// Report the full length even when clipping, otherwise the copier
	// turns truncation into a short-write error.
	total := len(p)
	if lw.n >= lw.limit {
		return total, nil
	}
	if remaining := lw.limit - lw.n; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.n += int64(written)
	if err != nil {
		return written, err
	}
	return total, nil
}

func sanitizeStepID(id string) string {
	if id == "" {
		return "step"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
