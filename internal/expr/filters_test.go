package expr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalFilter(t *testing.T, source string, scope *Scope) any {
	t.Helper()
	out, err := New(nil).Eval(context.Background(), source, scope)
	require.NoError(t, err)
	return out
}

func TestFilter_ShellQuote(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"target": "example.com; rm -rf /",
	}}

	out := evalFilter(t, "inputs.target | shell_quote()", scope)
	quoted, ok := out.(string)
	require.True(t, ok)
	assert.NotEqual(t, scope.Inputs["target"], quoted)
	assert.Contains(t, quoted, "'")
}

// Splicing shell_quote output into a command and echoing it back must return
// the original string for any metacharacter mix.
func TestFilter_ShellQuoteRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	inputs := []string{
		`plain`,
		`has space`,
		`semi;colon`,
		`pipe|and&amp`,
		`dollar$var`,
		"back`tick`",
		`double"quote`,
		`single'quote`,
		`mix; | & $ ` + "`" + ` " '`,
	}

	for _, in := range inputs {
		scope := &Scope{Inputs: map[string]any{"v": in}}
		out := evalFilter(t, "inputs.v | shell_quote()", scope)
		quoted, ok := out.(string)
		require.True(t, ok)

		cmd := exec.Command("sh", "-c", fmt.Sprintf("printf %%s %s", quoted))
		raw, err := cmd.Output()
		require.NoError(t, err, "input %q quoted as %q", in, quoted)
		assert.Equal(t, in, string(raw), "input %q", in)
	}
}

func TestFilter_Length(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"list": []any{1, 2, 3},
		"str":  "abcd",
		"map":  map[string]any{"a": 1},
	}}

	assert.Equal(t, 3, evalFilter(t, "inputs.list | length()", scope))
	assert.Equal(t, 4, evalFilter(t, "inputs.str | length()", scope))
	assert.Equal(t, 1, evalFilter(t, "inputs.map | length()", scope))
	assert.Equal(t, 0, evalFilter(t, "inputs.missing | length()", scope))
}

func TestFilter_Default(t *testing.T) {
	scope := &Scope{
		Inputs: map[string]any{"present": "x", "empty": ""},
		Steps:  map[string]any{"skipped": map[string]any{"outputs": map[string]any{}}},
	}

	assert.Equal(t, "x", evalFilter(t, `inputs.present | default("y")`, scope))
	assert.Equal(t, "y", evalFilter(t, `inputs.empty | default("y")`, scope))
	assert.Equal(t, "y", evalFilter(t, `inputs.absent | default("y")`, scope))
	assert.Equal(t, "none", evalFilter(t, `steps.skipped.outputs | default("none")`, scope))
}

func TestFilter_KeysValues(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"m": map[string]any{"b": 2, "a": 1, "c": 3},
	}}

	assert.Equal(t, []any{"a", "b", "c"}, evalFilter(t, "inputs.m | keys()", scope))
	assert.Equal(t, []any{1, 2, 3}, evalFilter(t, "inputs.m | values()", scope))
}

func TestFilter_FirstLast(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"list": []any{"a", "b", "c"},
		"str":  "xyz",
	}}

	assert.Equal(t, "a", evalFilter(t, "inputs.list | first()", scope))
	assert.Equal(t, "c", evalFilter(t, "inputs.list | last()", scope))
	assert.Equal(t, "x", evalFilter(t, "inputs.str | first()", scope))
	assert.Equal(t, "z", evalFilter(t, "inputs.str | last()", scope))
}

func TestFilter_Join(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"list": []any{"a", 1, true},
	}}

	assert.Equal(t, "a,1,true", evalFilter(t, `inputs.list | join(",")`, scope))
}

func TestFilter_ContainsStartsEnds(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"s":    "hello world",
		"list": []any{"a", "b"},
	}}

	assert.Equal(t, true, evalFilter(t, `inputs.s | contains("world")`, scope))
	assert.Equal(t, true, evalFilter(t, `inputs.list | contains("b")`, scope))
	assert.Equal(t, false, evalFilter(t, `inputs.list | contains("z")`, scope))
	assert.Equal(t, true, evalFilter(t, `inputs.s | startsWith("hello")`, scope))
	assert.Equal(t, true, evalFilter(t, `inputs.s | endsWith("world")`, scope))

	// Chained through other pipes and nested inside calls.
	assert.Equal(t, true, evalFilter(t, `inputs.list | join(",") | contains("a,b")`, scope))
	assert.Equal(t, "yes", evalFilter(t, `inputs.s | contains("world") ? "yes" : "no"`, scope))
}

func TestRewritePipes(t *testing.T) {
	cases := map[string]string{
		`v | contains("x")`:                    `_contains((v), "x")`,
		`a.b | startsWith(pre)`:                `_startsWith((a.b), pre)`,
		`a | join(",") | endsWith("b")`:        `_endsWith((a | join(",")), "b")`,
		`default(v | contains("x"), false)`:    `default(_contains((v), "x"), false)`,
		`a || b | contains("x")`:               `_contains((a || b), "x")`,
		`"a | contains(b)"`:                    `"a | contains(b)"`,
		`v | upper()`:                          `v | upper()`,
		`c ? v | contains("x") : other`:        `c ? _contains((v), "x") : other`,
		`v | contains("x") | default(false)`:   `_contains((v), "x") | default(false)`,
	}
	for in, want := range cases {
		assert.Equal(t, want, rewritePipes(in), in)
	}
}

func TestFilter_Format(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{"n": 7}}

	assert.Equal(t, "0007", evalFilter(t, `inputs.n | format("%04d")`, scope))
}

func TestFilter_JSONRoundTrip(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{
		"m": map[string]any{"a": 1},
	}}

	out := evalFilter(t, "inputs.m | toJSON()", scope)
	assert.Equal(t, `{"a":1}`, out)

	back := evalFilter(t, "inputs.m | toJSON() | fromJSON()", scope)
	assert.Equal(t, map[string]any{"a": float64(1)}, back)
}

func TestFilter_JQ(t *testing.T) {
	scope := &Scope{Steps: map[string]any{
		"scan": map[string]any{
			"outputs": map[string]any{
				"findings": []any{
					map[string]any{"severity": "high", "title": "a"},
					map[string]any{"severity": "low", "title": "b"},
				},
			},
		},
	}}

	out := evalFilter(t,
		`steps.scan.outputs.findings | jq("[.[] | select(.severity == \"high\") | .title]")`,
		scope)
	assert.Equal(t, []any{"a"}, out)
}

func TestFilter_Casing(t *testing.T) {
	scope := &Scope{Inputs: map[string]any{"s": "  MiXeD  "}}

	assert.Equal(t, "  mixed  ", evalFilter(t, "inputs.s | lower()", scope))
	assert.Equal(t, "MiXeD", evalFilter(t, "inputs.s | trim()", scope))
	assert.Equal(t, "MIXED", evalFilter(t, "inputs.s | trim() | upper()", scope))
}

func TestFilter_ArityErrors(t *testing.T) {
	e := New(nil)
	scope := &Scope{Inputs: map[string]any{"s": "x"}}

	_, err := e.Eval(context.Background(), `inputs.s | join()`, scope)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "join"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "3", Stringify(3))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "3.5", Stringify(3.5))
	assert.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
}
