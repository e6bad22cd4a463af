package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate_NoTokens(t *testing.T) {
	e := New(nil)

	out, err := e.Interpolate(context.Background(), "plain text", testScope())
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestInterpolate_WholeTokenKeepsType(t *testing.T) {
	e := New(nil)

	out, err := e.Interpolate(context.Background(), "${{ steps.scan.outputs.count }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Interpolate(context.Background(), "${{ steps.scan.outputs.ports }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{22, 80}, out)
}

func TestInterpolate_EmbeddedTokensStringify(t *testing.T) {
	e := New(nil)

	out, err := e.Interpolate(context.Background(),
		"scanned ${{ inputs.target }} with depth ${{ inputs.depth }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "scanned example.com with depth 3", out)
}

func TestInterpolate_FilterInsideToken(t *testing.T) {
	e := New(nil)

	out, err := e.Interpolate(context.Background(),
		`ports: ${{ steps.scan.outputs.ports | join(",") }}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, "ports: 22,80", out)
}

func TestInterpolate_Unclosed(t *testing.T) {
	e := New(nil)

	_, err := e.Interpolate(context.Background(), "broken ${{ inputs.target", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")
}

func TestInterpolate_Nested(t *testing.T) {
	e := New(nil)

	_, err := e.Interpolate(context.Background(),
		"${{ inputs.${{ inputs.target }} }}", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested")
}

func TestInterpolate_Empty(t *testing.T) {
	e := New(nil)

	_, err := e.Interpolate(context.Background(), "x ${{  }} y", testScope())
	require.Error(t, err)
}

func TestInterpolateValue_WalksMapsAndLists(t *testing.T) {
	e := New(nil)

	with := map[string]any{
		"url":   "https://${{ inputs.target }}/api",
		"depth": "${{ inputs.depth }}",
		"tags":  []any{"static", "${{ steps.scan.status }}"},
		"count": 5,
	}

	out, err := e.InterpolateValue(context.Background(), with, testScope())
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/api", m["url"])
	assert.Equal(t, 3, m["depth"])
	assert.Equal(t, []any{"static", "succeeded"}, m["tags"])
	assert.Equal(t, 5, m["count"])
}

func TestExpressions_Extract(t *testing.T) {
	exprs, err := Expressions("a ${{ x.y }} b ${{ z | f() }} c")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.y", "z | f()"}, exprs)

	exprs, err = Expressions("no tokens")
	require.NoError(t, err)
	assert.Empty(t, exprs)

	_, err = Expressions("bad ${{ open")
	require.Error(t, err)
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation("${{ x }}"))
	assert.False(t, HasInterpolation("plain"))
}
