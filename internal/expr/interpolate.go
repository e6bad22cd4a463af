package expr

import (
	"context"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

const (
	tokenOpen  = "${{"
	tokenClose = "}}"
)

// HasInterpolation reports whether a string contains any ${{...}} token.
func HasInterpolation(s string) bool {
	return strings.Contains(s, tokenOpen)
}

// Expressions extracts every ${{...}} expression from a string in order of
// appearance. Used by the validator to syntax-check interpolations without
// evaluating them.
func Expressions(s string) ([]string, error) {
	var out []string
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], tokenOpen)
		if idx == -1 {
			break
		}
		start := i + idx + len(tokenOpen)
		end := strings.Index(s[start:], tokenClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"unclosed %s expression in %q", tokenOpen, s)
		}
		end += start

		source := strings.TrimSpace(s[start:end])
		if source == "" {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"empty interpolation token")
		}
		if strings.Contains(source, tokenOpen) {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed")
		}
		out = append(out, source)
		i = end + len(tokenClose)
	}
	return out, nil
}

// Interpolate resolves every ${{...}} token in a string. When the entire
// string is a single token the evaluated value is returned with its type
// intact; otherwise resolved values are stringified into the surrounding
// text. A string without tokens is returned unchanged.
func (e *Evaluator) Interpolate(ctx context.Context, s string, scope *Scope) (any, error) {
	if !HasInterpolation(s) {
		return s, nil
	}

	// Whole-token form keeps the value typed: "${{ steps.scan.outputs }}"
	// yields the mapping, not its string rendering.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, tokenOpen) && strings.HasSuffix(trimmed, tokenClose) {
		inner := trimmed[len(tokenOpen) : len(trimmed)-len(tokenClose)]
		if !strings.Contains(inner, tokenClose) && !strings.Contains(inner, tokenOpen) {
			return e.Eval(ctx, inner, scope)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], tokenOpen)
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + len(tokenOpen)

		end := strings.Index(s[start:], tokenClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"unclosed %s expression in %q", tokenOpen, s)
		}
		end += start

		source := strings.TrimSpace(s[start:end])
		if source == "" {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"empty interpolation token")
		}
		if strings.Contains(source, tokenOpen) {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed")
		}

		val, err := e.Eval(ctx, source, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(Stringify(val))

		i = end + len(tokenClose)
	}

	return result.String(), nil
}

// InterpolateString is Interpolate with the result rendered as a string.
func (e *Evaluator) InterpolateString(ctx context.Context, s string, scope *Scope) (string, error) {
	val, err := e.Interpolate(ctx, s, scope)
	if err != nil {
		return "", err
	}
	return Stringify(val), nil
}

// InterpolateValue walks an arbitrary value (step `with` mappings, argv
// lists) and resolves interpolation in every string it contains.
func (e *Evaluator) InterpolateValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return e.Interpolate(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := e.InterpolateValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := e.InterpolateValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
