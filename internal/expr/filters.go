package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/loomctl/loom/pkg/schema"
)

// filterFunc is the shape of every registered filter. The piped value arrives
// as the first argument: `v | join(",")` calls join(v, ",").
type filterFunc func(args ...any) (any, error)

// filterRegistry builds the fixed filter table. The jq filter shares the
// evaluator's compiled-query cache.
func filterRegistry(jq *JQEngine) map[string]filterFunc {
	return map[string]filterFunc{
		"shell_quote": filterShellQuote,
		"length":      filterLength,
		"default":     filterDefault,
		"keys":        filterKeys,
		"values":      filterValues,
		"first":       filterFirst,
		"last":        filterLast,
		"join":        filterJoin,
		"contains":    filterContains,
		"startsWith":  filterStartsWith,
		"endsWith":    filterEndsWith,
		"format":      filterFormat,
		"toJSON":      filterToJSON,
		"fromJSON":    filterFromJSON,
		"lower":       filterLower,
		"upper":       filterUpper,
		"trim":        filterTrim,
		"jq": func(args ...any) (any, error) {
			if err := arity("jq", args, 2); err != nil {
				return nil, err
			}
			query, err := argString("jq", args[1])
			if err != nil {
				return nil, err
			}
			return jq.Evaluate(context.Background(), query, args[0])
		},
	}
}

// filterShellQuote escapes a value so the result is safe to splice into a
// single shell token. This is the only defense against command injection when
// a step uses string-form run; array-form run bypasses the shell entirely.
func filterShellQuote(args ...any) (any, error) {
	if err := arity("shell_quote", args, 1); err != nil {
		return nil, err
	}
	return shellquote.Join(Stringify(args[0])), nil
}

func filterLength(args ...any) (any, error) {
	if err := arity("length", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case nil:
		return 0, nil
	case string:
		return len(v), nil
	case []any:
		return len(v), nil
	case []string:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	default:
		return nil, filterErr("length", "value of type %T has no length", args[0])
	}
}

// filterDefault substitutes the fallback when the piped value is absent:
// nil, empty string, empty list, or empty mapping. Skipped steps expose an
// empty outputs mapping, so `steps.x.outputs | default("none")` applies.
func filterDefault(args ...any) (any, error) {
	if err := arity("default", args, 2); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case nil:
		return args[1], nil
	case string:
		if v == "" {
			return args[1], nil
		}
	case []any:
		if len(v) == 0 {
			return args[1], nil
		}
	case map[string]any:
		if len(v) == 0 {
			return args[1], nil
		}
	}
	return args[0], nil
}

func filterKeys(args ...any) (any, error) {
	if err := arity("keys", args, 1); err != nil {
		return nil, err
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, filterErr("keys", "expected mapping, got %T", args[0])
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func filterValues(args ...any) (any, error) {
	if err := arity("values", args, 1); err != nil {
		return nil, err
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, filterErr("values", "expected mapping, got %T", args[0])
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out, nil
}

func filterFirst(args ...any) (any, error) {
	if err := arity("first", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return string(v[0]), nil
	case []any:
		if len(v) == 0 {
			return nil, nil
		}
		return v[0], nil
	default:
		return nil, filterErr("first", "expected list or string, got %T", args[0])
	}
}

func filterLast(args ...any) (any, error) {
	if err := arity("last", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return string(v[len(v)-1]), nil
	case []any:
		if len(v) == 0 {
			return nil, nil
		}
		return v[len(v)-1], nil
	default:
		return nil, filterErr("last", "expected list or string, got %T", args[0])
	}
}

func filterJoin(args ...any) (any, error) {
	if err := arity("join", args, 2); err != nil {
		return nil, err
	}
	sep, err := argString("join", args[1])
	if err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, sep), nil
	case []string:
		return strings.Join(v, sep), nil
	default:
		return nil, filterErr("join", "expected list, got %T", args[0])
	}
}

func filterContains(args ...any) (any, error) {
	if err := arity("contains", args, 2); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return strings.Contains(v, Stringify(args[1])), nil
	case []any:
		for _, item := range v {
			if item == args[1] || Stringify(item) == Stringify(args[1]) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		_, ok := v[Stringify(args[1])]
		return ok, nil
	default:
		return nil, filterErr("contains", "expected string, list, or mapping, got %T", args[0])
	}
}

func filterStartsWith(args ...any) (any, error) {
	if err := arity("startsWith", args, 2); err != nil {
		return nil, err
	}
	s, err := argString("startsWith", args[0])
	if err != nil {
		return nil, err
	}
	prefix, err := argString("startsWith", args[1])
	if err != nil {
		return nil, err
	}
	return strings.HasPrefix(s, prefix), nil
}

func filterEndsWith(args ...any) (any, error) {
	if err := arity("endsWith", args, 2); err != nil {
		return nil, err
	}
	s, err := argString("endsWith", args[0])
	if err != nil {
		return nil, err
	}
	suffix, err := argString("endsWith", args[1])
	if err != nil {
		return nil, err
	}
	return strings.HasSuffix(s, suffix), nil
}

// filterFormat applies a printf-style verb to the piped value:
// `steps.scan.outputs.count | format("%04d")`.
func filterFormat(args ...any) (any, error) {
	if err := arity("format", args, 2); err != nil {
		return nil, err
	}
	pattern, err := argString("format", args[1])
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf(pattern, args[0]), nil
}

func filterToJSON(args ...any) (any, error) {
	if err := arity("toJSON", args, 1); err != nil {
		return nil, err
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, filterErr("toJSON", "value not serializable: %s", err.Error())
	}
	return string(b), nil
}

func filterFromJSON(args ...any) (any, error) {
	if err := arity("fromJSON", args, 1); err != nil {
		return nil, err
	}
	s, err := argString("fromJSON", args[0])
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, filterErr("fromJSON", "invalid JSON: %s", err.Error())
	}
	return out, nil
}

func filterLower(args ...any) (any, error) {
	if err := arity("lower", args, 1); err != nil {
		return nil, err
	}
	return strings.ToLower(Stringify(args[0])), nil
}

func filterUpper(args ...any) (any, error) {
	if err := arity("upper", args, 1); err != nil {
		return nil, err
	}
	return strings.ToUpper(Stringify(args[0])), nil
}

func filterTrim(args ...any) (any, error) {
	if err := arity("trim", args, 1); err != nil {
		return nil, err
	}
	return strings.TrimSpace(Stringify(args[0])), nil
}

// Stringify renders a value the way it embeds into interpolated text.
// Strings pass through unquoted; composites become compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		// Whole floats print without a trailing ".0" so JSON-decoded
		// integers read back as integers.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case json.RawMessage:
		return string(val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func arity(name string, args []any, want int) error {
	if len(args) != want {
		return filterErr(name, "expected %d argument(s), got %d", want, len(args))
	}
	return nil
}

func argString(name string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", filterErr(name, "expected string argument, got %T", v)
	}
	return s, nil
}

func filterErr(name, format string, args ...any) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeExpression,
		"filter %s: "+format, append([]any{name}, args...)...)
}
