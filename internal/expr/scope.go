package expr

import "encoding/json"

// Scope holds all data visible to one expression evaluation. It is a read-only
// snapshot: the evaluator never mutates it, so a single Scope may back many
// evaluations within one node.
type Scope struct {
	Inputs    map[string]any // resolved, type-checked workflow inputs
	Env       map[string]any // resolved env expressions
	Steps     map[string]any // step ID -> {"outputs": ..., "status": ...}
	Loop      map[string]any // item, index, outputs; nil outside a loop
	Variables map[string]any // mutated only by state/set and state/append
	Secrets   map[string]any // prefetched secret values keyed by name
	Error     map[string]any // failure details; nil outside failure handlers
}

// namespaces returns the top-level identifiers a Scope can resolve.
func namespaces() []string {
	return []string{"inputs", "env", "steps", "loop", "variables", "secrets", "error"}
}

// environ flattens the scope into the evaluation environment. Missing
// namespaces become empty maps so member access degrades to nil instead of
// a runtime panic.
func (s *Scope) environ() map[string]any {
	env := make(map[string]any, 8)
	env["inputs"] = orEmpty(s.Inputs)
	env["env"] = orEmpty(s.Env)
	env["steps"] = orEmpty(s.Steps)
	env["loop"] = orEmpty(s.Loop)
	env["variables"] = orEmpty(s.Variables)
	env["secrets"] = orEmpty(s.Secrets)
	env["error"] = orEmpty(s.Error)
	return env
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyAny(v)
	}
	return cp
}

// DeepCopyAny recursively deep-copies a value. Primitives are value types and
// returned as-is.
func DeepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
