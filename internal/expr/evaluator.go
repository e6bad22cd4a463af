package expr

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomctl/loom/internal/secrets"
	"github.com/loomctl/loom/pkg/schema"
)

// Evaluator parses and evaluates the expression language used inside
// ${{ ... }} interpolation: attribute and index access, arithmetic,
// comparison, and/or/not, and pipe chaining into a fixed filter registry.
// Evaluation is side-effect-free and idempotent.
// Thread-safe: compiled *vm.Program objects are cached and reused across runs.
type Evaluator struct {
	vault   secrets.Vault
	jq      *JQEngine
	filters map[string]filterFunc
	allowed map[string]bool

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator. The vault may be nil; expressions referencing
// secrets.* then fail at evaluation time.
func New(vault secrets.Vault) *Evaluator {
	jq := NewJQEngine()
	filters := filterRegistry(jq)

	allowed := make(map[string]bool, len(filters)+len(namespaces())+1)
	for _, ns := range namespaces() {
		allowed[ns] = true
	}
	for name := range filters {
		allowed[name] = true
	}
	for _, alias := range pipeAliases {
		allowed[alias] = true
	}
	allowed["now"] = true

	return &Evaluator{
		vault:   vault,
		jq:      jq,
		filters: filters,
		allowed: allowed,
		cache:   make(map[string]*vm.Program),
	}
}

// Eval compiles (or retrieves from cache) an expression and evaluates it
// against the scope, returning a typed value.
func (e *Evaluator) Eval(ctx context.Context, source string, scope *Scope) (any, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}

	prg, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	env := scope.environ()
	if err := e.prefetchSecrets(ctx, source, env); err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation failed for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": source})
	}

	return out, nil
}

// EvalBool evaluates an expression and coerces the result to its truthiness.
// Used for if, break_if, and control/wait until conditions.
func (e *Evaluator) EvalBool(ctx context.Context, source string, scope *Scope) (bool, error) {
	out, err := e.Eval(ctx, source, scope)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy reports whether a value counts as true in a condition: false for
// nil, false, zero, empty string, and empty collections.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one. Unknown top-level identifiers are rejected here, before any
// evaluation can silently resolve them to nil.
func (e *Evaluator) getOrCompile(source string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[source]; ok {
		return prg, nil
	}

	compiled := rewritePipes(source)
	if err := checkIdentifiers(compiled, e.allowed); err != nil {
		return nil, err
	}

	prg, err := exprlang.Compile(compiled, e.compileOptions()...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"compile error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": source})
	}

	e.cache[source] = prg
	return prg, nil
}

func (e *Evaluator) compileOptions() []exprlang.Option {
	opts := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	}
	names := make([]string, 0, len(e.filters))
	for name := range e.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		// Reserved operator names register under their rewrite alias.
		if alias, ok := pipeAliases[name]; ok {
			opts = append(opts, exprlang.Function(alias, e.filters[name]))
			continue
		}
		opts = append(opts, exprlang.Function(name, e.filters[name]))
	}
	opts = append(opts, exprlang.Function("now", func(args ...any) (any, error) {
		return time.Now().UTC(), nil
	}))
	return opts
}

var secretRefPattern = regexp.MustCompile(`\bsecrets\.([A-Za-z_][A-Za-z0-9_]*)`)

// prefetchSecrets resolves every secrets.<KEY> reference in the source into
// the evaluation environment before the program runs. Secrets stay out of
// the Scope itself so they are never serialized into checkpoints.
func (e *Evaluator) prefetchSecrets(ctx context.Context, source string, env map[string]any) error {
	matches := secretRefPattern.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil
	}

	resolved, _ := env["secrets"].(map[string]any)
	if resolved == nil {
		resolved = map[string]any{}
	} else {
		resolved = DeepCopyMap(resolved)
	}

	for _, m := range matches {
		key := m[1]
		if _, ok := resolved[key]; ok {
			continue
		}
		if e.vault == nil {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"cannot resolve secrets.%s: no vault configured", key)
		}
		val, err := e.vault.Resolve(ctx, key)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"failed to resolve secrets.%s: %s", key, err.Error()).WithCause(err)
		}
		resolved[key] = string(val)
	}

	env["secrets"] = resolved
	return nil
}
