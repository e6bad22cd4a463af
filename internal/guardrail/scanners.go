package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loomctl/loom/pkg/schema"
)

const redactedMark = "[REDACTED]"

// Builtin deny patterns for the secrets and pii scanner kinds.
var (
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
		regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{20,}`),
		regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|passwd|password)\b\s*[:=]\s*['"]?[a-z0-9_./+-]{8,}`),
	}
	piiPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`),
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`),
	}
)

// Pipeline evaluates scanner specs. Compiled regex patterns and CEL rule
// programs are cached and reused across runs; safe for concurrent use.
type Pipeline struct {
	env *cel.Env

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
	rules   map[string]cel.Program
}

// New creates a scanner pipeline. The CEL environment for kind=rule
// scanners exposes three variables:
//   - payload (string): the text under scan
//   - size (int): len(payload)
//   - phase (string): "input" or "output"
func New() (*Pipeline, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("phase", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Pipeline{
		env:     env,
		regexes: make(map[string]*regexp.Regexp),
		rules:   make(map[string]cel.Program),
	}, nil
}

// scanOne dispatches a single scanner spec. Returns the payload (redacted
// when the spec asks for it) and any violations it produced.
func (p *Pipeline) scanOne(ctx context.Context, spec *schema.ScannerSpec, phase Phase, payload string) (string, []Violation, error) {
	switch spec.Kind {
	case "regex":
		re, err := p.pattern(spec)
		if err != nil {
			return payload, nil, err
		}
		out, violations := scanPatterns(spec, payload, re)
		return out, violations, nil
	case "secrets":
		out, violations := scanPatterns(spec, payload, secretPatterns...)
		return out, violations, nil
	case "pii":
		out, violations := scanPatterns(spec, payload, piiPatterns...)
		return out, violations, nil
	case "max_size":
		if spec.MaxBytes > 0 && int64(len(payload)) > spec.MaxBytes {
			return payload, []Violation{violation(spec,
				fmt.Sprintf("payload is %d bytes, limit is %d", len(payload), spec.MaxBytes))}, nil
		}
		return payload, nil, nil
	case "rule":
		return p.scanRule(ctx, spec, phase, payload)
	default:
		return payload, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"scanner %q: unknown kind %q", spec.Name, spec.Kind)
	}
}

// scanPatterns is shared by the regex, secrets, and pii kinds: any pattern
// match is a violation, and with redact set the matches are masked in the
// returned payload.
func scanPatterns(spec *schema.ScannerSpec, payload string, patterns ...*regexp.Regexp) (string, []Violation) {
	matches := 0
	for _, re := range patterns {
		found := re.FindAllStringIndex(payload, -1)
		if len(found) == 0 {
			continue
		}
		matches += len(found)
		if spec.Redact {
			payload = re.ReplaceAllString(payload, redactedMark)
		}
	}
	if matches == 0 {
		return payload, nil
	}
	return payload, []Violation{violation(spec,
		fmt.Sprintf("%d match(es) for %s scanner", matches, spec.Kind))}
}

func (p *Pipeline) scanRule(ctx context.Context, spec *schema.ScannerSpec, phase Phase, payload string) (string, []Violation, error) {
	if spec.Rule == "" {
		return payload, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"scanner %q: kind=rule requires a rule expression", spec.Name)
	}
	prg, err := p.rule(spec)
	if err != nil {
		return payload, nil, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"payload": payload,
		"size":    len(payload),
		"phase":   string(phase),
	})
	if err != nil {
		return payload, nil, schema.NewErrorf(schema.ErrCodeExpression,
			"scanner %q: rule evaluation failed: %s", spec.Name, err.Error()).WithCause(err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return payload, nil, schema.NewErrorf(schema.ErrCodeExpression,
			"scanner %q: rule must return a boolean, got %T", spec.Name, out.Value())
	}
	// A rule is a deny predicate: true means the payload violates it.
	if matched {
		return payload, []Violation{violation(spec, fmt.Sprintf("rule %q matched", spec.Rule))}, nil
	}
	return payload, nil, nil
}

// pattern returns the cached compiled regex for a regex-kind scanner.
func (p *Pipeline) pattern(spec *schema.ScannerSpec) (*regexp.Regexp, error) {
	if spec.Pattern == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"scanner %q: kind=regex requires a pattern", spec.Name)
	}

	p.mu.RLock()
	re, ok := p.regexes[spec.Pattern]
	p.mu.RUnlock()
	if ok {
		return re, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.regexes[spec.Pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"scanner %q: invalid pattern %q: %s", spec.Name, spec.Pattern, err.Error()).WithCause(err)
	}
	p.regexes[spec.Pattern] = re
	return re, nil
}

// rule returns the cached compiled CEL program for a rule-kind scanner.
func (p *Pipeline) rule(spec *schema.ScannerSpec) (cel.Program, error) {
	p.mu.RLock()
	prg, ok := p.rules[spec.Rule]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, ok := p.rules[spec.Rule]; ok {
		return prg, nil
	}
	ast, issues := p.env.Compile(spec.Rule)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"scanner %q: rule compile error in %q: %s", spec.Name, spec.Rule, issues.Err().Error()).
			WithCause(issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"scanner %q: rule program error for %q: %s", spec.Name, spec.Rule, err.Error()).
			WithCause(err)
	}
	p.rules[spec.Rule] = prg
	return prg, nil
}

func violation(spec *schema.ScannerSpec, message string) Violation {
	sev := spec.Severity
	if sev == "" {
		sev = "medium"
	}
	return Violation{Scanner: spec.Name, Kind: spec.Kind, Severity: sev, Message: message}
}
