// Package guardrail applies configured content scanners around action
// dispatch. The engine scans step input before invoking an action and the
// action's output after, then enforces the configured failure policy.
package guardrail

import (
	"context"

	"github.com/loomctl/loom/pkg/schema"
)

// Phase identifies which side of an action invocation is being scanned.
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
)

// Failure policies. Any other on_fail value is treated as a step id and
// handled like an on_failure jump.
const (
	OnFailAbort    = "abort"
	OnFailRetry    = "retry"
	OnFailContinue = "continue"
)

// Violation records one scanner rejecting a payload.
type Violation struct {
	Scanner  string `json:"scanner"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Result is the outcome of scanning one payload through one phase.
// Payload carries the possibly-redacted text; when Pass is false the
// engine applies the on_fail policy from the effective config.
type Result struct {
	Pass       bool        `json:"pass"`
	Payload    string      `json:"payload"`
	Redacted   bool        `json:"redacted"`
	Violations []Violation `json:"violations,omitempty"`
}

// Effective computes the scanner configuration for one step: the step
// override is deep-merged over the workflow defaults, with scanner lists
// merged by name (step wins) and scalar policy fields overridden when set.
// A step with `guardrails: false` disables scanning entirely, ignoring
// workflow defaults. Returns nil when nothing is configured.
func Effective(workflow *schema.GuardrailSpec, step *schema.StepGuardrails) *schema.GuardrailSpec {
	if step != nil && step.Disabled {
		return nil
	}
	var override *schema.GuardrailSpec
	if step != nil {
		override = step.Spec
	}

	switch {
	case workflow == nil && override == nil:
		return nil
	case workflow == nil:
		return cloneSpec(override)
	case override == nil:
		return cloneSpec(workflow)
	}

	merged := &schema.GuardrailSpec{
		Input:      mergeScanners(workflow.Input, override.Input),
		Output:     mergeScanners(workflow.Output, override.Output),
		OnFail:     workflow.OnFail,
		MaxRetries: workflow.MaxRetries,
	}
	if override.OnFail != "" {
		merged.OnFail = override.OnFail
	}
	if override.MaxRetries > 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if len(merged.Input) == 0 && len(merged.Output) == 0 {
		return nil
	}
	return merged
}

// mergeScanners overlays step scanners onto workflow defaults by name.
// Base order is preserved; same-named overrides replace in place and new
// scanners are appended in declaration order.
func mergeScanners(base, over []*schema.ScannerSpec) []*schema.ScannerSpec {
	if len(over) == 0 {
		return cloneScanners(base)
	}
	if len(base) == 0 {
		return cloneScanners(over)
	}

	merged := cloneScanners(base)
	index := make(map[string]int, len(merged))
	for i, s := range merged {
		index[s.Name] = i
	}
	for _, s := range over {
		c := *s
		if i, ok := index[s.Name]; ok {
			merged[i] = &c
			continue
		}
		index[s.Name] = len(merged)
		merged = append(merged, &c)
	}
	return merged
}

func cloneSpec(spec *schema.GuardrailSpec) *schema.GuardrailSpec {
	if spec == nil {
		return nil
	}
	if len(spec.Input) == 0 && len(spec.Output) == 0 {
		return nil
	}
	return &schema.GuardrailSpec{
		Input:      cloneScanners(spec.Input),
		Output:     cloneScanners(spec.Output),
		OnFail:     spec.OnFail,
		MaxRetries: spec.MaxRetries,
	}
}

func cloneScanners(specs []*schema.ScannerSpec) []*schema.ScannerSpec {
	if len(specs) == 0 {
		return nil
	}
	out := make([]*schema.ScannerSpec, len(specs))
	for i, s := range specs {
		c := *s
		out[i] = &c
	}
	return out
}

// FailureMode interprets the on_fail policy of an effective config.
// Returns one of OnFailAbort/OnFailRetry/OnFailContinue, or OnFailAbort
// with a non-empty jump target when on_fail names a step id.
func FailureMode(cfg *schema.GuardrailSpec) (mode, jumpTarget string) {
	if cfg == nil || cfg.OnFail == "" {
		return OnFailAbort, ""
	}
	switch cfg.OnFail {
	case OnFailAbort, OnFailRetry, OnFailContinue:
		return cfg.OnFail, ""
	default:
		return OnFailAbort, cfg.OnFail
	}
}

// Scan runs every scanner configured for the given phase over the payload.
// Scanners run in configuration order; each sees the payload as redacted by
// its predecessors. All scanners run even after a violation so the result
// reports every finding at once.
func (p *Pipeline) Scan(ctx context.Context, cfg *schema.GuardrailSpec, phase Phase, payload string) (*Result, error) {
	res := &Result{Pass: true, Payload: payload}
	if cfg == nil {
		return res, nil
	}

	specs := cfg.Input
	if phase == PhaseOutput {
		specs = cfg.Output
	}

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "guardrail scan cancelled").WithCause(err)
		}
		scanned, violations, err := p.scanOne(ctx, spec, phase, res.Payload)
		if err != nil {
			return nil, err
		}
		if scanned != res.Payload {
			res.Payload = scanned
			res.Redacted = true
		}
		res.Violations = append(res.Violations, violations...)
	}

	res.Pass = len(res.Violations) == 0
	return res, nil
}
