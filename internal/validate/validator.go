package validate

import (
	"fmt"

	"github.com/loomctl/loom/internal/expr"
	"github.com/loomctl/loom/pkg/schema"
)

// ActionLookup answers whether an action identifier is registered.
// Satisfied by actions.Registry.
type ActionLookup interface {
	Has(name string) bool
}

// Validator orchestrates the validation pipeline over a parsed document:
//  1. Structural shape (JSON Schema)
//  2. Input declaration consistency
//  3. Expression syntax (identifiers unresolved)
//  4. Reference checks (on_failure targets, forward reads, loop modifiers)
//  5. Injection-risk warnings on string-form run
//
// Structural errors short-circuit: the later stages assume a well-shaped
// document.
type Validator struct {
	structural *structuralValidator
	evaluator  *expr.Evaluator
	actions    ActionLookup
	strict     bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithActionLookup enables action-existence checks on `uses`.
func WithActionLookup(lookup ActionLookup) Option {
	return func(v *Validator) { v.actions = lookup }
}

// WithStrict promotes warnings to errors.
func WithStrict() Option {
	return func(v *Validator) { v.strict = true }
}

// New creates a Validator.
func New(opts ...Option) (*Validator, error) {
	sv, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	v := &Validator{
		structural: sv,
		evaluator:  expr.New(nil),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate runs the full pipeline and returns an aggregated report.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationReport {
	report := &schema.ValidationReport{}

	if def == nil {
		report.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return report
	}

	v.structural.validateShape(def, report)
	if !report.Valid() {
		v.finish(report)
		return report
	}

	validateInputs(def, report)
	validateExpressions(def, v.evaluator, report)
	validateReferences(def, report)
	validateInjectionRisk(def, report)
	v.validateActions(def, report)

	v.finish(report)
	return report
}

// ValidateDefinition collapses the report into an error for callers that do
// not need issue-level detail.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}

// ValidatePayload checks a value against a caller-supplied JSON Schema.
func (v *Validator) ValidatePayload(payload any, schemaBytes []byte) error {
	return v.structural.ValidatePayload(payload, schemaBytes)
}

func (v *Validator) validateActions(def *schema.WorkflowDefinition, report *schema.ValidationReport) {
	if v.actions == nil {
		return
	}
	forEachStep(def, func(step *schema.Step, path string) {
		if step.Uses != "" && !v.actions.Has(step.Uses) {
			report.AddError(path+".uses", schema.ErrCodeValidation,
				fmt.Sprintf("action %q not registered", step.Uses))
		}
	})
}

func (v *Validator) finish(report *schema.ValidationReport) {
	if v.strict {
		report.Promote()
	}
}
