package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomctl/loom/internal/expr"
	"github.com/loomctl/loom/pkg/schema"
)

// validateInputs checks input declarations for self-consistency: pattern only
// on string, min/max only on integer, default compatible with the declared
// type.
func validateInputs(def *schema.WorkflowDefinition, report *schema.ValidationReport) {
	for name, spec := range def.Inputs {
		path := "inputs." + name

		if spec == nil {
			report.AddError(path, schema.ErrCodeValidation, "input declaration is empty")
			continue
		}

		if spec.Pattern != "" {
			if spec.Type != schema.InputString {
				report.AddError(path+".pattern", schema.ErrCodeValidation,
					fmt.Sprintf("pattern applies only to string inputs, not %s", spec.Type))
			} else if _, err := regexp.Compile(spec.Pattern); err != nil {
				report.AddError(path+".pattern", schema.ErrCodeValidation,
					"invalid pattern: "+err.Error())
			}
		}

		if (spec.Min != nil || spec.Max != nil) && spec.Type != schema.InputInteger {
			report.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("min/max apply only to integer inputs, not %s", spec.Type))
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			report.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("min (%v) exceeds max (%v)", *spec.Min, *spec.Max))
		}

		if spec.Default != nil {
			if !defaultCompatible(spec.Type, spec.Default) {
				report.AddError(path+".default", schema.ErrCodeValidation,
					fmt.Sprintf("default %v is not a %s", spec.Default, spec.Type))
			}
			if spec.Required {
				report.AddWarning(path, schema.ErrCodeValidation,
					"required input with a default never uses the default")
			}
		}
	}
}

func defaultCompatible(t schema.InputType, v any) bool {
	switch t {
	case schema.InputString, schema.InputFile:
		_, ok := v.(string)
		return ok
	case schema.InputInteger:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case schema.InputBoolean:
		_, ok := v.(bool)
		return ok
	}
	return false
}

// validateExpressions syntax-checks every expression in the document without
// resolving identifiers: inputs are not bound at validation time.
func validateExpressions(def *schema.WorkflowDefinition, ev *expr.Evaluator, report *schema.ValidationReport) {
	for name, source := range def.Env {
		checkEmbedded(ev, source, "env."+name, report)
	}

	forEachStep(def, func(step *schema.Step, path string) {
		if step.If != "" {
			checkBare(ev, step.If, path+".if", report)
		}
		if step.Loop != "" {
			checkBare(ev, step.Loop, path+".loop", report)
		}
		if step.BreakIf != "" {
			checkBare(ev, step.BreakIf, path+".break_if", report)
		}
		if step.Run != nil {
			if step.Run.IsArgv() {
				for i, token := range step.Run.Argv {
					checkEmbedded(ev, token, fmt.Sprintf("%s.run[%d]", path, i), report)
				}
			} else {
				checkEmbedded(ev, step.Run.Command, path+".run", report)
			}
		}
		checkWithValue(ev, step.With, path+".with", report)
	})
}

// checkBare validates a field that holds a bare expression. The ${{ }}
// wrapper is tolerated since authors habitually carry it over from
// interpolated fields.
func checkBare(ev *expr.Evaluator, source, path string, report *schema.ValidationReport) {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		trimmed = strings.TrimSpace(trimmed[3 : len(trimmed)-2])
	}
	if err := ev.CheckSyntax(trimmed); err != nil {
		report.AddError(path, schema.ErrCodeValidation, err.Error())
	}
}

// checkEmbedded validates every ${{ }} token inside a string field.
func checkEmbedded(ev *expr.Evaluator, s, path string, report *schema.ValidationReport) {
	sources, err := expr.Expressions(s)
	if err != nil {
		report.AddError(path, schema.ErrCodeValidation, err.Error())
		return
	}
	for _, source := range sources {
		if err := ev.CheckSyntax(source); err != nil {
			report.AddError(path, schema.ErrCodeValidation, err.Error())
		}
	}
}

func checkWithValue(ev *expr.Evaluator, v any, path string, report *schema.ValidationReport) {
	switch val := v.(type) {
	case string:
		checkEmbedded(ev, val, path, report)
	case map[string]any:
		for k, item := range val {
			checkWithValue(ev, item, path+"."+k, report)
		}
	case []any:
		for i, item := range val {
			checkWithValue(ev, item, fmt.Sprintf("%s[%d]", path, i), report)
		}
	}
}

// validateReferences checks that on_failure targets exist, that loop
// modifiers appear only on loop steps, and that steps.<id> reads refer to
// steps that necessarily ran before the reader. Forward data reads are
// errors; on_failure jump targets may point forward.
func validateReferences(def *schema.WorkflowDefinition, report *schema.ValidationReport) {
	declared := map[string]string{} // step ID -> path, for duplicate detection

	forEachStep(def, func(step *schema.Step, path string) {
		if step.ID == "" {
			return
		}
		if prev, ok := declared[step.ID]; ok {
			report.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first declared at %s)", step.ID, prev))
			return
		}
		declared[step.ID] = path
	})

	// earlier accumulates the IDs of steps guaranteed to have run before the
	// step under inspection. Jobs execute in declaration order, so a later
	// job sees every step of earlier jobs.
	earlier := map[string]bool{}

	checkList := func(steps []*schema.Step, listPath string, local map[string]bool) {
		ids := map[string]bool{}
		for _, s := range steps {
			ids[s.ID] = true
		}

		for i, step := range steps {
			path := fmt.Sprintf("%s[%d]", listPath, i)

			if step.BreakIf != "" && step.Loop == "" {
				report.AddError(path+".break_if", schema.ErrCodeValidation,
					"break_if requires loop")
			}
			if step.ContinueOnError && step.Loop == "" {
				report.AddError(path+".continue_on_error", schema.ErrCodeValidation,
					"continue_on_error requires loop")
			}

			if step.OnFailure != "" {
				if step.OnFailure == step.ID {
					report.AddError(path+".on_failure", schema.ErrCodeValidation,
						"on_failure cannot target the step itself")
				} else if !ids[step.OnFailure] {
					report.AddError(path+".on_failure", schema.ErrCodeValidation,
						fmt.Sprintf("on_failure references unknown step %q in this step list", step.OnFailure))
				}
			}

			checkStepReads(step, path, earlier, local, report)
			local[step.ID] = true
		}

		for _, s := range steps {
			earlier[s.ID] = true
		}
	}

	for _, job := range def.Jobs {
		checkList(job.Steps, fmt.Sprintf("jobs.%s.steps", job.Name), map[string]bool{})
		if len(job.Finally) > 0 {
			checkList(job.Finally, fmt.Sprintf("jobs.%s.finally", job.Name), map[string]bool{})
		}
	}
	for name, steps := range map[string][]*schema.Step{
		"finally": def.Finally, "on_complete": def.OnComplete, "on_failure": def.OnFailure,
	} {
		if len(steps) > 0 {
			checkList(steps, name, map[string]bool{})
		}
	}
}

// checkStepReads verifies every steps.<id> read in the step's expressions
// refers to a step that has necessarily run already. break_if may read the
// loop step's own per-iteration outputs.
func checkStepReads(step *schema.Step, path string, earlier, local map[string]bool, report *schema.ValidationReport) {
	check := func(refs []string, fieldPath string, allowSelf bool) {
		for _, ref := range refs {
			if earlier[ref] || local[ref] {
				continue
			}
			if allowSelf && ref == step.ID {
				continue
			}
			report.AddError(fieldPath, schema.ErrCodeValidation,
				fmt.Sprintf("forward reference: step %q has not run when this expression is evaluated", ref))
		}
	}

	if step.If != "" {
		check(expr.StepRefs(stripToken(step.If)), path+".if", false)
	}
	if step.Loop != "" {
		check(expr.StepRefs(stripToken(step.Loop)), path+".loop", false)
	}
	if step.BreakIf != "" {
		check(expr.StepRefs(stripToken(step.BreakIf)), path+".break_if", true)
	}
	if step.Run != nil && !step.Run.IsArgv() {
		check(embeddedRefs(step.Run.Command), path+".run", false)
	}
	if step.Run.IsArgv() {
		for i, token := range step.Run.Argv {
			check(embeddedRefs(token), fmt.Sprintf("%s.run[%d]", path, i), false)
		}
	}
	check(withRefs(step.With), path+".with", false)
}

func stripToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		return strings.TrimSpace(trimmed[3 : len(trimmed)-2])
	}
	return trimmed
}

func embeddedRefs(s string) []string {
	sources, err := expr.Expressions(s)
	if err != nil {
		return nil
	}
	var refs []string
	for _, source := range sources {
		refs = append(refs, expr.StepRefs(source)...)
	}
	return refs
}

func withRefs(v any) []string {
	switch val := v.(type) {
	case string:
		return embeddedRefs(val)
	case map[string]any:
		var refs []string
		for _, item := range val {
			refs = append(refs, withRefs(item)...)
		}
		return refs
	case []any:
		var refs []string
		for _, item := range val {
			refs = append(refs, withRefs(item)...)
		}
		return refs
	}
	return nil
}

// validateInjectionRisk warns about interpolations spliced into string-form
// run commands without shell_quote. Array-form run bypasses the shell and
// carries no risk.
func validateInjectionRisk(def *schema.WorkflowDefinition, report *schema.ValidationReport) {
	forEachStep(def, func(step *schema.Step, path string) {
		if step.Run == nil || step.Run.IsArgv() {
			return
		}
		sources, err := expr.Expressions(step.Run.Command)
		if err != nil {
			return
		}
		for _, source := range sources {
			if isQuoteSafe(source) {
				continue
			}
			report.AddWarning(path+".run", schema.ErrCodeValidation,
				fmt.Sprintf("interpolation %q is spliced into a shell command without shell_quote; "+
					"pipe it through shell_quote or use array-form run", source))
		}
	})
}

// isQuoteSafe reports whether an interpolated expression already neutralizes
// shell metacharacters: piped through shell_quote, or a numeric-looking
// literal reference like loop.index.
func isQuoteSafe(source string) bool {
	if strings.Contains(source, "shell_quote") {
		return true
	}
	return source == "loop.index"
}

// forEachStep visits every step in the document: job steps, job finally
// lists, and document-level handler lists.
func forEachStep(def *schema.WorkflowDefinition, fn func(step *schema.Step, path string)) {
	visit := func(steps []*schema.Step, listPath string) {
		for i, step := range steps {
			if step != nil {
				fn(step, fmt.Sprintf("%s[%d]", listPath, i))
			}
		}
	}
	for _, job := range def.Jobs {
		visit(job.Steps, fmt.Sprintf("jobs.%s.steps", job.Name))
		visit(job.Finally, fmt.Sprintf("jobs.%s.finally", job.Name))
	}
	visit(def.Finally, "finally")
	visit(def.OnComplete, "on_complete")
	visit(def.OnFailure, "on_failure")
}
