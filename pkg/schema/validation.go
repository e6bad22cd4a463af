package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity ranks a validation issue.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow document.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationReport aggregates all issues from the validation pipeline.
// Errors are fatal; warnings are advisory unless promoted by strict mode.
type ValidationReport struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationReport) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationReport) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another report into this one.
func (r *ValidationReport) Merge(other *ValidationReport) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Promote converts every warning into an error. Strict mode uses this.
func (r *ValidationReport) Promote() {
	for _, w := range r.Warnings {
		w.Severity = SeverityError
		r.Errors = append(r.Errors, w)
	}
	r.Warnings = nil
}

// ToError collapses the report into a single LoomError, or nil when valid.
func (r *ValidationReport) ToError() error {
	if r.Valid() {
		return nil
	}

	msgs := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", issue.Path, issue.Message)
	}

	return NewErrorf(ErrCodeValidation,
		"document validation failed with %d error(s)", len(r.Errors)).
		WithDetails(map[string]any{"violations": strings.Join(msgs, "; "), "issues": r.Errors})
}
