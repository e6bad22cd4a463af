package actions

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/store"
	"github.com/loomctl/loom/pkg/schema"
)

// FindingStore is the persistence boundary for report/add. Satisfied by
// store.Store.
type FindingStore interface {
	CreateFinding(ctx context.Context, f *store.Finding) error
}

// ReportActions returns the finding-reporting actions.
func ReportActions(findings FindingStore) []Action {
	return []Action{&reportAddAction{findings: findings}}
}

var findingSeverities = map[string]bool{
	"info": true, "low": true, "medium": true, "high": true, "critical": true,
}

type reportAddAction struct {
	findings FindingStore
}

func (a *reportAddAction) Name() string { return "report/add" }

func (a *reportAddAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Record a structured finding for the run.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "severity": {"type": "string", "enum": ["info", "low", "medium", "high", "critical"]},
    "description": {"type": "string"},
    "data": {"type": "object"}
  },
  "required": ["title", "severity"]
}`),
		OutputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "finding_id": {"type": "string"},
    "title": {"type": "string"},
    "severity": {"type": "string"},
    "success": {"type": "boolean"}
  }
}`),
	}
}

func (a *reportAddAction) Validate(with map[string]any) error {
	if stringParam(with, "title", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "report/add: missing required param 'title'")
	}
	severity := stringParam(with, "severity", "")
	if !findingSeverities[severity] {
		return schema.NewErrorf(schema.ErrCodeValidation, "report/add: invalid severity %q", severity)
	}
	return nil
}

func (a *reportAddAction) Execute(ctx context.Context, input Input) (*Output, error) {
	with := input.With
	if err := a.Validate(with); err != nil {
		return nil, err
	}

	var data json.RawMessage
	if d, ok := with["data"]; ok && d != nil {
		encoded, err := json.Marshal(d)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "report/add: marshal data: %v", err).WithCause(err)
		}
		data = encoded
	}

	f := &store.Finding{
		ID:          uuid.New().String(),
		RunID:       input.Run.RunID(),
		StepID:      input.StepID,
		Title:       stringParam(with, "title", ""),
		Severity:    stringParam(with, "severity", ""),
		Description: stringParam(with, "description", ""),
		Data:        data,
	}
	if err := a.findings.CreateFinding(ctx, f); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "report/add: %v", err).WithCause(err)
	}

	return &Output{Outputs: map[string]any{
		"finding_id": f.ID,
		"title":      f.Title,
		"severity":   f.Severity,
		"success":    true,
	}}, nil
}
