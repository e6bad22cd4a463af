package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// workflowDoc mirrors WorkflowDefinition for YAML decoding, with jobs kept as
// a raw node so declaration order survives (YAML mappings are unordered once
// decoded into a Go map).
type workflowDoc struct {
	Name          string                `yaml:"name"`
	Version       string                `yaml:"version"`
	SchemaVersion string                `yaml:"schema_version"`
	Description   string                `yaml:"description"`
	Inputs        map[string]*InputSpec `yaml:"inputs"`
	Env           map[string]string     `yaml:"env"`
	Jobs          yaml.Node             `yaml:"jobs"`
	Finally       []*Step               `yaml:"finally"`
	OnComplete    []*Step               `yaml:"on_complete"`
	OnFailure     []*Step               `yaml:"on_failure"`
	Guardrails    *GuardrailSpec        `yaml:"guardrails"`
}

type jobBody struct {
	Steps   []*Step `yaml:"steps"`
	Finally []*Step `yaml:"finally"`
}

// Parse decodes a YAML workflow document into a WorkflowDefinition.
// It performs shape decoding only; semantic checks belong to the validator.
func Parse(data []byte) (*WorkflowDefinition, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "malformed workflow document: %s", err.Error()).WithCause(err)
	}

	def := &WorkflowDefinition{
		Name:          doc.Name,
		Version:       doc.Version,
		SchemaVersion: doc.SchemaVersion,
		Description:   doc.Description,
		Inputs:        doc.Inputs,
		Env:           doc.Env,
		Finally:       doc.Finally,
		OnComplete:    doc.OnComplete,
		OnFailure:     doc.OnFailure,
		Guardrails:    doc.Guardrails,
	}

	if doc.Jobs.Kind == 0 {
		return nil, NewError(ErrCodeValidation, "workflow document has no jobs")
	}
	if doc.Jobs.Kind != yaml.MappingNode {
		return nil, NewError(ErrCodeValidation, "jobs must be a mapping of job name to job body")
	}

	// Mapping node content alternates key, value.
	for i := 0; i+1 < len(doc.Jobs.Content); i += 2 {
		keyNode := doc.Jobs.Content[i]
		valNode := doc.Jobs.Content[i+1]

		var body jobBody
		if err := valNode.Decode(&body); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "job %q: %s", keyNode.Value, err.Error()).WithCause(err)
		}
		def.Jobs = append(def.Jobs, &Job{
			Name:    keyNode.Value,
			Steps:   body.Steps,
			Finally: body.Finally,
		})
	}

	return def, nil
}

// ParseFile reads and parses a workflow document from disk.
func ParseFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow document: %w", err)
	}
	return Parse(data)
}
