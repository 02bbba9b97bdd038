package validation

import "github.com/loomworks/loom/pkg/schema"

// Validator is the schema-validation collaborator the engine calls at the
// definition and run boundaries. The engine never interprets schema semantics
// itself.
type Validator interface {
	// ValidateDefinition checks a workflow definition structurally (JSON
	// Schema) and semantically (step ID uniqueness, reference ordering).
	ValidateDefinition(def *schema.WorkflowDefinition) error

	// ValidateInput checks run input against the definition's input schema.
	ValidateInput(input map[string]any, inputSchema []byte) error

	// ValidateOutput checks the projected run output against the
	// definition's output schema.
	ValidateOutput(output map[string]any, outputSchema []byte) error
}
