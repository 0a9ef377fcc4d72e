package validation

import (
	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/pkg/schema"
)

// Validator runs the two-stage schema validation pipeline: structural
// (JSON Schema) then semantic (variable flow, tools, expressions). Contract
// checks at run time reuse the same compiled-schema cache.
type Validator struct {
	js      *JSONSchemaValidator
	engines *expressions.Engines
	tools   ToolChecker
}

// NewValidator creates a Validator. tools may be nil to skip availability
// checks (useful when validating schemas offline).
func NewValidator(engines *expressions.Engines, tools ToolChecker) (*Validator, error) {
	js, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{js: js, engines: engines, tools: tools}, nil
}

// ValidateSchema validates a workflow schema for registration. The semantic
// pass only runs on structurally valid schemas; its checks assume well-formed
// fields.
func (v *Validator) ValidateSchema(ws *schema.WorkflowSchema) *schema.ValidationResult {
	result := v.js.ValidateStructure(ws)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantics(ws, v.engines, v.tools))
	return result
}

// ValidateInputs checks start-time inputs against the schema's input contract.
func (v *Validator) ValidateInputs(ws *schema.WorkflowSchema, inputs map[string]any) *schema.ValidationResult {
	result := v.js.ValidateContract(ws.InputContract.Fields, inputs)

	// Inputs outside the contract would silently seed variables no step
	// declared, so reject them here.
	known := make(map[string]bool, len(ws.InputContract.Fields))
	for _, f := range ws.InputContract.Fields {
		known[f.Name] = true
	}
	for name := range inputs {
		if !known[name] {
			result.AddError("/"+name, "undeclared_input", "input field is not part of the contract")
		}
	}
	return result
}

// ValidateOutputs checks the final variable context against the output
// contract. Every field is reported, so a reviewer sees the complete list of
// gaps at once.
func (v *Validator) ValidateOutputs(ws *schema.WorkflowSchema, variables map[string]any) *schema.ValidationResult {
	fields := make([]schema.ContractField, len(ws.OutputContract.Fields))
	copy(fields, ws.OutputContract.Fields)
	// Output contract fields are all mandatory for completion.
	for i := range fields {
		fields[i].Required = true
	}
	return v.js.ValidateContract(fields, variables)
}

// CheckValue validates a single value against a contract type. Used to gate
// reviewer overrides against the step's declared output type.
func (v *Validator) CheckValue(name, typ string, value any) *schema.ValidationResult {
	if typ == "" || typ == "any" {
		return &schema.ValidationResult{}
	}
	return v.js.ValidateContract(
		[]schema.ContractField{{Name: name, Type: typ, Required: true}},
		map[string]any{name: value},
	)
}
