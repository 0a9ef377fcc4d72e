package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/girderhq/girder/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowSchema validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://girder.dev/schemas/workflow.json",
  "type": "object",
  "required": ["key", "version", "steps", "output_contract"],
  "properties": {
    "key": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[a-z0-9][a-z0-9_-]*$"
    },
    "version": {
      "type": "integer",
      "minimum": 1
    },
    "description": { "type": "string" },
    "input_contract": {
      "type": "object",
      "properties": {
        "fields": {
          "type": "array",
          "items": { "$ref": "#/$defs/field" }
        },
        "prerequisites": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "output_contract": {
      "type": "object",
      "required": ["fields"],
      "properties": {
        "fields": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/field" }
        }
      },
      "additionalProperties": false
    },
    "risk_rules": {
      "type": "array",
      "items": { "$ref": "#/$defs/risk_rule" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "field": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["string", "number", "integer", "boolean", "object", "array", "any"]
        },
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "persona", "tool", "function"],
      "properties": {
        "id": { "type": "integer", "minimum": 1 },
        "persona": { "type": "string", "minLength": 1 },
        "tool": { "type": "string", "minLength": 1 },
        "function": { "type": "string", "minLength": 1 },
        "input_variables": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "output_variable": { "type": "string" },
        "output_type": {
          "type": "string",
          "enum": ["string", "number", "integer", "boolean", "object", "array", "any"]
        },
        "magnitude_path": { "type": "string" },
        "retry_step": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "risk_rule": {
      "type": "object",
      "required": ["label", "condition", "contribution"],
      "properties": {
        "label": { "type": "string", "minLength": 1 },
        "dialect": {
          "type": "string",
          "enum": ["cel", "expr", "jq"]
        },
        "condition": { "type": "string", "minLength": 1 },
        "contribution": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation of workflow schemas and
// contract checks against variable maps, both via JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamically compiled contract schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://girder.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://girder.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateStructure validates a WorkflowSchema against the embedded JSON Schema.
func (v *JSONSchemaValidator) ValidateStructure(ws *schema.WorkflowSchema) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if ws == nil {
		result.AddError("", "nil_schema", "workflow schema is nil")
		return result
	}

	doc, err := toJSONValue(ws)
	if err != nil {
		result.AddError("", "serialize", "failed to serialize workflow schema: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		collectIssues(result, err)
	}
	return result
}

// ValidateContract checks a variable map against contract fields and reports
// every missing or type-mismatched field, not just the first.
func (v *JSONSchemaValidator) ValidateContract(fields []schema.ContractField, values map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(fields) == 0 {
		return result
	}

	compiled, err := v.getOrCompile(contractSchemaJSON(fields))
	if err != nil {
		result.AddError("", "contract_schema", "invalid contract schema: "+err.Error())
		return result
	}

	if values == nil {
		values = map[string]any{}
	}
	doc, err := toJSONValue(values)
	if err != nil {
		result.AddError("", "serialize", "failed to serialize values: "+err.Error())
		return result
	}

	if err := compiled.Validate(doc); err != nil {
		collectIssues(result, err)
	}
	return result
}

// contractSchemaJSON builds a JSON Schema document from contract fields.
// Fields typed "any" (or untyped) only get presence checks.
func contractSchemaJSON(fields []schema.ContractField) string {
	properties := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		prop := map[string]any{}
		if f.Type != "" && f.Type != "any" {
			prop["type"] = f.Type
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	b, _ := json.Marshal(doc)
	return string(b)
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaJSON string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[schemaJSON]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[schemaJSON]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("girder://contract-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[schemaJSON] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectIssues walks a ValidationError tree and records leaf violations with
// their instance locations.
func collectIssues(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("", "validation", err.Error())
		return
	}
	for _, v := range collectLeaves(verr) {
		result.AddError(v.path, "schema", v.message)
	}
}

type leafViolation struct {
	path    string
	message string
}

func collectLeaves(verr *jsonschema.ValidationError) []leafViolation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []leafViolation{{path: loc, message: verr.Error()}}
	}

	var violations []leafViolation
	for _, cause := range verr.Causes {
		violations = append(violations, collectLeaves(cause)...)
	}
	return violations
}
