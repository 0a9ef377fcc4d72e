package schema

import "fmt"

// WorkflowSchema is the JSON-serializable, immutable definition of a review
// workflow. A key+version pair is registered exactly once; behavior changes
// require a new version, so executions created against version N replay
// deterministically even after N+1 is published.
type WorkflowSchema struct {
	Key            string           `json:"key"`
	Version        int              `json:"version"`
	Description    string           `json:"description,omitempty"`
	InputContract  InputContract    `json:"input_contract"`
	Steps          []StepDefinition `json:"steps"`
	OutputContract OutputContract   `json:"output_contract"`
	RiskRules      []RiskRule       `json:"risk_rules,omitempty"`
}

// InputContract declares the named fields an execution must be started with,
// plus the upstream documents/contracts it presumes. Prerequisites are
// recorded verbatim for reviewers; the engine does not interpret them.
type InputContract struct {
	Fields        []ContractField `json:"fields,omitempty"`
	Prerequisites []string        `json:"prerequisites,omitempty"`
}

// OutputContract declares the variables a completed execution must have
// produced. Every field is required; an execution is never marked completed
// while any field is missing or type-mismatched.
type OutputContract struct {
	Fields []ContractField `json:"fields"`
}

// ContractField is a single named field with a JSON type constraint.
type ContractField struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"` // string, number, integer, boolean, object, array, any
	Required bool   `json:"required,omitempty"`
}

// ContractTypes enumerates the permitted ContractField type names.
var ContractTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true, "any": true, "": true,
}

// StepDefinition describes a single step in a workflow schema.
// Step IDs are 1-based and sequential within the schema.
type StepDefinition struct {
	ID             int      `json:"id"`
	Persona        string   `json:"persona"` // opaque role tag, passed through to the tool invoker
	Tool           string   `json:"tool"`
	Function       string   `json:"function"`
	InputVariables []string `json:"input_variables,omitempty"` // ordered names resolved from the variable context
	OutputVariable string   `json:"output_variable,omitempty"` // empty for side-effect-only steps
	OutputType     string   `json:"output_type,omitempty"`     // JSON type of the output; gates MODIFIED overrides
	MagnitudePath  string   `json:"magnitude_path,omitempty"`  // jq expression extracting the numeric used for re-run deviation scoring
	RetryStep      int      `json:"retry_step,omitempty"`      // earlier step to rewind to on rejection; 0 = rejection is terminal
}

// RiskRule is a weighted predicate evaluated against a step's output.
type RiskRule struct {
	Label        string  `json:"label"`
	Dialect      string  `json:"dialect,omitempty"` // cel (default), expr, jq
	Condition    string  `json:"condition"`
	Contribution float64 `json:"contribution"`
}

// StepByID returns the step with the given 1-based ID, or nil.
func (s *WorkflowSchema) StepByID(id int) *StepDefinition {
	if id < 1 || id > len(s.Steps) {
		return nil
	}
	// IDs are validated sequential at registration, so index directly.
	return &s.Steps[id-1]
}

// QualifiedKey returns the "key@vN" display form used in logs and errors.
func (s *WorkflowSchema) QualifiedKey() string {
	return QualifiedKey(s.Key, s.Version)
}

// QualifiedKey formats a schema key and version for display.
func QualifiedKey(key string, version int) string {
	if version <= 0 {
		return key
	}
	return fmt.Sprintf("%s@v%d", key, version)
}
