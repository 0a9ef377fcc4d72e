package validation

import (
	"fmt"

	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/pkg/schema"
)

// ToolChecker reports whether a (tool, function) pair can be invoked.
// Satisfied by tools.Registry.
type ToolChecker interface {
	Has(tool, function string) bool
}

// validateSemantics checks everything JSON Schema cannot express: sequential
// step IDs, write-once variable flow, retry-target back references, tool
// availability, risk-rule compilation, and magnitude-path syntax.
func validateSemantics(ws *schema.WorkflowSchema, engines *expressions.Engines, tools ToolChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Step IDs must be exactly 1..N in order, so CurrentStep arithmetic and
	// retry rewinds stay trivially correct.
	for i, step := range ws.Steps {
		if step.ID != i+1 {
			result.AddError(stepPath(i, "id"), "sequential_ids",
				fmt.Sprintf("step ids must be sequential starting at 1; position %d has id %d", i+1, step.ID))
		}
	}

	// Variable flow. The input contract seeds the defined set; each step may
	// read only what exists and must not redefine an existing name.
	defined := make(map[string]string) // variable name -> origin
	for _, f := range ws.InputContract.Fields {
		if _, exists := defined[f.Name]; exists {
			result.AddError("/input_contract/fields", "duplicate_field",
				fmt.Sprintf("input field %q declared more than once", f.Name))
			continue
		}
		defined[f.Name] = "input contract"
	}

	for i, step := range ws.Steps {
		for _, name := range step.InputVariables {
			if _, ok := defined[name]; !ok {
				result.AddError(stepPath(i, "input_variables"), "undefined_variable",
					fmt.Sprintf("step %d reads %q, which no earlier step or input field defines", step.ID, name))
			}
		}
		if step.OutputVariable != "" {
			if origin, exists := defined[step.OutputVariable]; exists {
				result.AddError(stepPath(i, "output_variable"), "duplicate_variable",
					fmt.Sprintf("step %d writes %q, already defined by %s", step.ID, step.OutputVariable, origin))
			} else {
				defined[step.OutputVariable] = fmt.Sprintf("step %d", step.ID)
			}
		}

		if step.RetryStep != 0 {
			if step.RetryStep >= step.ID {
				result.AddError(stepPath(i, "retry_step"), "retry_forward",
					fmt.Sprintf("step %d retry target %d must reference an earlier step", step.ID, step.RetryStep))
			}
		}

		if step.OutputType != "" && !schema.ContractTypes[step.OutputType] {
			result.AddError(stepPath(i, "output_type"), "unknown_type",
				fmt.Sprintf("step %d has unknown output type %q", step.ID, step.OutputType))
		}

		if step.MagnitudePath != "" {
			if err := engines.JQ().Check(step.MagnitudePath); err != nil {
				result.AddError(stepPath(i, "magnitude_path"), "bad_magnitude_path",
					fmt.Sprintf("step %d magnitude path does not parse: %v", step.ID, err))
			}
		}

		if tools != nil && !tools.Has(step.Tool, step.Function) {
			result.AddError(stepPath(i, "tool"), "unknown_tool",
				fmt.Sprintf("step %d requires unregistered tool function %s.%s", step.ID, step.Tool, step.Function))
		}
	}

	// Every output contract field must be producible by the workflow;
	// otherwise no execution could ever complete.
	for _, f := range ws.OutputContract.Fields {
		if _, ok := defined[f.Name]; !ok {
			result.AddError("/output_contract/fields", "unproducible_field",
				fmt.Sprintf("output field %q is never produced by any step or input", f.Name))
		}
	}

	// Risk rules must compile under their declared dialect so a bad predicate
	// surfaces at registration, not mid-execution.
	for i, rule := range ws.RiskRules {
		eng, err := engines.ForDialect(rule.Dialect)
		if err != nil {
			result.AddError(rulePath(i, "dialect"), "unknown_dialect", err.Error())
			continue
		}
		if err := eng.Check(rule.Condition); err != nil {
			result.AddError(rulePath(i, "condition"), "bad_condition",
				fmt.Sprintf("rule %q does not compile: %v", rule.Label, err))
		}
		if rule.Contribution > 1 {
			result.AddWarning(rulePath(i, "contribution"), "large_contribution",
				fmt.Sprintf("rule %q contributes %.2f; a single hit forces the escalated tier", rule.Label, rule.Contribution))
		}
	}

	return result
}

func stepPath(index int, field string) string {
	return fmt.Sprintf("/steps/%d/%s", index, field)
}

func rulePath(index int, field string) string {
	return fmt.Sprintf("/risk_rules/%d/%s", index, field)
}
