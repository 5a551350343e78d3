package validation

import (
	"github.com/halcyard/runloom/internal/expressions"
	"github.com/halcyard/runloom/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (parameter refs, block configs, expression compilation)
// 3. Parameter graph (dependency cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	cel        *expressions.CELEngine
	expr       *expressions.ExprEngine
	jq         *expressions.GoJQEngine
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		cel:        cel,
		expr:       expressions.NewExprEngine(),
		jq:         expressions.NewGoJQEngine(),
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, wv))

	// Stage 3: Parameter graph (skip if semantic errors, refs may be invalid).
	if result.Valid() {
		result.Merge(validateParameterGraph(def))
	}

	return result
}

// ValidateDefinition runs the pipeline and converts the result to an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// DataSchemas exposes the underlying JSON Schema validator so run-time
// consumers (extraction output validation) share the compiled-schema cache.
func (wv *WorkflowValidator) DataSchemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

// Engines exposes the expression engines so run-time evaluation reuses the
// programs compiled during validation.
func (wv *WorkflowValidator) Engines() (*expressions.CELEngine, *expressions.ExprEngine, *expressions.GoJQEngine) {
	return wv.cel, wv.expr, wv.jq
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	rlErr, ok := err.(*schema.RunloomError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if rlErr.Details != nil {
		if violations, ok := rlErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, rlErr.Message)
	return result
}
