package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/halcyard/runloom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runloom.dev/schemas/workflow.json",
  "type": "object",
  "required": ["blocks"],
  "properties": {
    "blocks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/block" }
    },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "block": {
      "type": "object",
      "required": ["label", "block_type"],
      "properties": {
        "label": {
          "type": "string",
          "minLength": 1
        },
        "block_type": {
          "type": "string",
          "enum": [
            "task", "task_v2", "for_loop", "code", "text_prompt",
            "download_to_s3", "upload_to_s3", "send_email",
            "file_url_parser", "validation", "action", "navigation",
            "extraction", "login", "wait", "file_download", "goto_url",
            "pdf_parser"
          ]
        },
        "output_parameter_key": { "type": "string" },
        "continue_on_failure": { "type": "boolean" },
        "config": {}
      },
      "additionalProperties": false
    },
    "parameter": {
      "type": "object",
      "required": ["key", "parameter_type"],
      "properties": {
        "key": {
          "type": "string",
          "minLength": 1
        },
        "parameter_type": {
          "type": "string",
          "enum": [
            "workflow", "context", "output", "aws_secret",
            "bitwarden_login_credential", "bitwarden_credit_card_data",
            "bitwarden_sensitive_information", "credential"
          ]
        },
        "description": { "type": "string" },
        "workflow_parameter_type": {
          "type": "string",
          "enum": ["string", "integer", "float", "boolean", "json", "file_url"]
        },
        "default_value": {},
        "has_default": { "type": "boolean" },
        "required": { "type": "boolean" },
        "source_parameter_key": { "type": "string" },
        "source_path": { "type": "string" },
        "block_label": { "type": "string" },
        "aws_key": { "type": "string" },
        "bitwarden_item_id": { "type": "string" },
        "url_parameter_key": { "type": "string" },
        "identity_key": { "type": "string" },
        "credential_id": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow definitions structurally and
// compiles the per-block data schemas (extraction data_schema, text_prompt
// json_schema) declared inside them. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic data-schema compilation.
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
	if err := c.AddResource("https://runloom.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://runloom.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toRunloomError(err)
	}

	return nil
}

// CheckSchema compiles a data schema declared in a block config, reporting
// authoring errors at definition time instead of mid-run.
func (v *JSONSchemaValidator) CheckSchema(schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	_, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid data schema").WithCause(err)
	}
	return nil
}

// ValidateValue validates a value (typically an extraction output) against a
// data schema provided as raw bytes. The schema is compiled and cached for
// subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateValue(value any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid data schema").WithCause(err)
	}

	// Convert to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toRunloomError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("runloom://data-schema/%d", len(v.cache))

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

	v.cache[key] = compiled
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

// toRunloomError converts a jsonschema.ValidationError into a RunloomError
// with the individual violations collected in the details.
func toRunloomError(err error) *schema.RunloomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
