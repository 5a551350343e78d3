package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyard/runloom/pkg/schema"
)

func mustConfig(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func navBlock(t *testing.T, label string) schema.Block {
	t.Helper()
	return schema.Block{
		Label: label,
		Type:  schema.BlockTypeNavigation,
		Config: mustConfig(t, schema.TaskConfig{
			URL:            "https://example.com",
			NavigationGoal: "log in and open the orders page",
		}),
	}
}

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator()
	require.NoError(t, err)
	return wv
}

func TestValidate_MinimalWorkflow(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Blocks: []schema.Block{navBlock(t, "login")},
	}

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidate_NilDefinition(t *testing.T) {
	wv := newValidator(t)

	result := wv.Validate(nil)
	require.False(t, result.Valid())
}

func TestValidate_EmptyBlocks(t *testing.T) {
	wv := newValidator(t)

	result := wv.Validate(&schema.WorkflowDefinition{})
	require.False(t, result.Valid())
}

func TestValidate_UnknownBlockType(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Blocks: []schema.Block{{Label: "x", Type: "teleport"}},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
}

func TestValidate_DuplicateBlockLabels(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Blocks: []schema.Block{navBlock(t, "same"), navBlock(t, "same")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate block label")
}

func TestValidate_DuplicateLabelInsideLoop(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "urls", Type: schema.ParameterTypeWorkflow, ValueType: schema.ValueTypeJSON},
		},
		Blocks: []schema.Block{
			navBlock(t, "visit"),
			{
				Label: "each_url",
				Type:  schema.BlockTypeForLoop,
				Config: mustConfig(t, schema.ForLoopConfig{
					LoopOverParameterKey: "urls",
					Blocks:               []schema.Block{navBlock(t, "visit")},
				}),
			},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate block label")
}

func TestValidate_DuplicateParameterKeys(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "k", Type: schema.ParameterTypeWorkflow},
			{Key: "k", Type: schema.ParameterTypeWorkflow},
		},
		Blocks: []schema.Block{navBlock(t, "a")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate parameter key")
}

func TestValidate_ContextParameterUnknownSource(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "derived", Type: schema.ParameterTypeContext, SourceKey: "missing"},
		},
		Blocks: []schema.Block{navBlock(t, "a")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown source")
}

func TestValidate_ContextParameterFromBlockOutput(t *testing.T) {
	wv := newValidator(t)

	b := navBlock(t, "extract_orders")
	b.OutputParameterKey = "orders_output"

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "first_order", Type: schema.ParameterTypeContext,
				SourceKey: "orders_output", SourcePath: ".orders[0]"},
		},
		Blocks: []schema.Block{b},
	}

	result := wv.Validate(def)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidate_BadSourcePath(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "base", Type: schema.ParameterTypeWorkflow},
			{Key: "derived", Type: schema.ParameterTypeContext,
				SourceKey: "base", SourcePath: ".[unclosed"},
		},
		Blocks: []schema.Block{navBlock(t, "a")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
}

func TestValidate_ParameterCycle(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "a", Type: schema.ParameterTypeContext, SourceKey: "b"},
			{Key: "b", Type: schema.ParameterTypeContext, SourceKey: "a"},
		},
		Blocks: []schema.Block{navBlock(t, "x")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	found := false
	for _, e := range result.Errors {
		if e.Code == schema.ErrCodeParameterCycle {
			found = true
		}
	}
	assert.True(t, found, "expected a parameter cycle error, got: %+v", result.Errors)
}

func TestValidate_SelfReferencingContextParameter(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "self", Type: schema.ParameterTypeContext, SourceKey: "self"},
		},
		Blocks: []schema.Block{navBlock(t, "x")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
}

func TestValidate_ForLoopMissingSource(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Blocks: []schema.Block{
			{
				Label: "loop",
				Type:  schema.BlockTypeForLoop,
				Config: mustConfig(t, schema.ForLoopConfig{
					Blocks: []schema.Block{navBlock(t, "inner")},
				}),
			},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "loop_over_parameter_key")
}

func TestValidate_ForLoopBadVariableReference(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "items", Type: schema.ParameterTypeWorkflow, ValueType: schema.ValueTypeJSON},
		},
		Blocks: []schema.Block{
			{
				Label: "loop",
				Type:  schema.BlockTypeForLoop,
				Config: mustConfig(t, schema.ForLoopConfig{
					LoopOverParameterKey:  "items",
					LoopVariableReference: "current_value.",
					Blocks:                []schema.Block{navBlock(t, "inner")},
				}),
			},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
}

func TestValidate_ValidationBlockCriteria(t *testing.T) {
	wv := newValidator(t)

	t.Run("missing both criteria", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			Blocks: []schema.Block{
				{Label: "check", Type: schema.BlockTypeValidation,
					Config: mustConfig(t, schema.TaskConfig{})},
			},
		}
		result := wv.Validate(def)
		require.False(t, result.Valid())
	})

	t.Run("bad criterion expression", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			Blocks: []schema.Block{
				{Label: "check", Type: schema.BlockTypeValidation,
					Config: mustConfig(t, schema.TaskConfig{CompleteCriterion: "output.done =="})},
			},
		}
		result := wv.Validate(def)
		require.False(t, result.Valid())
	})

	t.Run("valid criterion", func(t *testing.T) {
		def := &schema.WorkflowDefinition{
			Blocks: []schema.Block{
				{Label: "check", Type: schema.BlockTypeValidation,
					Config: mustConfig(t, schema.TaskConfig{CompleteCriterion: "output.done == true"})},
			},
		}
		result := wv.Validate(def)
		assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
	})
}

func TestValidate_BadDataSchema(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Blocks: []schema.Block{
			{Label: "scrape", Type: schema.BlockTypeExtraction,
				Config: mustConfig(t, schema.TaskConfig{
					DataExtractionGoal: "collect order rows",
					DataSchema:         json.RawMessage(`{"type": 12}`),
				})},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
}

func TestValidate_OutputKeyCollidesWithParameter(t *testing.T) {
	wv := newValidator(t)

	b := navBlock(t, "nav")
	b.OutputParameterKey = "shared"

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "shared", Type: schema.ParameterTypeWorkflow},
		},
		Blocks: []schema.Block{b},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "collides")
}

func TestValidate_CredentialParameterFields(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Parameters: []schema.Parameter{
			{Key: "login", Type: schema.ParameterTypeBitwardenLoginCredential},
		},
		Blocks: []schema.Block{navBlock(t, "a")},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "bitwarden_item_id")
}

func TestValidate_WaitBlock(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		Blocks: []schema.Block{
			{Label: "pause", Type: schema.BlockTypeWait,
				Config: mustConfig(t, schema.WaitConfig{WaitSeconds: 0})},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
}

func TestValidateValue_DataSchema(t *testing.T) {
	wv := newValidator(t)

	dataSchema := []byte(`{
		"type": "object",
		"required": ["total"],
		"properties": {"total": {"type": "number"}}
	}`)

	err := wv.DataSchemas().ValidateValue(map[string]any{"total": 12.5}, dataSchema)
	require.NoError(t, err)

	err = wv.DataSchemas().ValidateValue(map[string]any{"other": true}, dataSchema)
	require.Error(t, err)
}
