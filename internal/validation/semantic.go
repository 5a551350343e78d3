package validation

import (
	"fmt"

	"github.com/halcyard/runloom/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: key and label uniqueness, parameter references, block config
// decodability, per-type config requirements, expression compilation.
func validateSemantic(def *schema.WorkflowDefinition, wv *WorkflowValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	paramKeys := validateParameterKeys(def, result)
	labels := collectBlockLabels(def, result)

	// Output parameter keys declared on blocks join the parameter namespace:
	// downstream blocks and context parameters reference them by key.
	outputKeys := make(map[string]bool)
	for label, b := range labels {
		if b.OutputParameterKey == "" {
			continue
		}
		if paramKeys[b.OutputParameterKey] {
			result.AddError(fmt.Sprintf("blocks[%s].output_parameter_key", label),
				schema.ErrCodeValidation,
				fmt.Sprintf("output parameter key %q collides with a declared parameter", b.OutputParameterKey))
		}
		if outputKeys[b.OutputParameterKey] {
			result.AddError(fmt.Sprintf("blocks[%s].output_parameter_key", label),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate output parameter key %q", b.OutputParameterKey))
		}
		outputKeys[b.OutputParameterKey] = true
	}

	for i := range def.Parameters {
		validateParameterSemantic(&def.Parameters[i], fmt.Sprintf("parameters[%d]", i),
			paramKeys, outputKeys, labels, wv, result)
	}

	validateBlocks(def.Blocks, "blocks", paramKeys, outputKeys, wv, result)

	return result
}

// validateParameterKeys checks key uniqueness and returns the key set.
func validateParameterKeys(def *schema.WorkflowDefinition, result *schema.ValidationResult) map[string]bool {
	keys := make(map[string]bool, len(def.Parameters))
	for i, p := range def.Parameters {
		if keys[p.Key] {
			result.AddError(fmt.Sprintf("parameters[%d].key", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate parameter key %q", p.Key))
			continue
		}
		keys[p.Key] = true
	}
	return keys
}

// collectBlockLabels walks the whole block tree (including for_loop nests)
// checking label uniqueness, and returns label -> block.
func collectBlockLabels(def *schema.WorkflowDefinition, result *schema.ValidationResult) map[string]schema.Block {
	labels := make(map[string]schema.Block)
	_ = def.WalkBlocks(func(b schema.Block, depth int) error {
		if _, exists := labels[b.Label]; exists {
			result.AddError(fmt.Sprintf("blocks[%s]", b.Label),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate block label %q", b.Label))
			return nil
		}
		labels[b.Label] = b
		return nil
	})
	return labels
}

// validateParameterSemantic checks a single declared parameter.
func validateParameterSemantic(p *schema.Parameter, path string, paramKeys, outputKeys map[string]bool, labels map[string]schema.Block, wv *WorkflowValidator, result *schema.ValidationResult) {
	switch p.Type {
	case schema.ParameterTypeWorkflow:
		if p.Required && p.HasDefault {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("parameter %q is required but also has a default; the default makes required moot", p.Key))
		}

	case schema.ParameterTypeContext:
		if p.SourceKey == "" {
			result.AddError(path+".source_parameter_key", schema.ErrCodeValidation,
				fmt.Sprintf("context parameter %q requires a source_parameter_key", p.Key))
		} else if !paramKeys[p.SourceKey] && !outputKeys[p.SourceKey] {
			result.AddError(path+".source_parameter_key", schema.ErrCodeValidation,
				fmt.Sprintf("context parameter %q references unknown source %q", p.Key, p.SourceKey))
		}
		if p.SourcePath != "" {
			if err := wv.jq.Check(p.SourcePath); err != nil {
				result.AddError(path+".source_path", schema.ErrCodeValidation, err.Error())
			}
		}

	case schema.ParameterTypeOutput:
		if p.BlockLabel == "" {
			result.AddError(path+".block_label", schema.ErrCodeValidation,
				fmt.Sprintf("output parameter %q requires a block_label", p.Key))
		} else if _, ok := labels[p.BlockLabel]; !ok {
			result.AddError(path+".block_label", schema.ErrCodeValidation,
				fmt.Sprintf("output parameter %q references unknown block %q", p.Key, p.BlockLabel))
		}

	case schema.ParameterTypeAWSSecret:
		if p.AWSKey == "" {
			result.AddError(path+".aws_key", schema.ErrCodeValidation,
				fmt.Sprintf("aws_secret parameter %q requires aws_key", p.Key))
		}

	case schema.ParameterTypeBitwardenLoginCredential, schema.ParameterTypeBitwardenCreditCardData:
		if p.BitwardenItemID == "" {
			result.AddError(path+".bitwarden_item_id", schema.ErrCodeValidation,
				fmt.Sprintf("%s parameter %q requires bitwarden_item_id", p.Type, p.Key))
		}

	case schema.ParameterTypeBitwardenSensitiveInformation:
		if p.BitwardenIdentity == "" {
			result.AddError(path+".identity_key", schema.ErrCodeValidation,
				fmt.Sprintf("bitwarden_sensitive_information parameter %q requires identity_key", p.Key))
		}

	case schema.ParameterTypeCredential:
		if p.CredentialID == "" {
			result.AddError(path+".credential_id", schema.ErrCodeValidation,
				fmt.Sprintf("credential parameter %q requires credential_id", p.Key))
		}
	}
}

// validateBlocks checks each block's config, recursing into for_loop nests.
func validateBlocks(blocks []schema.Block, path string, paramKeys, outputKeys map[string]bool, wv *WorkflowValidator, result *schema.ValidationResult) {
	for i := range blocks {
		validateBlockSemantic(&blocks[i], fmt.Sprintf("%s[%d]", path, i), paramKeys, outputKeys, wv, result)
	}
}

// validateBlockSemantic checks a single block's decoded config.
func validateBlockSemantic(b *schema.Block, path string, paramKeys, outputKeys map[string]bool, wv *WorkflowValidator, result *schema.ValidationResult) {
	cfg, err := schema.UnmarshalBlockConfig(*b)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
		return
	}

	switch c := cfg.(type) {
	case *schema.TaskConfig:
		validateTaskConfig(b, c, path, paramKeys, outputKeys, wv, result)

	case *schema.ForLoopConfig:
		if c.LoopOverParameterKey == "" {
			result.AddError(path+".config.loop_over_parameter_key", schema.ErrCodeValidation,
				fmt.Sprintf("for_loop block %q requires loop_over_parameter_key", b.Label))
		} else if !paramKeys[c.LoopOverParameterKey] && !outputKeys[c.LoopOverParameterKey] {
			result.AddError(path+".config.loop_over_parameter_key", schema.ErrCodeValidation,
				fmt.Sprintf("for_loop block %q loops over unknown parameter %q", b.Label, c.LoopOverParameterKey))
		}
		if c.LoopVariableReference != "" {
			if err := wv.expr.Check(c.LoopVariableReference); err != nil {
				result.AddError(path+".config.loop_variable_reference", schema.ErrCodeValidation, err.Error())
			}
		}
		if len(c.Blocks) == 0 {
			result.AddError(path+".config.blocks", schema.ErrCodeValidation,
				fmt.Sprintf("for_loop block %q has no nested blocks", b.Label))
		}
		validateBlocks(c.Blocks, path+".blocks", paramKeys, outputKeys, wv, result)

	case *schema.CodeConfig:
		if c.Code == "" {
			result.AddError(path+".config.code", schema.ErrCodeValidation,
				fmt.Sprintf("code block %q requires code", b.Label))
		}
		checkParameterKeys(c.ParameterKeys, path, paramKeys, outputKeys, result)

	case *schema.TextPromptConfig:
		if c.Prompt == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation,
				fmt.Sprintf("text_prompt block %q requires a prompt", b.Label))
		}
		if err := wv.jsonSchema.CheckSchema(c.JSONSchema); err != nil {
			result.AddError(path+".config.json_schema", schema.ErrCodeValidation, err.Error())
		}
		checkParameterKeys(c.ParameterKeys, path, paramKeys, outputKeys, result)

	case *schema.WaitConfig:
		if c.WaitSeconds <= 0 {
			result.AddError(path+".config.wait_sec", schema.ErrCodeValidation,
				fmt.Sprintf("wait block %q requires wait_sec > 0", b.Label))
		}

	case *schema.FileParserConfig:
		if c.FileURL == "" {
			result.AddError(path+".config.file_url", schema.ErrCodeValidation,
				fmt.Sprintf("file_url_parser block %q requires file_url", b.Label))
		}
		if c.FileType != "" && c.FileType != "csv" {
			result.AddError(path+".config.file_type", schema.ErrCodeValidation,
				fmt.Sprintf("file_url_parser block %q: unsupported file_type %q", b.Label, c.FileType))
		}

	case *schema.PDFParserConfig:
		if c.FileURL == "" {
			result.AddError(path+".config.file_url", schema.ErrCodeValidation,
				fmt.Sprintf("pdf_parser block %q requires file_url", b.Label))
		}
		if err := wv.jsonSchema.CheckSchema(c.JSONSchema); err != nil {
			result.AddError(path+".config.json_schema", schema.ErrCodeValidation, err.Error())
		}

	case *schema.DownloadConfig:
		if c.URL == "" {
			result.AddError(path+".config.url", schema.ErrCodeValidation,
				fmt.Sprintf("download_to_s3 block %q requires url", b.Label))
		}

	case *schema.SendEmailConfig:
		if len(c.Recipients) == 0 {
			result.AddError(path+".config.recipients", schema.ErrCodeValidation,
				fmt.Sprintf("send_email block %q requires at least one recipient", b.Label))
		}

	case *schema.TaskV2Config:
		if c.Prompt == "" {
			result.AddError(path+".config.prompt", schema.ErrCodeValidation,
				fmt.Sprintf("task_v2 block %q requires a prompt", b.Label))
		}
	}
}

// validateTaskConfig covers the agent-driven block variants sharing TaskConfig.
func validateTaskConfig(b *schema.Block, c *schema.TaskConfig, path string, paramKeys, outputKeys map[string]bool, wv *WorkflowValidator, result *schema.ValidationResult) {
	switch b.Type {
	case schema.BlockTypeNavigation, schema.BlockTypeTask:
		if c.NavigationGoal == "" {
			result.AddError(path+".config.navigation_goal", schema.ErrCodeValidation,
				fmt.Sprintf("%s block %q requires navigation_goal", b.Type, b.Label))
		}
	case schema.BlockTypeExtraction:
		if c.DataExtractionGoal == "" {
			result.AddError(path+".config.data_extraction_goal", schema.ErrCodeValidation,
				fmt.Sprintf("extraction block %q requires data_extraction_goal", b.Label))
		}
	case schema.BlockTypeValidation:
		if c.CompleteCriterion == "" && c.TerminateCriterion == "" {
			result.AddError(path+".config", schema.ErrCodeValidation,
				fmt.Sprintf("validation block %q requires complete_criterion or terminate_criterion", b.Label))
		}
	case schema.BlockTypeGotoURL:
		if c.URL == "" {
			result.AddError(path+".config.url", schema.ErrCodeValidation,
				fmt.Sprintf("goto_url block %q requires url", b.Label))
		}
	}

	if c.CompleteCriterion != "" {
		if err := wv.cel.Check(c.CompleteCriterion); err != nil {
			result.AddError(path+".config.complete_criterion", schema.ErrCodeValidation, err.Error())
		}
	}
	if c.TerminateCriterion != "" {
		if err := wv.cel.Check(c.TerminateCriterion); err != nil {
			result.AddError(path+".config.terminate_criterion", schema.ErrCodeValidation, err.Error())
		}
	}
	if err := wv.jsonSchema.CheckSchema(c.DataSchema); err != nil {
		result.AddError(path+".config.data_schema", schema.ErrCodeValidation, err.Error())
	}

	if c.MaxRetries > 10 {
		result.AddWarning(path+".config.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", c.MaxRetries))
	}
	if c.MaxRetries < 0 {
		result.AddError(path+".config.max_retries", schema.ErrCodeValidation,
			"max_retries must not be negative")
	}
	if c.MaxStepsPerRun < 0 {
		result.AddError(path+".config.max_steps_per_run", schema.ErrCodeValidation,
			"max_steps_per_run must not be negative")
	}

	checkParameterKeys(c.ParameterKeys, path, paramKeys, outputKeys, result)
}

// checkParameterKeys verifies parameter_keys lists reference declared
// parameters or output keys.
func checkParameterKeys(keys []string, path string, paramKeys, outputKeys map[string]bool, result *schema.ValidationResult) {
	for i, key := range keys {
		if !paramKeys[key] && !outputKeys[key] {
			result.AddError(fmt.Sprintf("%s.config.parameter_keys[%d]", path, i),
				schema.ErrCodeValidation,
				fmt.Sprintf("references unknown parameter %q", key))
		}
	}
}
