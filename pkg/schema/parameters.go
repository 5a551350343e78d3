package schema

// ParameterType enumerates the parameter variants a workflow may declare.
type ParameterType string

const (
	// ParameterTypeWorkflow is a typed input with an optional default,
	// supplied by the caller at run submission.
	ParameterTypeWorkflow ParameterType = "workflow"
	// ParameterTypeContext derives its value from another parameter or a
	// block output at run time.
	ParameterTypeContext ParameterType = "context"
	// ParameterTypeOutput captures a block's result. Written by the engine,
	// never read at definition time.
	ParameterTypeOutput ParameterType = "output"

	ParameterTypeAWSSecret                     ParameterType = "aws_secret"
	ParameterTypeBitwardenLoginCredential      ParameterType = "bitwarden_login_credential"
	ParameterTypeBitwardenCreditCardData       ParameterType = "bitwarden_credit_card_data"
	ParameterTypeBitwardenSensitiveInformation ParameterType = "bitwarden_sensitive_information"
	ParameterTypeCredential                    ParameterType = "credential"
)

// WorkflowParameterValueType constrains the declared type of a workflow
// parameter's value.
type WorkflowParameterValueType string

const (
	ValueTypeString  WorkflowParameterValueType = "string"
	ValueTypeInteger WorkflowParameterValueType = "integer"
	ValueTypeFloat   WorkflowParameterValueType = "float"
	ValueTypeBoolean WorkflowParameterValueType = "boolean"
	ValueTypeJSON    WorkflowParameterValueType = "json"
	ValueTypeFileURL WorkflowParameterValueType = "file_url"
)

// Parameter is one declared parameter of a workflow. The populated fields
// depend on Type; Key must be unique within a workflow.
type Parameter struct {
	Key         string        `json:"key"`
	Type        ParameterType `json:"parameter_type"`
	Description string        `json:"description,omitempty"`

	// Workflow parameters.
	ValueType    WorkflowParameterValueType `json:"workflow_parameter_type,omitempty"`
	DefaultValue any                        `json:"default_value,omitempty"`
	HasDefault   bool                       `json:"has_default,omitempty"`
	Required     bool                       `json:"required,omitempty"`

	// Context parameters. SourceKey names the parameter (or output
	// parameter) the value derives from; SourcePath is an optional jq
	// path applied to the source value.
	SourceKey  string `json:"source_parameter_key,omitempty"`
	SourcePath string `json:"source_path,omitempty"`

	// Output parameters. BlockLabel names the producing block.
	BlockLabel string `json:"block_label,omitempty"`

	// Credential variants.
	AWSKey            string `json:"aws_key,omitempty"`
	BitwardenItemID   string `json:"bitwarden_item_id,omitempty"`
	BitwardenURLKey   string `json:"url_parameter_key,omitempty"`
	BitwardenIdentity string `json:"identity_key,omitempty"`
	CredentialID      string `json:"credential_id,omitempty"`
}

// IsCredential reports whether the parameter resolves to a secret handle
// rather than a plain value.
func (p Parameter) IsCredential() bool {
	switch p.Type {
	case ParameterTypeAWSSecret, ParameterTypeBitwardenLoginCredential,
		ParameterTypeBitwardenCreditCardData,
		ParameterTypeBitwardenSensitiveInformation, ParameterTypeCredential:
		return true
	}
	return false
}
