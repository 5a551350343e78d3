package schema

import "encoding/json"

// BlockType enumerates the block variants a workflow may declare.
// Every consumer of blocks must switch exhaustively over this set;
// UnmarshalBlockConfig is the canonical decoder.
type BlockType string

const (
	BlockTypeTask          BlockType = "task"
	BlockTypeTaskV2        BlockType = "task_v2"
	BlockTypeForLoop       BlockType = "for_loop"
	BlockTypeCode          BlockType = "code"
	BlockTypeTextPrompt    BlockType = "text_prompt"
	BlockTypeDownloadToS3  BlockType = "download_to_s3"
	BlockTypeUploadToS3    BlockType = "upload_to_s3"
	BlockTypeSendEmail     BlockType = "send_email"
	BlockTypeFileURLParser BlockType = "file_url_parser"
	BlockTypeValidation    BlockType = "validation"
	BlockTypeAction        BlockType = "action"
	BlockTypeNavigation    BlockType = "navigation"
	BlockTypeExtraction    BlockType = "extraction"
	BlockTypeLogin         BlockType = "login"
	BlockTypeWait          BlockType = "wait"
	BlockTypeFileDownload  BlockType = "file_download"
	BlockTypeGotoURL       BlockType = "goto_url"
	BlockTypePDFParser     BlockType = "pdf_parser"
)

// AllBlockTypes lists every member of the closed set, for validation.
var AllBlockTypes = []BlockType{
	BlockTypeTask, BlockTypeTaskV2, BlockTypeForLoop, BlockTypeCode,
	BlockTypeTextPrompt, BlockTypeDownloadToS3, BlockTypeUploadToS3,
	BlockTypeSendEmail, BlockTypeFileURLParser, BlockTypeValidation,
	BlockTypeAction, BlockTypeNavigation, BlockTypeExtraction,
	BlockTypeLogin, BlockTypeWait, BlockTypeFileDownload,
	BlockTypeGotoURL, BlockTypePDFParser,
}

// BlockStatus is the outcome of one block instance execution.
type BlockStatus string

const (
	BlockStatusRunning    BlockStatus = "running"
	BlockStatusCompleted  BlockStatus = "completed"
	BlockStatusFailed     BlockStatus = "failed"
	BlockStatusTerminated BlockStatus = "terminated"
	BlockStatusCanceled   BlockStatus = "canceled"
	BlockStatusTimedOut   BlockStatus = "timed_out"
)

// Block is one declarative unit of work inside a workflow definition.
// Config holds the variant-specific payload, decoded per Type.
type Block struct {
	Label              string          `json:"label"`
	Type               BlockType       `json:"block_type"`
	OutputParameterKey string          `json:"output_parameter_key,omitempty"`
	ContinueOnFailure  bool            `json:"continue_on_failure,omitempty"`
	Config             json.RawMessage `json:"config,omitempty"`
}

// TaskConfig is the payload shared by the agent-driven block variants:
// task, navigation, extraction, validation, login, action, file_download
// and goto_url.
type TaskConfig struct {
	URL                  string          `json:"url,omitempty"`
	Title                string          `json:"title,omitempty"`
	NavigationGoal       string          `json:"navigation_goal,omitempty"`
	DataExtractionGoal   string          `json:"data_extraction_goal,omitempty"`
	DataSchema           json.RawMessage `json:"data_schema,omitempty"`
	CompleteCriterion    string          `json:"complete_criterion,omitempty"`
	TerminateCriterion   string          `json:"terminate_criterion,omitempty"`
	ErrorCodeMapping     map[string]string `json:"error_code_mapping,omitempty"`
	MaxRetries           int             `json:"max_retries,omitempty"`
	MaxStepsPerRun       int             `json:"max_steps_per_run,omitempty"`
	ParameterKeys        []string        `json:"parameter_keys,omitempty"`
	CompleteOnDownload   bool            `json:"complete_on_download,omitempty"`
	DownloadSuffix       string          `json:"download_suffix,omitempty"`
	TOTP                 *TOTPConfig     `json:"totp,omitempty"`
}

// ForLoopConfig is the payload for for_loop blocks. Blocks is the nested
// ordered block list executed once per item of the loop source.
type ForLoopConfig struct {
	LoopOverParameterKey  string  `json:"loop_over_parameter_key,omitempty"`
	LoopVariableReference string  `json:"loop_variable_reference,omitempty"`
	CompleteIfEmpty       bool    `json:"complete_if_empty,omitempty"`
	Blocks                []Block `json:"blocks"`
}

// CodeConfig is the payload for code blocks.
type CodeConfig struct {
	Code          string   `json:"code"`
	ParameterKeys []string `json:"parameter_keys,omitempty"`
}

// TextPromptConfig is the payload for text_prompt blocks.
type TextPromptConfig struct {
	Prompt        string          `json:"prompt"`
	JSONSchema    json.RawMessage `json:"json_schema,omitempty"`
	ParameterKeys []string        `json:"parameter_keys,omitempty"`
}

// WaitConfig is the payload for wait blocks.
type WaitConfig struct {
	WaitSeconds int `json:"wait_sec"`
}

// FileParserConfig is the payload for file_url_parser blocks.
type FileParserConfig struct {
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"` // csv
}

// PDFParserConfig is the payload for pdf_parser blocks.
type PDFParserConfig struct {
	FileURL       string          `json:"file_url"`
	JSONSchema    json.RawMessage `json:"json_schema,omitempty"`
}

// UploadConfig is the payload for upload_to_s3 blocks.
type UploadConfig struct {
	Path string `json:"path,omitempty"`
}

// DownloadConfig is the payload for download_to_s3 blocks.
type DownloadConfig struct {
	URL string `json:"url"`
}

// SendEmailConfig is the payload for send_email blocks.
type SendEmailConfig struct {
	Recipients     []string `json:"recipients"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body,omitempty"`
	FileAttachments []string `json:"file_attachments,omitempty"`
}

// TaskV2Config is the payload for task_v2 blocks.
type TaskV2Config struct {
	Prompt         string `json:"prompt"`
	URL            string `json:"url,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	MaxStepsPerRun int    `json:"max_steps_per_run,omitempty"`
}

// UnmarshalBlockConfig decodes a block's Config into its typed payload.
// The switch is exhaustive over BlockType: adding a variant without a case
// here is a compile-time reminder for every consumer that calls it.
func UnmarshalBlockConfig(b Block) (any, error) {
	decode := func(v any) (any, error) {
		if len(b.Config) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(b.Config, v); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "decode %s config: %s", b.Type, err.Error()).
				WithBlock(b.Label).WithCause(err)
		}
		return v, nil
	}

	switch b.Type {
	case BlockTypeTask, BlockTypeNavigation, BlockTypeExtraction,
		BlockTypeValidation, BlockTypeLogin, BlockTypeAction,
		BlockTypeFileDownload, BlockTypeGotoURL:
		return decode(&TaskConfig{})
	case BlockTypeForLoop:
		return decode(&ForLoopConfig{})
	case BlockTypeCode:
		return decode(&CodeConfig{})
	case BlockTypeTextPrompt:
		return decode(&TextPromptConfig{})
	case BlockTypeWait:
		return decode(&WaitConfig{})
	case BlockTypeFileURLParser:
		return decode(&FileParserConfig{})
	case BlockTypePDFParser:
		return decode(&PDFParserConfig{})
	case BlockTypeUploadToS3:
		return decode(&UploadConfig{})
	case BlockTypeDownloadToS3:
		return decode(&DownloadConfig{})
	case BlockTypeSendEmail:
		return decode(&SendEmailConfig{})
	case BlockTypeTaskV2:
		return decode(&TaskV2Config{})
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown block type %q", b.Type).WithBlock(b.Label)
	}
}

// ForLoop returns the decoded loop config for a for_loop block.
func (b Block) ForLoop() (*ForLoopConfig, error) {
	if b.Type != BlockTypeForLoop {
		return nil, NewErrorf(ErrCodeValidation, "block %s is %s, not for_loop", b.Label, b.Type)
	}
	cfg, err := UnmarshalBlockConfig(b)
	if err != nil {
		return nil, err
	}
	return cfg.(*ForLoopConfig), nil
}
