package engine

import (
	"context"
	"encoding/json"

	"github.com/halcyard/runloom/internal/store"
)

// StepResult is what the action executor reports for one step attempt.
type StepResult struct {
	Output        json.RawMessage
	Success       bool   // the step's actions executed without error
	Completed     bool   // the goal is reached; no further steps needed
	Terminated    bool   // the agent decided the goal cannot be reached
	FailureReason string // populated when Success is false
}

// ActionExecutor drives the browser agent for one step of a task. The
// engine owns all bookkeeping; implementations only act and report.
// data carries the resolved parameter values for the task, with secret
// material revealed at this boundary and nowhere else.
type ActionExecutor interface {
	ExecuteStep(ctx context.Context, task *store.Task, step *store.Step, data map[string]any) (*StepResult, error)
}

// ReasoningClient serves text_prompt blocks: one prompt in, structured
// JSON out. When jsonSchema is non-empty the response must conform to it.
type ReasoningClient interface {
	Complete(ctx context.Context, prompt string, jsonSchema json.RawMessage) (json.RawMessage, error)
}

// CodeRunner executes code blocks in whatever sandbox the deployment
// provides.
type CodeRunner interface {
	RunCode(ctx context.Context, code string, data map[string]any) (any, error)
}

// FileParser fetches and parses file sources for file_url_parser and
// pdf_parser blocks.
type FileParser interface {
	ParseCSV(ctx context.Context, fileURL string) (any, error)
	ParsePDF(ctx context.Context, fileURL string, jsonSchema json.RawMessage) (json.RawMessage, error)
}

// ObjectStorage moves files for upload_to_s3 and download_to_s3 blocks.
// Both return the storage URI of the stored object.
type ObjectStorage interface {
	Upload(ctx context.Context, path string) (string, error)
	Download(ctx context.Context, url string) (string, error)
}

// EmailSender serves send_email blocks.
type EmailSender interface {
	Send(ctx context.Context, recipients []string, subject, body string, attachments []string) error
}

// BlockServices bundles the optional collaborators non-agent blocks need.
// A nil field fails the corresponding block type at run time with a clear
// error; validation does not reject definitions using them, since wiring
// is a deployment concern.
type BlockServices struct {
	Code    CodeRunner
	Files   FileParser
	Storage ObjectStorage
	Email   EmailSender
}
