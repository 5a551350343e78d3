package schema

import (
	"encoding/json"
	"time"
)

// RunType distinguishes the kinds of runs the engine tracks.
type RunType string

const (
	RunTypeTaskV1      RunType = "task_v1"
	RunTypeTaskV2      RunType = "task_v2"
	RunTypeWorkflowRun RunType = "workflow_run"
)

// RunStatus is the lifecycle state shared by tasks and workflow runs.
type RunStatus string

const (
	RunStatusCreated    RunStatus = "created"
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusTimedOut   RunStatus = "timed_out"
	RunStatusFailed     RunStatus = "failed"
	RunStatusTerminated RunStatus = "terminated"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCanceled   RunStatus = "canceled"
)

// IsFinal reports whether the status is terminal. A run in a final status
// never transitions again.
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunStatusFailed, RunStatusTerminated, RunStatusCanceled,
		RunStatusTimedOut, RunStatusCompleted:
		return true
	}
	return false
}

// TOTPConfig carries the two-factor settings passed through to the action
// executor. Both fields are optional.
type TOTPConfig struct {
	Identifier      string `json:"totp_identifier,omitempty"`
	VerificationURL string `json:"totp_verification_url,omitempty"`
}

// TaskRunRequest is the submission payload for a standalone v1 task.
type TaskRunRequest struct {
	Prompt               string          `json:"prompt"`
	URL                  string          `json:"url,omitempty"`
	Title                string          `json:"title,omitempty"`
	NavigationGoal       string          `json:"navigation_goal,omitempty"`
	DataExtractionGoal   string          `json:"data_extraction_goal,omitempty"`
	DataExtractionSchema json.RawMessage `json:"data_extraction_schema,omitempty"`
	ProxyLocation        ProxyLocation   `json:"proxy_location,omitempty"`
	TOTP                 *TOTPConfig     `json:"totp,omitempty"`
	MaxSteps             int             `json:"max_steps,omitempty"`
	MaxRetries           int             `json:"max_retries,omitempty"`
	WebhookCallbackURL   string          `json:"webhook_callback_url,omitempty"`
}

// WorkflowRunRequest is the submission payload for a workflow run.
type WorkflowRunRequest struct {
	WorkflowPermanentID string         `json:"workflow_permanent_id"`
	Version             int            `json:"version,omitempty"` // 0 = latest
	Parameters          map[string]any `json:"parameters,omitempty"`
	ProxyLocation       ProxyLocation  `json:"proxy_location,omitempty"`
	WebhookCallbackURL  string         `json:"webhook_callback_url,omitempty"`
	TOTP                *TOTPConfig    `json:"totp,omitempty"`
	MaxStepsOverride    int            `json:"max_steps_override,omitempty"`
}

// RunResult is the status-query view of a run. Output and FailureReason are
// only populated once the run reaches a final status.
type RunResult struct {
	RunID         string          `json:"run_id"`
	RunType       RunType         `json:"run_type"`
	Status        RunStatus       `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ModifiedAt    time.Time       `json:"modified_at"`
}

// WebhookPayload is the body of terminal-state callbacks. The signature and
// timestamp travel in headers, never in the body.
type WebhookPayload struct {
	RunID         string          `json:"run_id"`
	Status        RunStatus       `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ModifiedAt    time.Time       `json:"modified_at"`
}
