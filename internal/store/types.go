package store

import (
	"encoding/json"
	"time"

	"github.com/halcyard/runloom/pkg/schema"
)

// Organization is the tenant owning workflows and runs. WebhookSecret signs
// outbound callbacks and is never serialized.
type Organization struct {
	ID            string    `json:"organization_id"`
	Name          string    `json:"name"`
	WebhookSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Workflow is one persisted version of a workflow definition. PermanentID is
// stable across versions; ID identifies this version. Rows are soft-deleted
// by setting DeletedAt, never removed.
type Workflow struct {
	ID             string                    `json:"workflow_id"`
	PermanentID    string                    `json:"workflow_permanent_id"`
	OrganizationID string                    `json:"organization_id"`
	Title          string                    `json:"title"`
	Version        int                       `json:"version"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	Settings       schema.WorkflowSettings   `json:"settings"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	DeletedAt      *time.Time                `json:"deleted_at,omitempty"`
}

// WorkflowRun is one execution instance of a workflow version. Records are
// written only by the engine; all other collaborators read.
type WorkflowRun struct {
	ID                  string           `json:"workflow_run_id"`
	WorkflowID          string           `json:"workflow_id"`
	WorkflowPermanentID string           `json:"workflow_permanent_id"`
	OrganizationID      string           `json:"organization_id"`
	Status              schema.RunStatus `json:"status"`
	Parameters          map[string]any   `json:"parameters,omitempty"`
	ProxyLocation       schema.ProxyLocation `json:"proxy_location,omitempty"`
	WebhookCallbackURL  string           `json:"webhook_callback_url,omitempty"`
	MaxStepsOverride    int              `json:"max_steps_override,omitempty"`
	Output              json.RawMessage  `json:"output,omitempty"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ModifiedAt          time.Time        `json:"modified_at"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
}

// WorkflowRunBlock is the execution record of one block instance. Loop
// iterations each produce their own record; Sequence is a per-run total
// order assigned at append time and never reused.
type WorkflowRunBlock struct {
	ID                string             `json:"workflow_run_block_id"`
	WorkflowRunID     string             `json:"workflow_run_id"`
	ParentBlockID     string             `json:"parent_workflow_run_block_id,omitempty"`
	Label             string             `json:"label"`
	BlockType         schema.BlockType   `json:"block_type"`
	LoopIndex         *int               `json:"loop_index,omitempty"`
	LoopValue         json.RawMessage    `json:"loop_value,omitempty"`
	ContinueOnFailure bool               `json:"continue_on_failure"`
	Status            schema.BlockStatus `json:"status"`
	Output            json.RawMessage    `json:"output,omitempty"`
	FailureReason     string             `json:"failure_reason,omitempty"`
	Sequence          int64              `json:"sequence"`
	CreatedAt         time.Time          `json:"created_at"`
	ModifiedAt        time.Time          `json:"modified_at"`
}

// Task is a standalone v1 run: a goal advanced step by step.
type Task struct {
	ID                   string               `json:"task_id"`
	OrganizationID       string               `json:"organization_id"`
	Status               schema.RunStatus     `json:"status"`
	Prompt               string               `json:"prompt,omitempty"`
	Title                string               `json:"title,omitempty"`
	URL                  string               `json:"url,omitempty"`
	NavigationGoal       string               `json:"navigation_goal,omitempty"`
	DataExtractionGoal   string               `json:"data_extraction_goal,omitempty"`
	DataExtractionSchema json.RawMessage      `json:"data_extraction_schema,omitempty"`
	ProxyLocation        schema.ProxyLocation `json:"proxy_location,omitempty"`
	TOTPIdentifier       string               `json:"totp_identifier,omitempty"`
	TOTPVerificationURL  string               `json:"totp_verification_url,omitempty"`
	MaxSteps             int                  `json:"max_steps,omitempty"`
	MaxRetries           int                  `json:"max_retries,omitempty"`
	WebhookCallbackURL   string               `json:"webhook_callback_url,omitempty"`
	Output               json.RawMessage      `json:"output,omitempty"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	ModifiedAt           time.Time            `json:"modified_at"`
}

// Step is one attempt at advancing a Task. Order is the monotonic position
// in the task; RetryIndex counts attempts at that position. A step is
// immutable once the action executor returns.
type Step struct {
	ID         string          `json:"step_id"`
	TaskID     string          `json:"task_id"`
	Order      int             `json:"order"`
	RetryIndex int             `json:"retry_index"`
	Status     schema.RunStatus `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"` // ordered (action, results) pairs
	Success    bool            `json:"success"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// TaskGeneration records one reasoning-derived task specification. Cache
// hits copy the derived fields and set SourceTaskGenerationID, preserving
// the provenance chain back to the original reasoning call.
type TaskGeneration struct {
	ID                         string          `json:"task_generation_id"`
	OrganizationID             string          `json:"organization_id"`
	UserPrompt                 string          `json:"user_prompt"`
	UserPromptHash             string          `json:"user_prompt_hash"`
	URL                        string          `json:"url,omitempty"`
	NavigationGoal             string          `json:"navigation_goal,omitempty"`
	NavigationPayload          json.RawMessage `json:"navigation_payload,omitempty"`
	DataExtractionGoal         string          `json:"data_extraction_goal,omitempty"`
	ExtractedInformationSchema json.RawMessage `json:"extracted_information_schema,omitempty"`
	SuggestedTitle             string          `json:"suggested_title,omitempty"`
	LLM                        string          `json:"llm,omitempty"`
	LLMPrompt                  string          `json:"llm_prompt,omitempty"`
	LLMResponse                string          `json:"llm_response,omitempty"`
	SourceTaskGenerationID     string          `json:"source_task_generation_id,omitempty"`
	CreatedAt                  time.Time       `json:"created_at"`
}

// RunEvent is an immutable entry in the per-run lifecycle log. Sequence is
// monotonically increasing within a run.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	BlockID   string          `json:"block_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered workflow run.
type ScheduledRun struct {
	ID                  string          `json:"scheduled_run_id"`
	WorkflowPermanentID string          `json:"workflow_permanent_id"`
	OrganizationID      string          `json:"organization_id"`
	CronExpression      string          `json:"cron_expression"`
	Parameters          json.RawMessage `json:"parameters,omitempty"`
	Enabled             bool            `json:"enabled"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus       string          `json:"last_run_status,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowRunUpdate specifies engine-mutable fields of a workflow run.
type WorkflowRunUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	Output        json.RawMessage   `json:"output,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	Parameters    map[string]any    `json:"parameters,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// TaskUpdate specifies engine-mutable fields of a task.
type TaskUpdate struct {
	Status        *schema.RunStatus `json:"status,omitempty"`
	Output        json.RawMessage   `json:"output,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
