package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Run, block and step
// records are append-only: the engine finalizes the record it created but
// never rewrites history.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// Workflows (versioned; soft-deleted, never removed)
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByPermanentID(ctx context.Context, permanentID string, version int) (*Workflow, error)
	SoftDeleteWorkflow(ctx context.Context, permanentID string) error

	// Workflow runs
	CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, id string, update WorkflowRunUpdate) error

	// Workflow run blocks (append-only, per-run sequence)
	AppendWorkflowRunBlock(ctx context.Context, block *WorkflowRunBlock) error
	FinishWorkflowRunBlock(ctx context.Context, id string, status string, output []byte, failureReason string) error
	ListWorkflowRunBlocks(ctx context.Context, workflowRunID string) ([]*WorkflowRunBlock, error)

	// Tasks and steps
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	AppendStep(ctx context.Context, step *Step) error
	FinishStep(ctx context.Context, id string, success bool, status string, output []byte) error
	ListSteps(ctx context.Context, taskID string) ([]*Step, error)

	// Task generations
	CreateTaskGeneration(ctx context.Context, gen *TaskGeneration) error
	GetTaskGenerationByPromptHash(ctx context.Context, hash string, window time.Duration) (*TaskGeneration, error)

	// Run event log (append-only)
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Secrets (vault backing)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
