package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyard/runloom/internal/logging"
	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/pkg/schema"
)

// Step budget defaults, applied when neither the task nor the workflow
// declares its own limits.
const (
	DefaultMaxSteps          = 10
	DefaultMaxRetriesPerStep = 3
)

// TaskStore is the persistence surface the task runner needs.
// Satisfied by store.Store.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTask(ctx context.Context, id string, update store.TaskUpdate) error
	AppendStep(ctx context.Context, step *store.Step) error
	FinishStep(ctx context.Context, id string, success bool, status string, output []byte) error
	AppendRunEvent(ctx context.Context, event *store.RunEvent) error
}

// TaskOutcome is the terminal result of one task's step loop.
type TaskOutcome struct {
	Status        schema.RunStatus
	Output        json.RawMessage
	FailureReason string
}

// TaskRunner executes the v1 step loop: one step at a time against the
// action executor, with a bounded retry budget per step position and a
// bounded total step budget. Exhausting the step budget fails the task;
// exceeding the wall clock times it out. Those are different signals and
// must stay distinct statuses.
type TaskRunner struct {
	store   TaskStore
	actions ActionExecutor
	fsm     *RunFSM
	logger  *slog.Logger

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewTaskRunner creates a TaskRunner.
func NewTaskRunner(s TaskStore, actions ActionExecutor, fsm *RunFSM, logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{
		store:       s,
		actions:     actions,
		fsm:         fsm,
		logger:      logger,
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
	}
}

// Run drives the task from queued to a final status and persists every
// transition. data carries resolved parameter values for workflow-embedded
// tasks; standalone tasks pass nil.
func (r *TaskRunner) Run(ctx context.Context, task *store.Task, data map[string]any) (*TaskOutcome, error) {
	ctx = logging.WithRunID(ctx, task.ID)

	if outcome := contextOutcome(ctx); outcome != nil {
		if err := r.finalize(context.WithoutCancel(ctx), task, outcome); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	// The in-memory status can be stale by the time a worker picks the task
	// up. A task canceled while it waited must stay canceled.
	current, err := r.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsFinal() {
		return &TaskOutcome{
			Status:        current.Status,
			Output:        current.Output,
			FailureReason: current.FailureReason,
		}, nil
	}
	task.Status = current.Status

	if err := r.transition(ctx, task, schema.RunStatusRunning); err != nil {
		return nil, err
	}

	outcome := r.stepLoop(ctx, task, data)

	// Terminal bookkeeping must survive the cancellation or deadline that
	// produced the outcome.
	if err := r.finalize(context.WithoutCancel(ctx), task, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// stepLoop advances the task until a final condition is met.
func (r *TaskRunner) stepLoop(ctx context.Context, task *store.Task, data map[string]any) *TaskOutcome {
	maxSteps := task.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	var lastOutput json.RawMessage

	for order := 0; order < maxSteps; order++ {
		if outcome := contextOutcome(ctx); outcome != nil {
			return outcome
		}

		result, failReason := r.runStepWithRetries(ctx, task, order, data)
		if result == nil {
			if outcome := contextOutcome(ctx); outcome != nil {
				return outcome
			}
			return &TaskOutcome{
				Status:        schema.RunStatusFailed,
				FailureReason: failReason,
			}
		}

		lastOutput = result.Output

		if result.Terminated {
			return &TaskOutcome{
				Status:        schema.RunStatusTerminated,
				Output:        result.Output,
				FailureReason: result.FailureReason,
			}
		}
		if result.Completed {
			return &TaskOutcome{
				Status: schema.RunStatusCompleted,
				Output: result.Output,
			}
		}
	}

	return &TaskOutcome{
		Status:        schema.RunStatusFailed,
		Output:        lastOutput,
		FailureReason: fmt.Sprintf("maximum steps (%d) exceeded before reaching the goal", maxSteps),
	}
}

// runStepWithRetries attempts one step position, retrying failed attempts
// up to the task's retry budget. Every attempt gets its own immutable step
// record; reruns never rewrite an earlier attempt.
func (r *TaskRunner) runStepWithRetries(ctx context.Context, task *store.Task, order int, data map[string]any) (*StepResult, string) {
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetriesPerStep
	}

	var lastFailure string

	for retry := 0; retry <= maxRetries; retry++ {
		if ctx.Err() != nil {
			return nil, "run interrupted"
		}

		step := &store.Step{
			ID:         store.NewID(store.PrefixStep),
			TaskID:     task.ID,
			Order:      order,
			RetryIndex: retry,
			Status:     schema.RunStatusRunning,
		}
		if err := r.store.AppendStep(ctx, step); err != nil {
			return nil, "persist step: " + err.Error()
		}
		r.emit(ctx, task.ID, step.ID, schema.EventStepStarted)

		result, err := r.actions.ExecuteStep(ctx, task, step, data)
		if err != nil {
			lastFailure = err.Error()
			_ = r.store.FinishStep(ctx, step.ID, false, string(schema.RunStatusFailed), nil)
			r.emit(ctx, task.ID, step.ID, schema.EventStepFailed)

			if !IsRetryableError(err) || retry == maxRetries {
				return nil, lastFailure
			}
			r.emit(ctx, task.ID, step.ID, schema.EventStepRetrying)
			if werr := WaitForBackoff(ctx, ComputeBackoff(r.backoffBase, retry, r.backoffMax)); werr != nil {
				return nil, lastFailure
			}
			continue
		}

		if !result.Success {
			lastFailure = result.FailureReason
			if lastFailure == "" {
				lastFailure = "step reported failure"
			}
			_ = r.store.FinishStep(ctx, step.ID, false, string(schema.RunStatusFailed), result.Output)
			r.emit(ctx, task.ID, step.ID, schema.EventStepFailed)

			if retry == maxRetries {
				return nil, lastFailure
			}
			r.emit(ctx, task.ID, step.ID, schema.EventStepRetrying)
			if werr := WaitForBackoff(ctx, ComputeBackoff(r.backoffBase, retry, r.backoffMax)); werr != nil {
				return nil, lastFailure
			}
			continue
		}

		_ = r.store.FinishStep(ctx, step.ID, true, string(schema.RunStatusCompleted), result.Output)
		r.emit(ctx, task.ID, step.ID, schema.EventStepCompleted)
		return result, ""
	}

	return nil, lastFailure
}

// transition moves the task through the FSM and persists the new status.
func (r *TaskRunner) transition(ctx context.Context, task *store.Task, to schema.RunStatus) error {
	if err := r.fsm.Transition(ctx, task.ID, task.Status, to); err != nil {
		return err
	}
	task.Status = to
	return r.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &to})
}

// finalize persists the terminal status, output and failure reason.
func (r *TaskRunner) finalize(ctx context.Context, task *store.Task, outcome *TaskOutcome) error {
	if err := r.fsm.Transition(ctx, task.ID, task.Status, outcome.Status); err != nil {
		return err
	}
	task.Status = outcome.Status
	task.Output = outcome.Output
	task.FailureReason = outcome.FailureReason

	update := store.TaskUpdate{
		Status: &outcome.Status,
		Output: outcome.Output,
	}
	if outcome.FailureReason != "" {
		update.FailureReason = &outcome.FailureReason
	}
	if err := r.store.UpdateTask(ctx, task.ID, update); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "task finished",
		slog.String("task_id", task.ID),
		slog.String("status", string(outcome.Status)))
	return nil
}

func (r *TaskRunner) emit(ctx context.Context, runID, stepID, eventType string) {
	err := r.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:   runID,
		BlockID: stepID,
		Type:    eventType,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "append run event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// contextOutcome maps context termination to the matching final status.
// Deadline expiry is a timeout; explicit cancellation is a cancel.
func contextOutcome(ctx context.Context) *TaskOutcome {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &TaskOutcome{
			Status:        schema.RunStatusTimedOut,
			FailureReason: "wall clock budget exceeded",
		}
	default:
		return &TaskOutcome{
			Status:        schema.RunStatusCanceled,
			FailureReason: "run canceled",
		}
	}
}
