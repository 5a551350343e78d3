package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyard/runloom/internal/expressions"
	"github.com/halcyard/runloom/internal/logging"
	"github.com/halcyard/runloom/internal/params"
	"github.com/halcyard/runloom/internal/secrets"
	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/internal/validation"
	"github.com/halcyard/runloom/pkg/schema"
)

// defaultLoopVariable is the key a loop item binds to inside an iteration
// scope when the block does not reshape it.
const defaultLoopVariable = "current_value"

// RunStore is the persistence surface the executor needs.
// Satisfied by store.Store.
type RunStore interface {
	TaskStore
	GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, id string, update store.WorkflowRunUpdate) error
	AppendWorkflowRunBlock(ctx context.Context, block *store.WorkflowRunBlock) error
	FinishWorkflowRunBlock(ctx context.Context, id string, status string, output []byte, failureReason string) error
	CreateTask(ctx context.Context, task *store.Task) error
}

// Executor runs one workflow run: resolves parameters, walks the block
// list in order, and maps block outcomes to the run's final status.
type Executor struct {
	store     RunStore
	actions   ActionExecutor
	reasoning ReasoningClient
	services  BlockServices
	fsm       *RunFSM
	tasks     *TaskRunner
	schemas   *validation.JSONSchemaValidator
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
}

// NewExecutor creates an Executor. The expression engines and schema
// validator are shared with the validation pipeline so compiled programs
// and schemas are reused across definition and run time.
func NewExecutor(s RunStore, actions ActionExecutor, reasoning ReasoningClient, services BlockServices, fsm *RunFSM, schemas *validation.JSONSchemaValidator, cel *expressions.CELEngine, expr *expressions.ExprEngine, jq *expressions.GoJQEngine, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:     s,
		actions:   actions,
		reasoning: reasoning,
		services:  services,
		fsm:       fsm,
		tasks:     NewTaskRunner(s, actions, fsm, logger),
		schemas:   schemas,
		cel:       cel,
		expr:      expr,
		jq:        jq,
		logger:    logger,
	}
}

// runState carries the mutable context of one executing run.
type runState struct {
	run     *store.WorkflowRun
	wf      *store.Workflow
	scope   *params.Scope
	outputs map[string]any // output parameter key -> value, insertion preserved in record
	res     *params.Resolver
}

// ExecuteRun drives a queued workflow run to a final status. creds resolves
// credential parameters; it may be nil for definitions without them.
func (e *Executor) ExecuteRun(ctx context.Context, run *store.WorkflowRun, wf *store.Workflow, creds secrets.Resolver) error {
	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithOrganizationID(ctx, run.OrganizationID)

	if outcome := contextOutcome(ctx); outcome != nil {
		return e.finalize(context.WithoutCancel(ctx), run, outcome)
	}

	// The in-memory status can be stale by the time a worker picks the run
	// up. A run canceled while it waited must stay canceled.
	current, err := e.store.GetWorkflowRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if current.Status.IsFinal() {
		run.Status = current.Status
		return nil
	}
	run.Status = current.Status

	if err := e.transition(ctx, run, schema.RunStatusRunning); err != nil {
		return err
	}

	def := &wf.Definition
	resolver := params.NewResolver(def, creds, e.jq)

	scope, err := resolver.ResolveStatic(ctx, run.Parameters)
	if err != nil {
		// Static-phase failures abort before any block runs.
		return e.finalize(ctx, run, &TaskOutcome{
			Status:        schema.RunStatusFailed,
			FailureReason: err.Error(),
		})
	}

	state := &runState{
		run:     run,
		wf:      wf,
		scope:   scope,
		outputs: make(map[string]any),
		res:     resolver,
	}

	outcome := e.executeBlocks(ctx, state, def.Blocks, "", nil)
	if outcome == nil {
		output, merr := json.Marshal(state.outputs)
		if merr != nil {
			output = nil
		}
		outcome = &TaskOutcome{
			Status: schema.RunStatusCompleted,
			Output: output,
		}
	}

	return e.finalize(context.WithoutCancel(ctx), run, outcome)
}

// executeBlocks runs an ordered block list. A nil return means every block
// reached an acceptable outcome; a non-nil outcome aborts the run.
func (e *Executor) executeBlocks(ctx context.Context, state *runState, blocks []schema.Block, parentBlockID string, loopIndex *int) *TaskOutcome {
	for i := range blocks {
		block := &blocks[i]

		if outcome := contextOutcome(ctx); outcome != nil {
			return outcome
		}

		if outcome := e.executeBlockInstance(ctx, state, block, parentBlockID, loopIndex, nil); outcome != nil {
			return outcome
		}
	}
	return nil
}

// executeBlockInstance appends the block's execution record, dispatches on
// type, finalizes the record, and applies the continue-on-failure rule.
func (e *Executor) executeBlockInstance(ctx context.Context, state *runState, block *schema.Block, parentBlockID string, loopIndex *int, loopValue json.RawMessage) *TaskOutcome {
	ctx = logging.WithBlockLabel(ctx, block.Label)

	record := &store.WorkflowRunBlock{
		ID:                store.NewID(store.PrefixWorkflowRunBlock),
		WorkflowRunID:     state.run.ID,
		ParentBlockID:     parentBlockID,
		Label:             block.Label,
		BlockType:         block.Type,
		LoopIndex:         loopIndex,
		LoopValue:         loopValue,
		ContinueOnFailure: block.ContinueOnFailure,
		Status:            schema.BlockStatusRunning,
	}
	if err := e.store.AppendWorkflowRunBlock(ctx, record); err != nil {
		return &TaskOutcome{Status: schema.RunStatusFailed, FailureReason: "persist block record: " + err.Error()}
	}
	e.emit(ctx, state.run.ID, record.ID, schema.EventBlockStarted)

	output, err := e.dispatch(ctx, state, block, record)

	status, failReason := blockOutcome(err)
	outBytes := marshalOutput(output)
	if ferr := e.store.FinishWorkflowRunBlock(context.WithoutCancel(ctx), record.ID, string(status), outBytes, failReason); ferr != nil {
		e.logger.WarnContext(ctx, "finalize block record failed",
			slog.String("block_id", record.ID),
			slog.String("error", ferr.Error()))
	}

	if status == schema.BlockStatusCompleted {
		e.emit(ctx, state.run.ID, record.ID, schema.EventBlockCompleted)
		if block.OutputParameterKey != "" {
			if rerr := state.res.OnBlockOutput(ctx, state.scope, block.OutputParameterKey, output); rerr != nil {
				return &TaskOutcome{Status: schema.RunStatusFailed, FailureReason: rerr.Error()}
			}
			state.outputs[block.OutputParameterKey] = output
		}
		return nil
	}

	e.emit(ctx, state.run.ID, record.ID, schema.EventBlockFailed)

	// A failed or terminated block with continue_on_failure lets the run
	// carry on; its output parameter simply never materializes.
	if block.ContinueOnFailure && (status == schema.BlockStatusFailed || status == schema.BlockStatusTerminated) {
		e.logger.InfoContext(ctx, "block failed, continuing",
			slog.String("failure_reason", failReason))
		return nil
	}

	return &TaskOutcome{
		Status:        runStatusForBlock(status),
		FailureReason: fmt.Sprintf("block %s: %s", block.Label, failReason),
	}
}

// dispatch executes one block by type and returns its output value.
func (e *Executor) dispatch(ctx context.Context, state *runState, block *schema.Block, record *store.WorkflowRunBlock) (any, error) {
	cfg, err := schema.UnmarshalBlockConfig(*block)
	if err != nil {
		return nil, err
	}

	switch c := cfg.(type) {
	case *schema.TaskConfig:
		return e.runAgentBlock(ctx, state, block, c)
	case *schema.TaskV2Config:
		return e.runAgentBlock(ctx, state, block, &schema.TaskConfig{
			URL:            c.URL,
			NavigationGoal: c.Prompt,
			MaxStepsPerRun: c.MaxStepsPerRun,
		})
	case *schema.ForLoopConfig:
		return e.runForLoop(ctx, state, block, c, record)
	case *schema.CodeConfig:
		return e.runCode(ctx, state, c)
	case *schema.TextPromptConfig:
		return e.runTextPrompt(ctx, state, c)
	case *schema.WaitConfig:
		return nil, WaitForBackoff(ctx, time.Duration(c.WaitSeconds)*time.Second)
	case *schema.FileParserConfig:
		if e.services.Files == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no file parser configured")
		}
		return e.services.Files.ParseCSV(ctx, c.FileURL)
	case *schema.PDFParserConfig:
		if e.services.Files == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no file parser configured")
		}
		return e.services.Files.ParsePDF(ctx, c.FileURL, c.JSONSchema)
	case *schema.UploadConfig:
		if e.services.Storage == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no object storage configured")
		}
		return e.services.Storage.Upload(ctx, c.Path)
	case *schema.DownloadConfig:
		if e.services.Storage == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no object storage configured")
		}
		return e.services.Storage.Download(ctx, c.URL)
	case *schema.SendEmailConfig:
		return e.runSendEmail(ctx, state, c)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown block type %q", block.Type)
	}
}

// runAgentBlock executes an agent-driven block as an embedded task: the
// same step loop standalone tasks use, bounded by the block's own budgets.
func (e *Executor) runAgentBlock(ctx context.Context, state *runState, block *schema.Block, c *schema.TaskConfig) (any, error) {
	if block.Type == schema.BlockTypeValidation {
		return e.runValidationBlock(ctx, state, c)
	}

	url, err := params.Interpolate(c.URL, state.scope)
	if err != nil {
		return nil, err
	}
	navGoal, err := params.Interpolate(c.NavigationGoal, state.scope)
	if err != nil {
		return nil, err
	}
	extractGoal, err := params.Interpolate(c.DataExtractionGoal, state.scope)
	if err != nil {
		return nil, err
	}

	maxSteps := c.MaxStepsPerRun
	if maxSteps <= 0 {
		maxSteps = state.wf.Settings.MaxStepsPerRun
	}
	if override := state.run.MaxStepsOverride; override > 0 {
		maxSteps = override
	}

	task := &store.Task{
		ID:                   store.NewID(store.PrefixTask),
		OrganizationID:       state.run.OrganizationID,
		Status:               schema.RunStatusQueued,
		Title:                c.Title,
		URL:                  url,
		NavigationGoal:       navGoal,
		DataExtractionGoal:   extractGoal,
		DataExtractionSchema: c.DataSchema,
		ProxyLocation:        state.run.ProxyLocation,
		MaxSteps:             maxSteps,
		MaxRetries:           c.MaxRetries,
	}
	if totp := pickTOTP(c.TOTP, state.wf.Settings.TOTP); totp != nil {
		task.TOTPIdentifier = totp.Identifier
		task.TOTPVerificationURL = totp.VerificationURL
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create embedded task").WithCause(err)
	}

	data := params.RevealSecrets(params.BlockData(state.scope, c.ParameterKeys))

	outcome, err := e.tasks.Run(ctx, task, data)
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case schema.RunStatusCompleted:
		var output any
		if len(outcome.Output) > 0 {
			if uerr := json.Unmarshal(outcome.Output, &output); uerr != nil {
				output = string(outcome.Output)
			}
		}
		if block.Type == schema.BlockTypeExtraction && len(c.DataSchema) > 0 {
			if verr := e.schemas.ValidateValue(output, c.DataSchema); verr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"extraction output does not match data schema: %s", verr.Error()).WithCause(verr)
			}
		}
		return output, nil
	case schema.RunStatusTerminated:
		return nil, schema.NewError(schema.ErrCodeTerminated, reasonOr(outcome.FailureReason, "agent terminated the task"))
	case schema.RunStatusTimedOut:
		return nil, schema.NewError(schema.ErrCodeTimeout, reasonOr(outcome.FailureReason, "task timed out"))
	case schema.RunStatusCanceled:
		return nil, schema.NewError(schema.ErrCodeCanceled, "run canceled")
	default:
		return nil, schema.NewError(schema.ErrCodeBlockFailed, reasonOr(outcome.FailureReason, "task failed"))
	}
}

// runValidationBlock evaluates the block's criteria against the run state.
// The terminate criterion wins over the complete criterion.
func (e *Executor) runValidationBlock(ctx context.Context, state *runState, c *schema.TaskConfig) (any, error) {
	data := map[string]any{
		"outputs":    state.outputs,
		"parameters": state.scope.Flatten(),
	}

	if c.TerminateCriterion != "" {
		terminate, err := e.cel.EvaluateBool(ctx, c.TerminateCriterion, data)
		if err != nil {
			return nil, err
		}
		if terminate {
			return nil, schema.NewErrorf(schema.ErrCodeTerminated,
				"terminate criterion met: %s", c.TerminateCriterion)
		}
	}

	if c.CompleteCriterion != "" {
		complete, err := e.cel.EvaluateBool(ctx, c.CompleteCriterion, data)
		if err != nil {
			return nil, err
		}
		if !complete {
			return nil, schema.NewErrorf(schema.ErrCodeBlockFailed,
				"complete criterion not met: %s", c.CompleteCriterion)
		}
	}

	return map[string]any{"valid": true}, nil
}

// runForLoop executes the nested block list once per item of the loop
// source. Each iteration gets its own scope; block records produced inside
// carry the loop index and the bound loop value.
func (e *Executor) runForLoop(ctx context.Context, state *runState, block *schema.Block, c *schema.ForLoopConfig, record *store.WorkflowRunBlock) (any, error) {
	source, ok := state.scope.Lookup(c.LoopOverParameterKey)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotIterable,
			"loop source %q has no value", c.LoopOverParameterKey)
	}

	items, err := loopItems(source)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		if c.CompleteIfEmpty {
			// Nested blocks never start; the skip is its own signal.
			e.emit(ctx, state.run.ID, record.ID, schema.EventBlockSkipped)
			e.emit(ctx, state.run.ID, record.ID, schema.EventLoopCompleted)
			return []any{}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotIterable,
			"loop source %q is empty", c.LoopOverParameterKey)
	}

	results := make([]any, 0, len(items))

	for i, item := range items {
		value := item
		if c.LoopVariableReference != "" {
			value, err = e.expr.Evaluate(ctx, c.LoopVariableReference,
				map[string]any{defaultLoopVariable: item})
			if err != nil {
				return nil, err
			}
		}

		iterScope := state.scope.Child(defaultLoopVariable, value)
		iterState := &runState{
			run:     state.run,
			wf:      state.wf,
			scope:   iterScope,
			outputs: state.outputs,
			res:     state.res,
		}

		loopValue := marshalOutput(value)
		idx := i
		e.emit(ctx, state.run.ID, record.ID, schema.EventLoopIterStarted)

		for j := range c.Blocks {
			if outcome := contextOutcome(ctx); outcome != nil {
				return nil, outcomeError(outcome)
			}
			if outcome := e.executeBlockInstance(ctx, iterState, &c.Blocks[j], record.ID, &idx, loopValue); outcome != nil {
				// Keep the nested status: a terminated or timed out block
				// must not resurface as a plain failure.
				return nil, outcomeError(outcome)
			}
		}

		e.emit(ctx, state.run.ID, record.ID, schema.EventLoopIterCompleted)

		// The iteration's result is the last nested block's output key
		// value, when one is declared.
		if last := lastOutputKey(c.Blocks); last != "" {
			if v, ok := iterScope.Lookup(last); ok {
				results = append(results, v)
			}
		}
	}

	e.emit(ctx, state.run.ID, record.ID, schema.EventLoopCompleted)
	return results, nil
}

func (e *Executor) runCode(ctx context.Context, state *runState, c *schema.CodeConfig) (any, error) {
	if e.services.Code == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no code runner configured")
	}
	data := params.RevealSecrets(params.BlockData(state.scope, c.ParameterKeys))
	return e.services.Code.RunCode(ctx, c.Code, data)
}

func (e *Executor) runTextPrompt(ctx context.Context, state *runState, c *schema.TextPromptConfig) (any, error) {
	if e.reasoning == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no reasoning client configured")
	}

	prompt, err := params.Interpolate(c.Prompt, state.scope)
	if err != nil {
		return nil, err
	}

	raw, err := e.reasoning.Complete(ctx, prompt, c.JSONSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeReasoning, "text prompt failed").WithCause(err)
	}

	var output any
	if uerr := json.Unmarshal(raw, &output); uerr != nil {
		output = string(raw)
	}
	if len(c.JSONSchema) > 0 {
		if verr := e.schemas.ValidateValue(output, c.JSONSchema); verr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeReasoning,
				"text prompt output does not match json schema: %s", verr.Error()).WithCause(verr)
		}
	}
	return output, nil
}

func (e *Executor) runSendEmail(ctx context.Context, state *runState, c *schema.SendEmailConfig) (any, error) {
	if e.services.Email == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no email sender configured")
	}
	subject, err := params.Interpolate(c.Subject, state.scope)
	if err != nil {
		return nil, err
	}
	body, err := params.Interpolate(c.Body, state.scope)
	if err != nil {
		return nil, err
	}
	if err := e.services.Email.Send(ctx, c.Recipients, subject, body, c.FileAttachments); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "send email").WithCause(err)
	}
	return map[string]any{"recipients": len(c.Recipients)}, nil
}

// transition moves the run through the FSM and persists the new status.
func (e *Executor) transition(ctx context.Context, run *store.WorkflowRun, to schema.RunStatus) error {
	if err := e.fsm.Transition(ctx, run.ID, run.Status, to); err != nil {
		return err
	}
	run.Status = to
	update := store.WorkflowRunUpdate{Status: &to}
	if to == schema.RunStatusRunning {
		now := time.Now().UTC()
		update.StartedAt = &now
	}
	return e.store.UpdateWorkflowRun(ctx, run.ID, update)
}

// finalize persists the run's terminal status, output and failure reason.
func (e *Executor) finalize(ctx context.Context, run *store.WorkflowRun, outcome *TaskOutcome) error {
	if err := e.fsm.Transition(ctx, run.ID, run.Status, outcome.Status); err != nil {
		return err
	}
	run.Status = outcome.Status
	run.Output = outcome.Output
	run.FailureReason = outcome.FailureReason

	now := time.Now().UTC()
	update := store.WorkflowRunUpdate{
		Status:      &outcome.Status,
		Output:      outcome.Output,
		CompletedAt: &now,
	}
	if outcome.FailureReason != "" {
		update.FailureReason = &outcome.FailureReason
	}
	if err := e.store.UpdateWorkflowRun(ctx, run.ID, update); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "workflow run finished",
		slog.String("status", string(outcome.Status)),
		slog.String("failure_reason", outcome.FailureReason))
	return nil
}

func (e *Executor) emit(ctx context.Context, runID, blockID, eventType string) {
	err := e.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:   runID,
		BlockID: blockID,
		Type:    eventType,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "append run event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// --- helpers ---

// blockOutcome maps a dispatch error to the block's final status.
func blockOutcome(err error) (schema.BlockStatus, string) {
	if err == nil {
		return schema.BlockStatusCompleted, ""
	}
	if errors.Is(err, context.Canceled) {
		return schema.BlockStatusCanceled, "run canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.BlockStatusTimedOut, "wall clock budget exceeded"
	}
	var rlErr *schema.RunloomError
	if errors.As(err, &rlErr) {
		switch rlErr.Code {
		case schema.ErrCodeTerminated:
			return schema.BlockStatusTerminated, rlErr.Message
		case schema.ErrCodeCanceled:
			return schema.BlockStatusCanceled, rlErr.Message
		case schema.ErrCodeTimeout:
			return schema.BlockStatusTimedOut, rlErr.Message
		}
	}
	return schema.BlockStatusFailed, err.Error()
}

// runStatusForBlock maps an aborting block status to the run status.
func runStatusForBlock(status schema.BlockStatus) schema.RunStatus {
	switch status {
	case schema.BlockStatusTerminated:
		return schema.RunStatusTerminated
	case schema.BlockStatusCanceled:
		return schema.RunStatusCanceled
	case schema.BlockStatusTimedOut:
		return schema.RunStatusTimedOut
	default:
		return schema.RunStatusFailed
	}
}

// loopItems coerces a loop source value into its item list.
func loopItems(source any) ([]any, error) {
	switch v := source.(type) {
	case []any:
		return v, nil
	case json.RawMessage:
		var items []any
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, schema.NewError(schema.ErrCodeNotIterable, "loop source is not a list")
		}
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeNotIterable,
			"loop source is %T, not a list", source)
	}
}

// lastOutputKey returns the output parameter key of the last nested block
// that declares one.
func lastOutputKey(blocks []schema.Block) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].OutputParameterKey != "" {
			return blocks[i].OutputParameterKey
		}
	}
	return ""
}

func marshalOutput(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func pickTOTP(block, workflow *schema.TOTPConfig) *schema.TOTPConfig {
	if block != nil {
		return block
	}
	return workflow
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func outcomeError(outcome *TaskOutcome) error {
	switch outcome.Status {
	case schema.RunStatusCanceled:
		return schema.NewError(schema.ErrCodeCanceled, reasonOr(outcome.FailureReason, "run canceled"))
	case schema.RunStatusTimedOut:
		return schema.NewError(schema.ErrCodeTimeout, reasonOr(outcome.FailureReason, "wall clock budget exceeded"))
	case schema.RunStatusTerminated:
		return schema.NewError(schema.ErrCodeTerminated, reasonOr(outcome.FailureReason, "run terminated"))
	default:
		return schema.NewError(schema.ErrCodeBlockFailed, outcome.FailureReason)
	}
}
