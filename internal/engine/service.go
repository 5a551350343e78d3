package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/halcyard/runloom/internal/secrets"
	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/internal/streaming"
	"github.com/halcyard/runloom/internal/taskgen"
	"github.com/halcyard/runloom/internal/validation"
	"github.com/halcyard/runloom/internal/webhook"
	"github.com/halcyard/runloom/pkg/schema"
)

// Config tunes the engine.
type Config struct {
	MaxConcurrentRuns int           // worker pool size (default 5)
	DefaultMaxSteps   int           // step budget when nothing else sets one
	RunTimeout        time.Duration // wall clock budget per run; 0 disables
	TaskGenWindow     time.Duration // task generation cache window
	Webhook           webhook.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 5
	}
	if c.DefaultMaxSteps <= 0 {
		c.DefaultMaxSteps = DefaultMaxSteps
	}
	return c
}

// Dependencies bundles the collaborators the engine is wired with.
// Actions is required; everything else degrades to a run-time error on the
// block types that need it.
type Dependencies struct {
	Store     store.Store
	Actions   ActionExecutor
	Reasoning ReasoningClient          // text_prompt blocks
	TaskGen   taskgen.ReasoningClient  // prompt -> task specification
	Services  BlockServices
	Secrets   secrets.Resolver
	Stream    streaming.EventHub // live run events; nil disables streaming
	Logger    *slog.Logger
}

// Engine is the orchestration facade: it accepts run submissions, executes
// them on a bounded worker pool, answers status queries, cancels in-flight
// runs and delivers terminal webhooks.
type Engine struct {
	cfg       Config
	store     store.Store
	actions   ActionExecutor
	creds     secrets.Resolver
	validator *validation.WorkflowValidator
	executor  *Executor
	tasks     *TaskRunner
	fsm       *RunFSM
	pool      *WorkerPool
	notifier  *webhook.Notifier
	generator *taskgen.Cache
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine wires an Engine from its dependencies.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	cfg = cfg.withDefaults()
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if deps.Actions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action executor")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Stream != nil {
		// Every event path, the FSM's included, appends through the store;
		// decorating it once covers them all.
		deps.Store = streaming.NewPublishingStore(deps.Store, deps.Stream)
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	cel, expr, jq := validator.Engines()

	fsm := NewRunFSM(deps.Store)
	executor := NewExecutor(deps.Store, deps.Actions, deps.Reasoning, deps.Services,
		fsm, validator.DataSchemas(), cel, expr, jq, logger)

	var generator *taskgen.Cache
	if deps.TaskGen != nil {
		generator = taskgen.NewCache(deps.Store, deps.TaskGen, cfg.TaskGenWindow, logger)
	}

	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		actions:   deps.Actions,
		creds:     deps.Secrets,
		validator: validator,
		executor:  executor,
		tasks:     NewTaskRunner(deps.Store, deps.Actions, fsm, logger),
		fsm:       fsm,
		pool:      NewWorkerPool(cfg.MaxConcurrentRuns),
		notifier:  webhook.NewNotifier(cfg.Webhook, logger),
		generator: generator,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// CreateWorkflow validates and persists a new workflow as version 1 under a
// fresh permanent ID.
func (e *Engine) CreateWorkflow(ctx context.Context, organizationID, title string, def schema.WorkflowDefinition, settings schema.WorkflowSettings) (*store.Workflow, error) {
	if err := e.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	wf := &store.Workflow{
		ID:             store.NewID(store.PrefixWorkflow),
		PermanentID:    store.NewID(store.PrefixWorkflowPermanent),
		OrganizationID: organizationID,
		Title:          title,
		Version:        1,
		Definition:     def,
		Settings:       settings,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateWorkflowVersion validates and persists the next version of an
// existing workflow. The permanent ID stays stable; runs referencing it
// without a version pick up the new one.
func (e *Engine) CreateWorkflowVersion(ctx context.Context, permanentID, title string, def schema.WorkflowDefinition, settings schema.WorkflowSettings) (*store.Workflow, error) {
	if err := e.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	latest, err := e.store.GetWorkflowByPermanentID(ctx, permanentID, 0)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = latest.Title
	}
	wf := &store.Workflow{
		ID:             store.NewID(store.PrefixWorkflow),
		PermanentID:    permanentID,
		OrganizationID: latest.OrganizationID,
		Title:          title,
		Version:        latest.Version + 1,
		Definition:     def,
		Settings:       settings,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// SubmitWorkflowRun creates a workflow run and schedules it on the pool.
// The returned record is in status queued; execution proceeds async.
func (e *Engine) SubmitWorkflowRun(ctx context.Context, organizationID string, req schema.WorkflowRunRequest) (*store.WorkflowRun, error) {
	if req.ProxyLocation != "" && !req.ProxyLocation.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown proxy location %q", req.ProxyLocation)
	}

	wf, err := e.store.GetWorkflowByPermanentID(ctx, req.WorkflowPermanentID, req.Version)
	if err != nil {
		return nil, err
	}
	if wf.OrganizationID != organizationID {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
	}

	proxy := req.ProxyLocation
	if proxy == "" {
		proxy = wf.Settings.ProxyLocation
	}
	callback := req.WebhookCallbackURL
	if callback == "" {
		callback = wf.Settings.WebhookCallbackURL
	}

	run := &store.WorkflowRun{
		ID:                  store.NewID(store.PrefixWorkflowRun),
		WorkflowID:          wf.ID,
		WorkflowPermanentID: wf.PermanentID,
		OrganizationID:      organizationID,
		Status:              schema.RunStatusCreated,
		Parameters:          req.Parameters,
		ProxyLocation:       proxy,
		WebhookCallbackURL:  callback,
		MaxStepsOverride:    req.MaxStepsOverride,
	}
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	e.emit(ctx, run.ID, schema.EventRunCreated)

	if err := e.markQueued(ctx, run); err != nil {
		return nil, err
	}

	// The worker keeps mutating run; the caller gets a detached snapshot.
	snapshot := *run
	submitErr := e.pool.Submit(ctx, func(context.Context) error {
		runCtx, cancel := e.registerCancel(run.ID)
		defer e.unregisterCancel(run.ID, cancel)

		err := e.executor.ExecuteRun(runCtx, run, wf, e.creds)
		if err != nil {
			e.logger.Error("workflow run execution error",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()))
		}
		e.notifyTerminal(run.ID)
		return err
	})
	if submitErr != nil {
		return nil, submitErr
	}
	return &snapshot, nil
}

// SubmitTask creates a standalone task and schedules it on the pool. A
// prompt-only request is first turned into a concrete task specification
// via the generation cache.
func (e *Engine) SubmitTask(ctx context.Context, organizationID string, req schema.TaskRunRequest) (*store.Task, error) {
	if req.ProxyLocation != "" && !req.ProxyLocation.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown proxy location %q", req.ProxyLocation)
	}
	if req.NavigationGoal == "" && req.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"task needs a navigation goal or a prompt")
	}

	task := &store.Task{
		ID:                   store.NewID(store.PrefixTask),
		OrganizationID:       organizationID,
		Status:               schema.RunStatusCreated,
		Prompt:               req.Prompt,
		Title:                req.Title,
		URL:                  req.URL,
		NavigationGoal:       req.NavigationGoal,
		DataExtractionGoal:   req.DataExtractionGoal,
		DataExtractionSchema: req.DataExtractionSchema,
		ProxyLocation:        req.ProxyLocation,
		MaxSteps:             req.MaxSteps,
		MaxRetries:           req.MaxRetries,
		WebhookCallbackURL:   req.WebhookCallbackURL,
	}
	if req.TOTP != nil {
		task.TOTPIdentifier = req.TOTP.Identifier
		task.TOTPVerificationURL = req.TOTP.VerificationURL
	}

	if task.NavigationGoal == "" {
		if e.generator == nil {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"prompt-only tasks need a task generation client")
		}
		gen, err := e.generator.Generate(ctx, organizationID, req.Prompt)
		if err != nil {
			return nil, err
		}
		task.URL = firstNonEmpty(task.URL, gen.URL)
		task.Title = firstNonEmpty(task.Title, gen.SuggestedTitle)
		task.NavigationGoal = gen.NavigationGoal
		task.DataExtractionGoal = firstNonEmpty(task.DataExtractionGoal, gen.DataExtractionGoal)
		if len(task.DataExtractionSchema) == 0 {
			task.DataExtractionSchema = gen.ExtractedInformationSchema
		}
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	e.emit(ctx, task.ID, schema.EventRunCreated)

	if err := e.fsm.Transition(ctx, task.ID, task.Status, schema.RunStatusQueued); err != nil {
		return nil, err
	}
	task.Status = schema.RunStatusQueued
	queued := schema.RunStatusQueued
	if err := e.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &queued}); err != nil {
		return nil, err
	}

	// The worker keeps mutating task; the caller gets a detached snapshot.
	snapshot := *task
	submitErr := e.pool.Submit(ctx, func(context.Context) error {
		runCtx, cancel := e.registerCancel(task.ID)
		defer e.unregisterCancel(task.ID, cancel)

		_, err := e.tasks.Run(runCtx, task, nil)
		if err != nil {
			e.logger.Error("task execution error",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
		}
		e.notifyTerminal(task.ID)
		return err
	})
	if submitErr != nil {
		return nil, submitErr
	}
	return &snapshot, nil
}

// GetRun returns the status view of a task or workflow run. The ID prefix
// selects the record kind.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*schema.RunResult, error) {
	switch {
	case strings.HasPrefix(runID, store.PrefixWorkflowRun+"_"):
		run, err := e.store.GetWorkflowRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &schema.RunResult{
			RunID:         run.ID,
			RunType:       schema.RunTypeWorkflowRun,
			Status:        run.Status,
			Output:        run.Output,
			FailureReason: run.FailureReason,
			CreatedAt:     run.CreatedAt,
			ModifiedAt:    run.ModifiedAt,
		}, nil
	case strings.HasPrefix(runID, store.PrefixTask+"_"):
		task, err := e.store.GetTask(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &schema.RunResult{
			RunID:         task.ID,
			RunType:       schema.RunTypeTaskV1,
			Status:        task.Status,
			Output:        task.Output,
			FailureReason: task.FailureReason,
			CreatedAt:     task.CreatedAt,
			ModifiedAt:    task.ModifiedAt,
		}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown run id %q", runID)
	}
}

// CancelRun requests cancellation of a run. Canceling a run already in a
// final status is an idempotent no-op. An in-flight run is interrupted via
// its context; a queued run that never started is finalized directly.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	result, err := e.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if result.Status.IsFinal() {
		return nil
	}

	e.mu.Lock()
	cancel, running := e.cancels[runID]
	e.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	// Not in flight: finalize the record here before a worker picks it up.
	if err := e.fsm.Transition(ctx, runID, result.Status, schema.RunStatusCanceled); err != nil {
		return err
	}
	canceled := schema.RunStatusCanceled
	reason := "run canceled"
	if result.RunType == schema.RunTypeWorkflowRun {
		now := time.Now().UTC()
		return e.store.UpdateWorkflowRun(ctx, runID, store.WorkflowRunUpdate{
			Status:        &canceled,
			FailureReason: &reason,
			CompletedAt:   &now,
		})
	}
	return e.store.UpdateTask(ctx, runID, store.TaskUpdate{
		Status:        &canceled,
		FailureReason: &reason,
	})
}

// RetryWebhook re-delivers the terminal callback for a finished run. The
// run's status is not touched; only the notification is repeated.
func (e *Engine) RetryWebhook(ctx context.Context, runID string) error {
	result, err := e.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if !result.Status.IsFinal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s, webhooks are only sent for final statuses", runID, result.Status)
	}
	return e.deliverWebhook(ctx, runID, result)
}

// Metrics returns a snapshot of the worker pool metrics.
func (e *Engine) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting runs and waits for in-flight work to finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// notifyTerminal delivers the terminal webhook for a just-finished run.
// Delivery failures are logged and recorded as events, never propagated.
func (e *Engine) notifyTerminal(runID string) {
	ctx := context.Background()
	result, err := e.GetRunStatus(ctx, runID)
	if err != nil {
		e.logger.Error("load run for webhook", slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}
	if !result.Status.IsFinal() {
		return
	}
	if err := e.deliverWebhook(ctx, runID, result); err != nil {
		e.logger.Warn("webhook delivery failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) deliverWebhook(ctx context.Context, runID string, result *schema.RunResult) error {
	url, orgID, err := e.webhookTarget(ctx, runID, result.RunType)
	if err != nil {
		return err
	}
	if url == "" {
		return nil
	}

	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	payload := schema.WebhookPayload{
		RunID:         result.RunID,
		Status:        result.Status,
		Output:        result.Output,
		FailureReason: result.FailureReason,
		CreatedAt:     result.CreatedAt,
		ModifiedAt:    result.ModifiedAt,
	}
	if err := e.notifier.Deliver(ctx, url, []byte(org.WebhookSecret), payload); err != nil {
		e.emit(ctx, runID, schema.EventWebhookFailed)
		return err
	}
	e.emit(ctx, runID, schema.EventWebhookSent)
	return nil
}

func (e *Engine) webhookTarget(ctx context.Context, runID string, runType schema.RunType) (url, orgID string, err error) {
	if runType == schema.RunTypeWorkflowRun {
		run, err := e.store.GetWorkflowRun(ctx, runID)
		if err != nil {
			return "", "", err
		}
		return run.WebhookCallbackURL, run.OrganizationID, nil
	}
	task, err := e.store.GetTask(ctx, runID)
	if err != nil {
		return "", "", err
	}
	return task.WebhookCallbackURL, task.OrganizationID, nil
}

func (e *Engine) markQueued(ctx context.Context, run *store.WorkflowRun) error {
	if err := e.fsm.Transition(ctx, run.ID, run.Status, schema.RunStatusQueued); err != nil {
		return err
	}
	run.Status = schema.RunStatusQueued
	queued := schema.RunStatusQueued
	return e.store.UpdateWorkflowRun(ctx, run.ID, store.WorkflowRunUpdate{Status: &queued})
}

// registerCancel creates the run's execution context. Workers outlive the
// submitting request, so the context derives from Background plus the
// configured wall clock budget, not from the submission context.
func (e *Engine) registerCancel(runID string) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if e.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
	return ctx, cancel
}

func (e *Engine) unregisterCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()
	cancel()
}

func (e *Engine) emit(ctx context.Context, runID, eventType string) {
	err := e.store.AppendRunEvent(ctx, &store.RunEvent{RunID: runID, Type: eventType})
	if err != nil {
		e.logger.Warn("append run event failed",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
