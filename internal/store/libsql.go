package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/halcyard/runloom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Organizations ---

func (s *LibSQLStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = NewID(PrefixOrganization)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, webhook_secret, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Name, org.WebhookSecret, timeOrNow(org.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	org := &Organization{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, webhook_secret, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.WebhookSecret, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("organization", id)
	}
	if err != nil {
		return nil, err
	}
	return org, nil
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	settings, err := json.Marshal(wf.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, permanent_id, organization_id, title, version, definition, settings, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.PermanentID, wf.OrganizationID, wf.Title, wf.Version,
		string(def), string(settings),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt), nullTime(wf.DeletedAt),
	)
	return err
}

const workflowColumns = `id, permanent_id, organization_id, title, version, definition, settings, created_at, updated_at, deleted_at`

func (s *LibSQLStore) scanWorkflow(row *sql.Row) (*Workflow, error) {
	wf := &Workflow{}
	var defJSON string
	var settingsJSON sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&wf.ID, &wf.PermanentID, &wf.OrganizationID, &wf.Title, &wf.Version,
		&defJSON, &settingsJSON, &wf.CreatedAt, &wf.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &wf.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	if deletedAt.Valid {
		wf.DeletedAt = &deletedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := s.scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

// GetWorkflowByPermanentID returns the requested version, or the latest
// non-deleted version when version is 0.
func (s *LibSQLStore) GetWorkflowByPermanentID(ctx context.Context, permanentID string, version int) (*Workflow, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+workflowColumns+` FROM workflows
			 WHERE permanent_id = ? AND version = ? AND deleted_at IS NULL`, permanentID, version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+workflowColumns+` FROM workflows
			 WHERE permanent_id = ? AND deleted_at IS NULL
			 ORDER BY version DESC LIMIT 1`, permanentID)
	}
	wf, err := s.scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", permanentID)
	}
	return wf, err
}

func (s *LibSQLStore) SoftDeleteWorkflow(ctx context.Context, permanentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = CURRENT_TIMESTAMP WHERE permanent_id = ? AND deleted_at IS NULL`,
		permanentID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", permanentID)
}

// --- Workflow runs ---

func (s *LibSQLStore) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	params, err := marshalMapOrDefault(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, workflow_permanent_id, organization_id, status, parameters, proxy_location, webhook_callback_url, max_steps_override, output, failure_reason, created_at, modified_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowPermanentID, run.OrganizationID,
		string(run.Status), string(params), nullStr(string(run.ProxyLocation)),
		nullStr(run.WebhookCallbackURL), run.MaxStepsOverride,
		nullRaw(run.Output), nullStr(run.FailureReason),
		timeOrNow(run.CreatedAt), timeOrNow(run.ModifiedAt),
		nullTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var (
		paramsJSON                      string
		proxy, webhookURL               sql.NullString
		output, failureReason           sql.NullString
		startedAt, completedAt          sql.NullTime
		status                          string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_permanent_id, organization_id, status, parameters, proxy_location, webhook_callback_url, max_steps_override, output, failure_reason, created_at, modified_at, started_at, completed_at
		 FROM workflow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowPermanentID, &run.OrganizationID,
		&status, &paramsJSON, &proxy, &webhookURL, &run.MaxStepsOverride,
		&output, &failureReason, &run.CreatedAt, &run.ModifiedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Parameters)
	}
	run.ProxyLocation = schema.ProxyLocation(proxy.String)
	run.WebhookCallbackURL = webhookURL.String
	run.Output = rawOrNil(output)
	run.FailureReason = failureReason.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateWorkflowRun(ctx context.Context, id string, update WorkflowRunUpdate) error {
	set := []string{"modified_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		set = append(set, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.FailureReason != nil {
		set = append(set, "failure_reason = ?")
		args = append(args, *update.FailureReason)
	}
	if update.Parameters != nil {
		params, err := marshalMapOrDefault(update.Parameters)
		if err != nil {
			return fmt.Errorf("marshal parameters: %w", err)
		}
		set = append(set, "parameters = ?")
		args = append(args, string(params))
	}
	if update.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	args = append(args, id)
	query := `UPDATE workflow_runs SET ` + joinSet(set) + ` WHERE id = ?`
	if update.Status != nil {
		// A final status is sticky: a late write racing a cancellation must
		// not resurrect the run.
		query += ` AND status NOT IN ` + finalStatusSet
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.checkRunUpdated(ctx, res, "workflow_runs", "workflow run", id, update.Status != nil)
}

// --- Workflow run blocks ---

// AppendWorkflowRunBlock inserts a block record with the next per-run
// sequence number. Records are never reused: a rerun appends a new record.
func (s *LibSQLStore) AppendWorkflowRunBlock(ctx context.Context, block *WorkflowRunBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_run_blocks WHERE workflow_run_id = ?`,
		block.WorkflowRunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next block sequence: %w", err)
	}
	block.Sequence = seq

	if block.ID == "" {
		block.ID = NewID(PrefixWorkflowRunBlock)
	}
	now := time.Now().UTC()
	if block.CreatedAt.IsZero() {
		block.CreatedAt = now
	}
	block.ModifiedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_run_blocks (id, workflow_run_id, parent_block_id, label, block_type, loop_index, loop_value, continue_on_failure, status, output, failure_reason, sequence, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		block.ID, block.WorkflowRunID, nullStr(block.ParentBlockID), block.Label,
		string(block.BlockType), nullInt(block.LoopIndex), nullRaw(block.LoopValue),
		boolInt(block.ContinueOnFailure), string(block.Status),
		nullRaw(block.Output), nullStr(block.FailureReason), seq,
		block.CreatedAt, block.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow run block: %w", err)
	}
	return tx.Commit()
}

// FinishWorkflowRunBlock finalizes the record the engine created when the
// block started. It is the only permitted mutation of a block record.
func (s *LibSQLStore) FinishWorkflowRunBlock(ctx context.Context, id string, status string, output []byte, failureReason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_run_blocks SET status = ?, output = ?, failure_reason = ?, modified_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, nullRaw(output), nullStr(failureReason), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow run block", id)
}

func (s *LibSQLStore) ListWorkflowRunBlocks(ctx context.Context, workflowRunID string) ([]*WorkflowRunBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_run_id, parent_block_id, label, block_type, loop_index, loop_value, continue_on_failure, status, output, failure_reason, sequence, created_at, modified_at
		 FROM workflow_run_blocks WHERE workflow_run_id = ? ORDER BY sequence ASC`, workflowRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*WorkflowRunBlock
	for rows.Next() {
		b := &WorkflowRunBlock{}
		var (
			parentID, loopValue, output, failureReason sql.NullString
			loopIndex                                  sql.NullInt64
			blockType, status                          string
			cof                                        int
		)
		if err := rows.Scan(&b.ID, &b.WorkflowRunID, &parentID, &b.Label, &blockType,
			&loopIndex, &loopValue, &cof, &status, &output, &failureReason,
			&b.Sequence, &b.CreatedAt, &b.ModifiedAt); err != nil {
			return nil, err
		}
		b.ParentBlockID = parentID.String
		b.BlockType = schema.BlockType(blockType)
		if loopIndex.Valid {
			idx := int(loopIndex.Int64)
			b.LoopIndex = &idx
		}
		b.LoopValue = rawOrNil(loopValue)
		b.ContinueOnFailure = cof != 0
		b.Status = schema.BlockStatus(status)
		b.Output = rawOrNil(output)
		b.FailureReason = failureReason.String
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, organization_id, status, prompt, title, url, navigation_goal, data_extraction_goal, data_extraction_schema, proxy_location, totp_identifier, totp_verification_url, max_steps, max_retries, webhook_callback_url, output, failure_reason, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OrganizationID, string(task.Status),
		nullStr(task.Prompt), nullStr(task.Title), nullStr(task.URL),
		nullStr(task.NavigationGoal), nullStr(task.DataExtractionGoal),
		nullRaw(task.DataExtractionSchema), nullStr(string(task.ProxyLocation)),
		nullStr(task.TOTPIdentifier), nullStr(task.TOTPVerificationURL),
		task.MaxSteps, task.MaxRetries, nullStr(task.WebhookCallbackURL),
		nullRaw(task.Output), nullStr(task.FailureReason),
		timeOrNow(task.CreatedAt), timeOrNow(task.ModifiedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	var (
		prompt, title, url, navGoal, extGoal, extSchema     sql.NullString
		proxy, totpID, totpURL, webhookURL, output, failure sql.NullString
		status                                              string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, status, prompt, title, url, navigation_goal, data_extraction_goal, data_extraction_schema, proxy_location, totp_identifier, totp_verification_url, max_steps, max_retries, webhook_callback_url, output, failure_reason, created_at, modified_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.OrganizationID, &status, &prompt, &title, &url, &navGoal, &extGoal,
		&extSchema, &proxy, &totpID, &totpURL, &t.MaxSteps, &t.MaxRetries, &webhookURL, &output, &failure,
		&t.CreatedAt, &t.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = schema.RunStatus(status)
	t.Prompt = prompt.String
	t.Title = title.String
	t.URL = url.String
	t.NavigationGoal = navGoal.String
	t.DataExtractionGoal = extGoal.String
	t.DataExtractionSchema = rawOrNil(extSchema)
	t.ProxyLocation = schema.ProxyLocation(proxy.String)
	t.TOTPIdentifier = totpID.String
	t.TOTPVerificationURL = totpURL.String
	t.WebhookCallbackURL = webhookURL.String
	t.Output = rawOrNil(output)
	t.FailureReason = failure.String
	return t, nil
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	set := []string{"modified_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		set = append(set, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.FailureReason != nil {
		set = append(set, "failure_reason = ?")
		args = append(args, *update.FailureReason)
	}
	args = append(args, id)
	query := `UPDATE tasks SET ` + joinSet(set) + ` WHERE id = ?`
	if update.Status != nil {
		query += ` AND status NOT IN ` + finalStatusSet
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.checkRunUpdated(ctx, res, "tasks", "task", id, update.Status != nil)
}

// --- Steps ---

func (s *LibSQLStore) AppendStep(ctx context.Context, step *Step) error {
	if step.ID == "" {
		step.ID = NewID(PrefixStep)
	}
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.ModifiedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, task_id, step_order, retry_index, status, output, success, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.TaskID, step.Order, step.RetryIndex, string(step.Status),
		nullRaw(step.Output), boolInt(step.Success), step.CreatedAt, step.ModifiedAt,
	)
	return err
}

// FinishStep records the action executor's result on the step the engine
// created. Steps are immutable afterwards.
func (s *LibSQLStore) FinishStep(ctx context.Context, id string, success bool, status string, output []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET success = ?, status = ?, output = ?, modified_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolInt(success), status, nullRaw(output), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, taskID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, step_order, retry_index, status, output, success, created_at, modified_at
		 FROM steps WHERE task_id = ? ORDER BY step_order ASC, retry_index ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanStep(rows *sql.Rows) (*Step, error) {
	st := &Step{}
	var output sql.NullString
	var status string
	var success int
	if err := rows.Scan(&st.ID, &st.TaskID, &st.Order, &st.RetryIndex, &status,
		&output, &success, &st.CreatedAt, &st.ModifiedAt); err != nil {
		return nil, err
	}
	st.Status = schema.RunStatus(status)
	st.Output = rawOrNil(output)
	st.Success = success != 0
	return st, nil
}

// --- Task generations ---

func (s *LibSQLStore) CreateTaskGeneration(ctx context.Context, gen *TaskGeneration) error {
	if gen.ID == "" {
		gen.ID = NewID(PrefixTaskGeneration)
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_generations (id, organization_id, user_prompt, user_prompt_hash, url, navigation_goal, navigation_payload, data_extraction_goal, extracted_information_schema, suggested_title, llm, llm_prompt, llm_response, source_task_generation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.OrganizationID, gen.UserPrompt, gen.UserPromptHash,
		nullStr(gen.URL), nullStr(gen.NavigationGoal), nullRaw(gen.NavigationPayload),
		nullStr(gen.DataExtractionGoal), nullRaw(gen.ExtractedInformationSchema),
		nullStr(gen.SuggestedTitle), nullStr(gen.LLM), nullStr(gen.LLMPrompt),
		nullStr(gen.LLMResponse), nullStr(gen.SourceTaskGenerationID), gen.CreatedAt,
	)
	return err
}

// GetTaskGenerationByPromptHash returns the most recent generation with the
// given hash inside the recency window, or nil if none qualifies.
func (s *LibSQLStore) GetTaskGenerationByPromptHash(ctx context.Context, hash string, window time.Duration) (*TaskGeneration, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, user_prompt, user_prompt_hash, url, navigation_goal, navigation_payload, data_extraction_goal, extracted_information_schema, suggested_title, llm, llm_prompt, llm_response, source_task_generation_id, created_at
		 FROM task_generations WHERE user_prompt_hash = ? AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`, hash, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	g := &TaskGeneration{}
	var url, navGoal, navPayload, extGoal, extSchema, title, llm, llmPrompt, llmResp, source sql.NullString
	if err := rows.Scan(&g.ID, &g.OrganizationID, &g.UserPrompt, &g.UserPromptHash,
		&url, &navGoal, &navPayload, &extGoal, &extSchema, &title, &llm, &llmPrompt,
		&llmResp, &source, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.URL = url.String
	g.NavigationGoal = navGoal.String
	g.NavigationPayload = rawOrNil(navPayload)
	g.DataExtractionGoal = extGoal.String
	g.ExtractedInformationSchema = rawOrNil(extSchema)
	g.SuggestedTitle = title.String
	g.LLM = llm.String
	g.LLMPrompt = llmPrompt.String
	g.LLMResponse = llmResp.String
	g.SourceTaskGenerationID = source.String
	return g, nil
}

// --- Run events ---

func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, block_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var blockID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &blockID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.BlockID = blockID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	if sr.ID == "" {
		sr.ID = NewID(PrefixScheduledRun)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_permanent_id, organization_id, cron_expression, parameters, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.WorkflowPermanentID, sr.OrganizationID, sr.CronExpression,
		nullRaw(sr.Parameters), boolInt(sr.Enabled),
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), nullStr(sr.LastRunStatus),
		timeOrNow(sr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_permanent_id, organization_id, cron_expression, parameters, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, storeNotFound("scheduled run", id)
	}
	return scanScheduledRun(rows)
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	set := []string{}
	args := []any{}
	if update.Enabled != nil {
		set = append(set, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		set = append(set, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		set = append(set, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		set = append(set, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET `+joinSet(set)+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	query := `SELECT id, workflow_permanent_id, organization_id, cron_expression, parameters, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	where := []string{}
	args := []any{}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if len(where) > 0 {
		query += " WHERE " + joinAnd(where)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var srs []*ScheduledRun
	for rows.Next() {
		sr, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		srs = append(srs, sr)
	}
	return srs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func scanScheduledRun(rows *sql.Rows) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var params, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := rows.Scan(&sr.ID, &sr.WorkflowPermanentID, &sr.OrganizationID,
		&sr.CronExpression, &params, &enabled, &lastRun, &nextRun, &lastStatus,
		&sr.CreatedAt); err != nil {
		return nil, err
	}
	sr.Parameters = rawOrNil(params)
	sr.Enabled = enabled != 0
	if lastRun.Valid {
		sr.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sr.NextRunAt = &nextRun.Time
	}
	sr.LastRunStatus = lastStatus.String
	return sr, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RunloomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// finalStatusSet mirrors schema.RunStatus.IsFinal for SQL guards.
const finalStatusSet = `('completed', 'failed', 'terminated', 'timed_out', 'canceled')`

// checkRunUpdated distinguishes "row missing" from "row already final" after
// a guarded status update. Losing a status race to a final write is not an
// error; the frozen record simply wins.
func (s *LibSQLStore) checkRunUpdated(ctx context.Context, res sql.Result, table, resource, id string, guarded bool) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if guarded {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
	}
	return storeNotFound(resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func joinSet(parts []string) string { return strings.Join(parts, ", ") }
func joinAnd(parts []string) string { return strings.Join(parts, " AND ") }
