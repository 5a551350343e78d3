package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/internal/streaming"
	"github.com/halcyard/runloom/internal/taskgen"
	"github.com/halcyard/runloom/internal/webhook"
	"github.com/halcyard/runloom/pkg/schema"
)

// fullStore extends memStore to the whole store.Store contract, enough for
// facade tests.
type fullStore struct {
	*memStore

	mu          sync.Mutex
	orgs        map[string]*store.Organization
	workflows   map[string]*store.Workflow // by version ID
	generations []*store.TaskGeneration
	scheduled   map[string]*store.ScheduledRun
	secrets     map[string][]byte
}

func newFullStore() *fullStore {
	return &fullStore{
		memStore:  newMemStore(),
		orgs:      make(map[string]*store.Organization),
		workflows: make(map[string]*store.Workflow),
		scheduled: make(map[string]*store.ScheduledRun),
		secrets:   make(map[string][]byte),
	}
}

func (f *fullStore) CreateOrganization(_ context.Context, org *store.Organization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs[org.ID] = org
	return nil
}

func (f *fullStore) GetOrganization(_ context.Context, id string) (*store.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "organization %s not found", id)
	}
	return org, nil
}

func (f *fullStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[wf.ID] = wf
	return nil
}

func (f *fullStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (f *fullStore) GetWorkflowByPermanentID(_ context.Context, permanentID string, version int) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *store.Workflow
	for _, wf := range f.workflows {
		if wf.PermanentID != permanentID || wf.DeletedAt != nil {
			continue
		}
		if version > 0 {
			if wf.Version == version {
				return wf, nil
			}
			continue
		}
		if best == nil || wf.Version > best.Version {
			best = wf
		}
	}
	if best == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", permanentID)
	}
	return best, nil
}

func (f *fullStore) SoftDeleteWorkflow(_ context.Context, permanentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, wf := range f.workflows {
		if wf.PermanentID == permanentID {
			wf.DeletedAt = &now
		}
	}
	return nil
}

func (f *fullStore) CreateWorkflowRun(_ context.Context, run *store.WorkflowRun) error {
	f.memStore.mu.Lock()
	defer f.memStore.mu.Unlock()
	run.CreatedAt = time.Now().UTC()
	f.memStore.runs[run.ID] = run
	return nil
}

func (f *fullStore) GetWorkflowRun(_ context.Context, id string) (*store.WorkflowRun, error) {
	f.memStore.mu.Lock()
	defer f.memStore.mu.Unlock()
	run, ok := f.memStore.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (f *fullStore) ListWorkflowRunBlocks(_ context.Context, workflowRunID string) ([]*store.WorkflowRunBlock, error) {
	f.memStore.mu.Lock()
	defer f.memStore.mu.Unlock()
	var out []*store.WorkflowRunBlock
	for _, b := range f.memStore.blocks {
		if b.WorkflowRunID == workflowRunID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fullStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	f.memStore.mu.Lock()
	defer f.memStore.mu.Unlock()
	task, ok := f.memStore.tasks[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", id)
	}
	cp := *task
	return &cp, nil
}

func (f *fullStore) ListSteps(_ context.Context, taskID string) ([]*store.Step, error) {
	f.memStore.mu.Lock()
	defer f.memStore.mu.Unlock()
	var out []*store.Step
	for _, s := range f.memStore.steps {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fullStore) CreateTaskGeneration(_ context.Context, gen *store.TaskGeneration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen.CreatedAt = time.Now().UTC()
	f.generations = append(f.generations, gen)
	return nil
}

func (f *fullStore) GetTaskGenerationByPromptHash(_ context.Context, hash string, window time.Duration) (*store.TaskGeneration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	for i := len(f.generations) - 1; i >= 0; i-- {
		g := f.generations[i]
		if g.UserPromptHash == hash && g.CreatedAt.After(cutoff) {
			return g, nil
		}
	}
	// A cache miss is not an error.
	return nil, nil
}

func (f *fullStore) GetRunEvents(_ context.Context, runID string, since int64) ([]*store.RunEvent, error) {
	f.memStore.mu.Lock()
	defer f.memStore.mu.Unlock()
	var out []*store.RunEvent
	for _, e := range f.memStore.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fullStore) StoreSecret(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[key] = value
	return nil
}

func (f *fullStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", key)
	}
	return v, nil
}

func (f *fullStore) DeleteSecret(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, key)
	return nil
}

func (f *fullStore) ListSecrets(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.secrets))
	for k := range f.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fullStore) CreateScheduledRun(_ context.Context, sr *store.ScheduledRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[sr.ID] = sr
	return nil
}

func (f *fullStore) GetScheduledRun(_ context.Context, id string) (*store.ScheduledRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sr, ok := f.scheduled[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %s not found", id)
	}
	return sr, nil
}

func (f *fullStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sr, ok := f.scheduled[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled run %s not found", id)
	}
	if update.Enabled != nil {
		sr.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sr.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sr.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		sr.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (f *fullStore) ListScheduledRuns(_ context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ScheduledRun
	for _, sr := range f.scheduled {
		if filter.Enabled != nil && sr.Enabled != *filter.Enabled {
			continue
		}
		if filter.OrganizationID != "" && sr.OrganizationID != filter.OrganizationID {
			continue
		}
		out = append(out, sr)
	}
	return out, nil
}

func (f *fullStore) DeleteScheduledRun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, id)
	return nil
}

func (f *fullStore) Migrate(context.Context) error { return nil }
func (f *fullStore) Close() error                  { return nil }

type stubTaskGen struct {
	calls int
}

func (g *stubTaskGen) GenerateTask(_ context.Context, _ string) (*taskgen.GeneratedTask, error) {
	g.calls++
	return &taskgen.GeneratedTask{
		URL:            "https://example.com",
		NavigationGoal: "find the invoice total",
		SuggestedTitle: "Invoice lookup",
	}, nil
}

func newTestEngine(t *testing.T, s *fullStore, gen taskgen.ReasoningClient) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{MaxConcurrentRuns: 2}, Dependencies{
		Store:   s,
		Actions: &echoExecutor{},
		TaskGen: gen,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng
}

func seedWorkflow(t *testing.T, eng *Engine, orgID string) *store.Workflow {
	t.Helper()
	def := schema.WorkflowDefinition{
		Blocks: []schema.Block{navBlock(t, "open", "open the page", "nav_output")},
	}
	wf, err := eng.CreateWorkflow(context.Background(), orgID, "test workflow", def, schema.WorkflowSettings{})
	require.NoError(t, err)
	return wf
}

func waitFinal(t *testing.T, eng *Engine, runID string) *schema.RunResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		result, err := eng.GetRunStatus(context.Background(), runID)
		require.NoError(t, err)
		if result.Status.IsFinal() {
			return result
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a final status", runID)
	return nil
}

func TestEngineCreateWorkflowRejectsInvalidDefinition(t *testing.T) {
	eng := newTestEngine(t, newFullStore(), nil)

	_, err := eng.CreateWorkflow(context.Background(), "o_1", "bad", schema.WorkflowDefinition{}, schema.WorkflowSettings{})
	require.Error(t, err, "a workflow needs at least one block")
}

func TestEngineCreateWorkflowVersionBumps(t *testing.T) {
	eng := newTestEngine(t, newFullStore(), nil)
	wf := seedWorkflow(t, eng, "o_1")
	assert.Equal(t, 1, wf.Version)

	def := schema.WorkflowDefinition{
		Blocks: []schema.Block{navBlock(t, "open_v2", "open the new page", "")},
	}
	v2, err := eng.CreateWorkflowVersion(context.Background(), wf.PermanentID, "", def, schema.WorkflowSettings{})
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, wf.PermanentID, v2.PermanentID)
	assert.NotEqual(t, wf.ID, v2.ID)
	assert.Equal(t, wf.Title, v2.Title, "omitted title carries over")
}

func TestEngineSubmitWorkflowRunExecutes(t *testing.T) {
	s := newFullStore()
	eng := newTestEngine(t, s, nil)
	wf := seedWorkflow(t, eng, "o_1")

	run, err := eng.SubmitWorkflowRun(context.Background(), "o_1", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, run.Status)

	result := waitFinal(t, eng, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, schema.RunTypeWorkflowRun, result.RunType)
}

func TestEngineSubmitWorkflowRunWrongOrganization(t *testing.T) {
	eng := newTestEngine(t, newFullStore(), nil)
	wf := seedWorkflow(t, eng, "o_1")

	_, err := eng.SubmitWorkflowRun(context.Background(), "o_other", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
	})
	require.Error(t, err)

	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeNotFound, rlErr.Code, "cross-tenant access looks like absence")
}

func TestEngineSubmitWorkflowRunInvalidProxyLocation(t *testing.T) {
	eng := newTestEngine(t, newFullStore(), nil)
	wf := seedWorkflow(t, eng, "o_1")

	_, err := eng.SubmitWorkflowRun(context.Background(), "o_1", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
		ProxyLocation:       "residential_atlantis",
	})
	require.Error(t, err)
}

func TestEngineSubmitTaskExecutes(t *testing.T) {
	s := newFullStore()
	eng := newTestEngine(t, s, nil)

	task, err := eng.SubmitTask(context.Background(), "o_1", schema.TaskRunRequest{
		URL:            "https://example.com",
		NavigationGoal: "open the page",
	})
	require.NoError(t, err)

	result := waitFinal(t, eng, task.ID)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, schema.RunTypeTaskV1, result.RunType)
}

func TestEngineSubmitTaskFromPrompt(t *testing.T) {
	s := newFullStore()
	gen := &stubTaskGen{}
	eng := newTestEngine(t, s, gen)

	task, err := eng.SubmitTask(context.Background(), "o_1", schema.TaskRunRequest{
		Prompt: "get the invoice total from example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "find the invoice total", task.NavigationGoal)
	assert.Equal(t, "Invoice lookup", task.Title)
	waitFinal(t, eng, task.ID)

	// Same prompt again hits the generation cache.
	_, err = eng.SubmitTask(context.Background(), "o_1", schema.TaskRunRequest{
		Prompt: "get the invoice total from example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls, "repeated prompt must not call reasoning again")
}

func TestEngineSubmitTaskPromptWithoutGenerator(t *testing.T) {
	eng := newTestEngine(t, newFullStore(), nil)

	_, err := eng.SubmitTask(context.Background(), "o_1", schema.TaskRunRequest{
		Prompt: "do something",
	})
	require.Error(t, err)
}

func TestEngineGetRunUnknownID(t *testing.T) {
	eng := newTestEngine(t, newFullStore(), nil)

	_, err := eng.GetRunStatus(context.Background(), "bogus_123")
	require.Error(t, err)

	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeNotFound, rlErr.Code)
}

func TestEngineCancelFinalRunIsNoOp(t *testing.T) {
	s := newFullStore()
	eng := newTestEngine(t, s, nil)
	wf := seedWorkflow(t, eng, "o_1")

	run, err := eng.SubmitWorkflowRun(context.Background(), "o_1", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
	})
	require.NoError(t, err)
	first := waitFinal(t, eng, run.ID)

	require.NoError(t, eng.CancelRun(context.Background(), run.ID))

	after, err := eng.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, after.Status, "canceling a finished run changes nothing")
}

func TestEngineCancelQueuedRunStaysCanceled(t *testing.T) {
	s := newFullStore()
	eng := newTestEngine(t, s, nil)
	wf := seedWorkflow(t, eng, "o_1")

	// A run that is queued but not yet claimed by a worker.
	run := queuedRun(nil)
	run.WorkflowID = wf.ID
	run.WorkflowPermanentID = wf.PermanentID
	require.NoError(t, s.CreateWorkflowRun(context.Background(), run))

	require.NoError(t, eng.CancelRun(context.Background(), run.ID))

	result, err := eng.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCanceled, result.Status)

	// A worker that claimed the run before the cancel landed still holds
	// the queued in-memory record; it must not bring the run back to life.
	stale := *run
	stale.Status = schema.RunStatusQueued
	require.NoError(t, eng.executor.ExecuteRun(context.Background(), &stale, wf, nil))

	after, err := eng.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCanceled, after.Status, "a canceled run never completes")

	blocks, err := s.ListWorkflowRunBlocks(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestEngineSubmitReturnsDetachedRecords(t *testing.T) {
	s := newFullStore()
	eng := newTestEngine(t, s, nil)
	wf := seedWorkflow(t, eng, "o_1")

	run, err := eng.SubmitWorkflowRun(context.Background(), "o_1", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
	})
	require.NoError(t, err)
	waitFinal(t, eng, run.ID)
	assert.Equal(t, schema.RunStatusQueued, run.Status,
		"the caller's record is a snapshot, not the worker's working copy")

	task, err := eng.SubmitTask(context.Background(), "o_1", schema.TaskRunRequest{
		URL:            "https://example.com",
		NavigationGoal: "open the page",
	})
	require.NoError(t, err)
	waitFinal(t, eng, task.ID)
	assert.Equal(t, schema.RunStatusQueued, task.Status,
		"the caller's record is a snapshot, not the worker's working copy")
}

func TestEngineWebhookDeliveredOnCompletion(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newFullStore()
	require.NoError(t, s.CreateOrganization(context.Background(), &store.Organization{
		ID:            "o_1",
		WebhookSecret: "hook-secret",
	}))
	eng := newTestEngine(t, s, nil)
	wf := seedWorkflow(t, eng, "o_1")

	run, err := eng.SubmitWorkflowRun(context.Background(), "o_1", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
		WebhookCallbackURL:  srv.URL,
	})
	require.NoError(t, err)
	waitFinal(t, eng, run.ID)

	select {
	case r := <-received:
		sig := r.Header.Get(webhook.HeaderSignature)
		ts := r.Header.Get(webhook.HeaderTimestamp)
		require.NotEmpty(t, sig)
		assert.True(t, webhook.Verify(body, ts, sig, []byte("hook-secret")))

		var payload schema.WebhookPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, run.ID, payload.RunID)
		assert.Equal(t, schema.RunStatusCompleted, payload.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestEngineRetryWebhookRequiresFinalStatus(t *testing.T) {
	s := newFullStore()
	eng := newTestEngine(t, s, nil)

	run := queuedRun(nil)
	require.NoError(t, s.CreateWorkflowRun(context.Background(), run))

	err := eng.RetryWebhook(context.Background(), run.ID)
	require.Error(t, err)

	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeConflict, rlErr.Code)
}

func TestEngineStreamsRunEvents(t *testing.T) {
	s := newFullStore()
	hub := streaming.NewMemoryHub()
	eng, err := NewEngine(Config{MaxConcurrentRuns: 2}, Dependencies{
		Store:   s,
		Actions: &echoExecutor{},
		Stream:  hub,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	wf := seedWorkflow(t, eng, "o_1")

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	run, err := eng.SubmitWorkflowRun(context.Background(), "o_1", schema.WorkflowRunRequest{
		WorkflowPermanentID: wf.PermanentID,
	})
	require.NoError(t, err)
	waitFinal(t, eng, run.ID)

	// The embedded agent task completes first and is streamed too; scan
	// until the workflow run's own completion arrives.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.RunID != run.ID {
				continue
			}
			assert.Equal(t, schema.EventRunCompleted, event.Type)
			assert.Positive(t, event.Sequence)
			return
		case <-timeout:
			t.Fatal("run completion was never streamed")
		}
	}
}
