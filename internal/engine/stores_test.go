package engine

import (
	"context"
	"sync"
	"time"

	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/pkg/schema"
)

// memStore is an in-memory RunStore for engine tests. It records every
// append and update so assertions can inspect the persisted history.
type memStore struct {
	mu sync.Mutex

	runs   map[string]*store.WorkflowRun
	blocks []*store.WorkflowRunBlock
	tasks  map[string]*store.Task
	steps  []*store.Step
	events []*store.RunEvent
}

func newMemStore() *memStore {
	return &memStore{
		runs:  make(map[string]*store.WorkflowRun),
		tasks: make(map[string]*store.Task),
	}
}

func (m *memStore) CreateWorkflowRun(_ context.Context, run *store.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.CreatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) GetWorkflowRun(_ context.Context, id string) (*store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateWorkflowRun(_ context.Context, id string, update store.WorkflowRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		run = &store.WorkflowRun{ID: id}
		m.runs[id] = run
	}
	// Final statuses are sticky, matching the libsql guard.
	if update.Status != nil && run.Status.IsFinal() {
		return nil
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.FailureReason != nil {
		run.FailureReason = *update.FailureReason
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.ModifiedAt = time.Now().UTC()
	return nil
}

func (m *memStore) AppendWorkflowRunBlock(_ context.Context, block *store.WorkflowRunBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	block.Sequence = int64(len(m.blocks) + 1)
	block.CreatedAt = time.Now().UTC()
	m.blocks = append(m.blocks, block)
	return nil
}

func (m *memStore) FinishWorkflowRunBlock(_ context.Context, id string, status string, output []byte, failureReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocks {
		if b.ID == id {
			b.Status = schema.BlockStatus(status)
			b.Output = output
			b.FailureReason = failureReason
			b.ModifiedAt = time.Now().UTC()
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "block %s not found", id)
}

func (m *memStore) CreateTask(_ context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", id)
	}
	cp := *task
	return &cp, nil
}

func (m *memStore) UpdateTask(_ context.Context, id string, update store.TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		task = &store.Task{ID: id}
		m.tasks[id] = task
	}
	if update.Status != nil && task.Status.IsFinal() {
		return nil
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Output != nil {
		task.Output = update.Output
	}
	if update.FailureReason != nil {
		task.FailureReason = *update.FailureReason
	}
	task.ModifiedAt = time.Now().UTC()
	return nil
}

func (m *memStore) AppendStep(_ context.Context, step *store.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step.CreatedAt = time.Now().UTC()
	m.steps = append(m.steps, step)
	return nil
}

func (m *memStore) FinishStep(_ context.Context, id string, success bool, status string, output []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.ID == id {
			s.Success = success
			s.Status = schema.RunStatus(status)
			s.Output = output
			s.ModifiedAt = time.Now().UTC()
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found", id)
}

func (m *memStore) AppendRunEvent(_ context.Context, event *store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events) + 1)
	event.Timestamp = time.Now().UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) stepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps)
}

func (m *memStore) blockRecords() []*store.WorkflowRunBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.WorkflowRunBlock, len(m.blocks))
	copy(out, m.blocks)
	return out
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
