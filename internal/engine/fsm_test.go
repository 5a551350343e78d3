package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/pkg/schema"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []*store.RunEvent
	fail   error
}

func (r *eventRecorder) AppendRunEvent(_ context.Context, event *store.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestRunFSMValidTransitionEmitsEvent(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM(rec)

	err := fsm.Transition(context.Background(), "wr_1", schema.RunStatusQueued, schema.RunStatusRunning)
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, schema.EventRunStarted, rec.events[0].Type)
	assert.Equal(t, "wr_1", rec.events[0].RunID)
}

func TestRunFSMInvalidTransition(t *testing.T) {
	fsm := NewRunFSM(&eventRecorder{})

	err := fsm.Transition(context.Background(), "wr_1", schema.RunStatusCreated, schema.RunStatusCompleted)
	require.Error(t, err)

	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, rlErr.Code)
}

func TestRunFSMSameStatusIsNoOp(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM(rec)

	err := fsm.Transition(context.Background(), "wr_1", schema.RunStatusCompleted, schema.RunStatusCompleted)
	require.NoError(t, err)
	assert.Empty(t, rec.events, "re-finalizing must not re-emit")
}

func TestRunFSMFinalStatusHasNoOutgoing(t *testing.T) {
	fsm := NewRunFSM(&eventRecorder{})

	for _, final := range []schema.RunStatus{
		schema.RunStatusCompleted, schema.RunStatusFailed,
		schema.RunStatusTerminated, schema.RunStatusTimedOut,
		schema.RunStatusCanceled,
	} {
		err := fsm.Transition(context.Background(), "wr_1", final, schema.RunStatusRunning)
		assert.Error(t, err, "from %s", final)
	}
}

func TestRunFSMHooksRunInOrder(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM(rec)

	var order []string
	fsm.OnBefore(schema.RunStatusQueued, schema.RunStatusRunning, func(from, to schema.RunStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusQueued, schema.RunStatusRunning, func(from, to schema.RunStatus) error {
		order = append(order, "after")
		return nil
	})

	err := fsm.Transition(context.Background(), "wr_1", schema.RunStatusQueued, schema.RunStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestRunFSMBeforeHookErrorAbortsTransition(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewRunFSM(rec)

	hookErr := errors.New("not ready")
	fsm.OnBefore(schema.RunStatusQueued, schema.RunStatusRunning, func(from, to schema.RunStatus) error {
		return hookErr
	})

	err := fsm.Transition(context.Background(), "wr_1", schema.RunStatusQueued, schema.RunStatusRunning)
	require.ErrorIs(t, err, hookErr)
	assert.Empty(t, rec.events, "aborted transition must not emit")
}

func TestRunFSMAppenderFailureSurfaces(t *testing.T) {
	rec := &eventRecorder{fail: errors.New("disk full")}
	fsm := NewRunFSM(rec)

	err := fsm.Transition(context.Background(), "wr_1", schema.RunStatusQueued, schema.RunStatusRunning)
	require.Error(t, err)

	var rlErr *schema.RunloomError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, schema.ErrCodeStore, rlErr.Code)
}
