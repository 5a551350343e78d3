package engine

import (
	"context"
	"sync"

	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.RunStatus) error

// EventAppender is satisfied by the Store; FSMs emit lifecycle events
// through it on every transition.
type EventAppender interface {
	AppendRunEvent(ctx context.Context, event *store.RunEvent) error
}

// ValidRunTransitions defines the allowed status transitions shared by tasks
// and workflow runs. Final statuses have no outgoing transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusCreated: {schema.RunStatusQueued, schema.RunStatusCanceled},
	schema.RunStatusQueued:  {schema.RunStatusRunning, schema.RunStatusCanceled},
	schema.RunStatusRunning: {
		schema.RunStatusCompleted, schema.RunStatusFailed,
		schema.RunStatusTerminated, schema.RunStatusTimedOut,
		schema.RunStatusCanceled,
	},
	schema.RunStatusCompleted:  {},
	schema.RunStatusFailed:     {},
	schema.RunStatusTerminated: {},
	schema.RunStatusTimedOut:   {},
	schema.RunStatusCanceled:   {},
}

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle transitions for tasks and workflow runs.
// Transitions are validated against ValidRunTransitions and emit an event
// via the appender. The caller persists the new status to the store.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run status transition, emitting the
// corresponding lifecycle event. A transition to the current status is an
// idempotent no-op: re-finalizing a final run neither errors nor re-emits.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if from == to {
		return nil
	}

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" {
		event := &store.RunEvent{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendRunEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusQueued:
		return schema.EventRunQueued
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusTerminated:
		return schema.EventRunTerminated
	case schema.RunStatusTimedOut:
		return schema.EventRunTimedOut
	case schema.RunStatusCanceled:
		return schema.EventRunCanceled
	default:
		return ""
	}
}
