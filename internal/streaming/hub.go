package streaming

import (
	"context"

	"github.com/halcyard/runloom/internal/store"
)

// EventFilter selects which run events a subscriber receives.
// A zero filter matches everything.
type EventFilter struct {
	RunID      string
	EventTypes []string
}

// EventHub fans persisted run events out to live subscribers. Delivery is
// best-effort: consumers that need a gapless history replay the event log
// from the store and use the hub for tail updates only.
type EventHub interface {
	Publish(ctx context.Context, event store.RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan store.RunEvent, func(), error)
}

// PublishingStore decorates a Store so every appended run event is also
// published to the hub. The store assigns the event's sequence before the
// publish, so subscribers see the same ordering readers of the log see.
type PublishingStore struct {
	store.Store
	hub EventHub
}

// NewPublishingStore wraps inner so run events reach hub after they are
// durably appended.
func NewPublishingStore(inner store.Store, hub EventHub) *PublishingStore {
	return &PublishingStore{Store: inner, hub: hub}
}

func (s *PublishingStore) AppendRunEvent(ctx context.Context, event *store.RunEvent) error {
	if err := s.Store.AppendRunEvent(ctx, event); err != nil {
		return err
	}
	return s.hub.Publish(ctx, *event)
}
