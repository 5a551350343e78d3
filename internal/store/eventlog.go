package store

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyard/runloom/pkg/schema"
)

// AppendRunEvent appends an event with a monotonically increasing per-run
// sequence. The transaction prevents concurrent writers from interleaving
// sequence reads and writes; within one run the engine is the only writer,
// so contention is across runs only.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, block_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.BlockID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run event: %w", err)
	}
	return nil
}

// VerifyEventContiguity checks that a run's event sequence has no gaps.
// Readers rely on prefix consistency: no missing or out-of-order records.
func (s *LibSQLStore) VerifyEventContiguity(ctx context.Context, runID string) error {
	events, err := s.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return err
	}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}
	return nil
}
