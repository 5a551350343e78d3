package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/pkg/schema"
)

// RunSubmitter is the interface the scheduler submits workflow runs through.
// Satisfied by the engine (avoids an import cycle).
type RunSubmitter interface {
	SubmitWorkflowRun(ctx context.Context, organizationID string, req schema.WorkflowRunRequest) (*store.WorkflowRun, error)
}

// ScheduleStore is the persistence surface the scheduler needs.
// Satisfied by store.Store.
type ScheduleStore interface {
	CreateScheduledRun(ctx context.Context, sr *store.ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*store.ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update store.ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error
}

// Scheduler polls the store for due scheduled runs and submits them.
type Scheduler struct {
	store     ScheduleStore
	submitter RunSubmitter
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler with a 60s poll interval.
func NewScheduler(s ScheduleStore, submitter RunSubmitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:  60 * time.Second,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// CreateSchedule validates the cron expression, computes the first due time
// and persists the schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, organizationID, workflowPermanentID, cronExpr string, params map[string]any) (*store.ScheduledRun, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var rawParams json.RawMessage
	if len(params) > 0 {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal schedule parameters: %w", err)
		}
	}

	sr := &store.ScheduledRun{
		ID:                  store.NewID(store.PrefixScheduledRun),
		WorkflowPermanentID: workflowPermanentID,
		OrganizationID:      organizationID,
		CronExpression:      cronExpr,
		Parameters:          rawParams,
		Enabled:             true,
		NextRunAt:           &next,
	}
	if err := s.store.CreateScheduledRun(ctx, sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// SetEnabled toggles a schedule. Re-enabling recomputes the next due time so
// a long-disabled schedule does not fire for every missed slot.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	update := store.ScheduledRunUpdate{Enabled: &enabled}
	if enabled {
		sr, err := s.store.GetScheduledRun(ctx, id)
		if err != nil {
			return err
		}
		next, err := s.CalculateNextRun(sr.CronExpression, time.Now().UTC())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledRun(ctx, id, update)
}

// DeleteSchedule removes a schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteScheduledRun(ctx, id)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and submits those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sr := range schedules {
		if sr.NextRunAt == nil || !sr.NextRunAt.After(now) {
			if !s.tryAcquire(sr.ID) {
				continue // already running (dedup)
			}
			if err := s.runSchedule(ctx, sr, now); err != nil {
				s.logger.Error("failed to run schedule",
					slog.String("scheduled_run_id", sr.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sr.ID)
		}
	}
}

// runSchedule submits one due schedule and updates its timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sr *store.ScheduledRun, now time.Time) error {
	s.logger.Info("submitting scheduled run",
		slog.String("scheduled_run_id", sr.ID),
		slog.String("workflow_permanent_id", sr.WorkflowPermanentID),
	)

	var params map[string]any
	if len(sr.Parameters) > 0 {
		if err := json.Unmarshal(sr.Parameters, &params); err != nil {
			return s.updateStatus(ctx, sr, now, "error")
		}
	}

	_, err := s.submitter.SubmitWorkflowRun(ctx, sr.OrganizationID, schema.WorkflowRunRequest{
		WorkflowPermanentID: sr.WorkflowPermanentID,
		Parameters:          params,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run submission failed",
			slog.String("scheduled_run_id", sr.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateStatus(ctx, sr, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, sr *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sr.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sr.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, sr.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next due time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed submits schedules whose due time passed while the process
// was down, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sr := range schedules {
		if sr.NextRunAt != nil && sr.NextRunAt.Before(now) {
			if !s.tryAcquire(sr.ID) {
				continue
			}
			if err := s.runSchedule(ctx, sr, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("scheduled_run_id", sr.ID),
					slog.String("error", err.Error()),
				)
				s.release(sr.ID)
				continue
			}
			s.release(sr.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
