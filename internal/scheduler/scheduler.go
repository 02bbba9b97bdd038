package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/schema"
)

// RunLauncher is the interface the scheduler uses to start workflow runs.
// Satisfied by engine.Runner.
type RunLauncher interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*engine.RunResult, error)
}

// Schedule binds a workflow definition to a cron expression.
type Schedule struct {
	ID         string
	CronExpr   string
	Definition *schema.WorkflowDefinition
	Input      map[string]any

	nextRunAt time.Time
	lastRunAt time.Time
	lastErr   error
}

// Scheduler runs registered workflow definitions on cron schedules.
// Schedules live in memory: definitions are process-local, so their triggers
// are too.
type Scheduler struct {
	launcher RunLauncher
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules map[string]*Schedule
	cancel    context.CancelFunc
	done      chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler that checks schedules once a minute.
func NewScheduler(launcher RunLauncher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		launcher:  launcher,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Add registers a schedule. The cron expression is parsed up front; the
// first run time is computed from now.
func (s *Scheduler) Add(sched *Schedule) error {
	if sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is empty")
	}
	if sched.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule has no workflow definition")
	}

	next, err := s.NextRun(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", sched.CronExpr, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", sched.ID)
	}
	cp := *sched
	cp.nextRunAt = next
	s.schedules[sched.ID] = &cp
	return nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not registered", id)
	}
	delete(s.schedules, id)
	return nil
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

// tick runs every due schedule.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.nextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // previous trigger still running (dedup)
		}
		s.runSchedule(ctx, sched, now)
		s.release(sched.ID)
	}
}

// runSchedule executes one trigger and advances the schedule.
func (s *Scheduler) runSchedule(ctx context.Context, sched *Schedule, now time.Time) {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow", sched.Definition.Name),
	)

	result, err := s.launcher.Execute(ctx, sched.Definition, sched.Input)
	if err == nil && result != nil && !result.Ok() {
		err = result.Error
	}
	if err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.NextRun(sched.CronExpr, now)
	if nerr != nil {
		s.logger.Error("advance schedule failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", nerr.Error()),
		)
		return
	}

	s.mu.Lock()
	sched.lastRunAt = now
	sched.lastErr = err
	sched.nextRunAt = next
	s.mu.Unlock()
}

// tryAcquire returns true and marks the schedule in-flight if it is not
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

// NextRun computes the next trigger time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. It must not hold s.mu while
// waiting: an in-flight runSchedule needs the lock to advance its schedule
// before the loop can exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
