// Package scheduler dispatches cron-scheduled and one-shot namespace
// lifecycle tasks to a bounded worker pool.
//
// One dispatch loop runs per tick and submits due pending tasks to the
// pool; each dispatched task executes with per-attempt timeouts and
// retry-with-backoff. A task's nextRun is always recomputed from its last
// *scheduled* fire time, never the actual (possibly delayed) execution
// time, so missed slots skip forward deterministically instead of
// drifting or double-firing.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Handler executes one operation kind for a task.
type Handler func(ctx context.Context, task models.Task) error

// Config controls pool size, tick cadence, and retry policy.
type Config struct {
	// Workers is the worker pool size.
	Workers int

	// TickInterval is the dispatch loop cadence.
	TickInterval time.Duration

	// MaxRetries is the number of attempts per execution.
	MaxRetries int

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// RetryDelay is the base delay between attempts; it doubles after
	// each failed attempt.
	RetryDelay time.Duration

	// CompletedRetention is how long a finished one-shot task stays in
	// the registry before the dispatch loop reaps it.
	CompletedRetention time.Duration
}

// DefaultConfig returns the production scheduling policy.
func DefaultConfig() Config {
	return Config{
		Workers:            5,
		TickInterval:       60 * time.Second,
		MaxRetries:         3,
		AttemptTimeout:     2 * time.Minute,
		RetryDelay:         5 * time.Second,
		CompletedRetention: 24 * time.Hour,
	}
}

// taskEntry pairs a task with its own lock. Status and counters are only
// mutated while holding the entry lock, so a completion callback and a
// late-arriving retry cannot race.
type taskEntry struct {
	mu     sync.Mutex
	task   models.Task
	cancel context.CancelFunc // non-nil while running
}

// Scheduler owns the task registry and the worker pool. All registry state
// lives behind the scheduler's lock; no package-level globals.
type Scheduler struct {
	cfg      config
	handlers map[models.OperationKind]Handler
	file     *TaskFile // optional persistence

	// now is stubbed in tests.
	now func() time.Time

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	slots   chan struct{} // worker pool semaphore
	wg      sync.WaitGroup
	stopped bool
}

// config is Config with defaults applied.
type config struct {
	workers            int
	tickInterval       time.Duration
	maxRetries         int
	attemptTimeout     time.Duration
	retryDelay         time.Duration
	completedRetention time.Duration
}

// New creates a Scheduler with the given handler dispatch table. The
// table maps each operation kind to the function that performs it; an
// unknown kind fails the task without retries. A nil file disables
// persistence.
func New(cfg Config, handlers map[models.OperationKind]Handler, file *TaskFile) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}

	return &Scheduler{
		cfg: config{
			workers:            cfg.Workers,
			tickInterval:       cfg.TickInterval,
			maxRetries:         cfg.MaxRetries,
			attemptTimeout:     cfg.AttemptTimeout,
			retryDelay:         cfg.RetryDelay,
			completedRetention: cfg.CompletedRetention,
		},
		handlers: handlers,
		file:     file,
		now:      time.Now,
		tasks:    make(map[string]*taskEntry),
		slots:    make(chan struct{}, cfg.Workers),
	}
}

// nextAfter computes the next fire time from the given schedule anchor,
// skipping forward past now so a delayed execution never double-fires the
// slot it missed. Pure: the same anchor and now always yield the same
// result.
func nextAfter(schedule cron.Schedule, anchor, now time.Time) time.Time {
	next := schedule.Next(anchor)
	for !next.After(now) {
		next = schedule.Next(next)
	}
	return next
}

// CreateTask validates and registers a task. Cron tasks get an initial
// NextRun anchored to creation time; one-shot tasks keep the caller's
// NextRun (defaulting to immediately due).
func (s *Scheduler) CreateTask(task models.Task) (*models.Task, error) {
	if task.NamespaceTarget == "" {
		return nil, fmt.Errorf("scheduler: namespace target is required")
	}
	if task.TenantID == "" {
		return nil, fmt.Errorf("scheduler: tenant id is required")
	}
	switch task.Operation {
	case models.OperationActivate, models.OperationDeactivate, models.OperationRawCommand:
	default:
		return nil, fmt.Errorf("scheduler: unknown operation kind %q", task.Operation)
	}

	now := s.now()
	if task.CronExpression != "" {
		schedule, err := cronParser.Parse(task.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", task.CronExpression, err)
		}
		next := schedule.Next(now)
		task.NextRun = &next
	} else if task.NextRun == nil {
		due := now
		task.NextRun = &due
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = models.TaskStatusPending
	task.CreatedAt = now.UTC()

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: task %q already exists", task.ID)
	}
	s.tasks[task.ID] = &taskEntry{task: task}
	s.mu.Unlock()

	s.persist()
	log.Printf("scheduler: created task %s (%s %s, cron=%q)",
		task.ID, task.Operation, task.NamespaceTarget, task.CronExpression)
	return &task, nil
}

// GetTask returns a copy of the task.
func (s *Scheduler) GetTask(id string) (*models.Task, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	t := entry.task
	return &t, nil
}

// ListTasks returns copies of all tasks, ordered by creation time.
func (s *Scheduler) ListTasks() []models.Task {
	s.mu.Lock()
	entries := make([]*taskEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]models.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.task)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteTask cancels a running task and removes it from the registry.
func (s *Scheduler) DeleteTask(id string) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.mu.Unlock()

	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	s.persist()
	return nil
}

// CancelTask cooperatively cancels a running task. Cancellation is
// best-effort: an in-flight external call may still complete.
func (s *Scheduler) CancelTask(id string) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.cancel == nil {
		return fmt.Errorf("scheduler: task %q is not running", id)
	}
	entry.cancel()
	entry.task.Status = models.TaskStatusCancelled
	return nil
}

// RunTask submits the task for immediate execution. It fails without side
// effects when the task is unknown or already running.
func (s *Scheduler) RunTask(ctx context.Context, id string) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}
	return s.dispatch(ctx, entry, s.now())
}

// Run drives the dispatch loop until ctx is cancelled: on every tick,
// each pending task whose NextRun has elapsed and which is not already
// running is submitted to the pool.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.tickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: dispatch loop started (tick=%s, workers=%d)",
		s.cfg.tickInterval, s.cfg.workers)

	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: dispatch loop stopping")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.DispatchDue(ctx)
			s.ReapFinished()
		}
	}
}

// DispatchDue runs one dispatch pass. Exported so tests and the run-now
// API can tick without the loop.
func (s *Scheduler) DispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	entries := make([]*taskEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		due := entry.task.Status == models.TaskStatusPending &&
			entry.cancel == nil &&
			entry.task.NextRun != nil &&
			!entry.task.NextRun.After(now)
		entry.mu.Unlock()

		if !due {
			continue
		}
		if err := s.dispatch(ctx, entry, now); err != nil {
			log.Printf("scheduler: dispatch skipped: %v", err)
		}
	}
}

// ReapFinished removes one-shot tasks that reached a terminal status and
// have sat past the retention window, so the registry does not grow
// unbounded under sustained load. Cron tasks are never reaped; they cycle
// back to pending.
func (s *Scheduler) ReapFinished() {
	cutoff := s.now().Add(-s.cfg.completedRetention)

	s.mu.Lock()
	reaped := 0
	for id, entry := range s.tasks {
		entry.mu.Lock()
		terminal := entry.cancel == nil && entry.task.NextRun == nil &&
			(entry.task.Status == models.TaskStatusCompleted ||
				entry.task.Status == models.TaskStatusFailed ||
				entry.task.Status == models.TaskStatusCancelled)
		finishedAt := entry.task.CreatedAt
		if entry.task.LastRun != nil {
			finishedAt = *entry.task.LastRun
		}
		entry.mu.Unlock()

		if !terminal || !finishedAt.Before(cutoff) {
			continue
		}
		delete(s.tasks, id)
		reaped++
	}
	s.mu.Unlock()

	if reaped > 0 {
		log.Printf("scheduler: reaped %d finished tasks", reaped)
		s.persist()
	}
}

// dispatch marks the task running and hands it to a pool worker. The
// scheduled fire time is captured before execution so nextRun can be
// anchored to it afterwards.
func (s *Scheduler) dispatch(ctx context.Context, entry *taskEntry, now time.Time) error {
	entry.mu.Lock()
	if entry.cancel != nil {
		id := entry.task.ID
		entry.mu.Unlock()
		return fmt.Errorf("scheduler: task %q is already running", id)
	}

	// A manual run ahead of a future NextRun anchors to now, so the
	// upcoming scheduled slot still fires; an elapsed NextRun anchors to
	// the slot it was scheduled for.
	scheduledFor := now
	if entry.task.NextRun != nil && !entry.task.NextRun.After(now) {
		scheduledFor = *entry.task.NextRun
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel
	entry.task.Status = models.TaskStatusRunning
	task := entry.task
	entry.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Block until a pool slot frees up; only this worker blocks,
		// never the dispatch loop.
		select {
		case s.slots <- struct{}{}:
		case <-runCtx.Done():
			s.finish(entry, scheduledFor, runCtx.Err())
			return
		}
		defer func() { <-s.slots }()

		err := s.executeWithRetry(runCtx, task)
		s.finish(entry, scheduledFor, err)
	}()

	return nil
}

// executeWithRetry runs the task's handler up to maxRetries times, each
// attempt bounded by the attempt timeout, with a doubling delay between
// attempts. Retries stop as soon as the run context is cancelled.
func (s *Scheduler) executeWithRetry(ctx context.Context, task models.Task) error {
	handler, ok := s.handlers[task.Operation]
	if !ok {
		return fmt.Errorf("scheduler: no handler for operation %q", task.Operation)
	}

	delay := s.cfg.retryDelay
	var lastErr error

	for attempt := 1; attempt <= s.cfg.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.attemptTimeout)
		err := handler(attemptCtx, task)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		log.Printf("scheduler: task %s attempt %d/%d failed: %v",
			task.ID, attempt, s.cfg.maxRetries, err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < s.cfg.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("scheduler: task %s failed after %d attempts: %w",
		task.ID, s.cfg.maxRetries, lastErr)
}

// finish records the run outcome under the task's lock and recomputes
// NextRun from the scheduled fire time for cron tasks. A failed or
// cancelled cron task returns to pending so future slots still fire; the
// outcome stays visible through its counters and the audit trail.
// One-shot tasks become completed, failed, or cancelled terminally.
func (s *Scheduler) finish(entry *taskEntry, scheduledFor time.Time, err error) {
	now := s.now()

	entry.mu.Lock()
	entry.cancel = nil
	ran := now.UTC()
	entry.task.LastRun = &ran
	entry.task.RunCount++

	cancelled := entry.task.Status == models.TaskStatusCancelled

	if err == nil {
		entry.task.SuccessCount++
	} else {
		entry.task.ErrorCount++
	}

	switch {
	case entry.task.CronExpression != "":
		// Cancellation stops the in-flight run only; the schedule
		// survives, so a cancelled cron task cycles back to pending
		// like any other.
		if schedule, parseErr := cronParser.Parse(entry.task.CronExpression); parseErr == nil {
			next := nextAfter(schedule, scheduledFor, now)
			entry.task.NextRun = &next
		}
		entry.task.Status = models.TaskStatusPending
	case cancelled:
		// Status already set by CancelTask. Clearing NextRun makes the
		// task terminal so the reaper can collect it.
		entry.task.NextRun = nil
	case err == nil:
		entry.task.Status = models.TaskStatusCompleted
		entry.task.NextRun = nil
	default:
		entry.task.Status = models.TaskStatusFailed
		entry.task.NextRun = nil
	}
	id := entry.task.ID
	status := entry.task.Status
	entry.mu.Unlock()

	if err != nil && !cancelled {
		log.Printf("scheduler: task %s finished with error (status=%s): %v", id, status, err)
	}
	s.persist()
}

// entry looks up a task entry by id.
func (s *Scheduler) entry(id string) (*taskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: task %q not found", id)
	}
	return entry, nil
}

// persist snapshots the registry to the task file. Persistence failures
// are non-critical: logged, never failing the operation.
func (s *Scheduler) persist() {
	if s.file == nil {
		return
	}
	if err := s.file.Save(s.ListTasks()); err != nil {
		log.Printf("scheduler: warning: task persistence failed: %v", err)
	}
}

// LoadTasks restores persisted tasks into the registry, resetting any
// task that was mid-run when the process stopped back to pending.
func (s *Scheduler) LoadTasks() error {
	if s.file == nil {
		return nil
	}
	tasks, err := s.file.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning {
			t.Status = models.TaskStatusPending
		}
		s.tasks[t.ID] = &taskEntry{task: t}
	}
	log.Printf("scheduler: restored %d tasks from disk", len(tasks))
	return nil
}
