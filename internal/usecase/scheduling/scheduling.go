// Package scheduling submits declared tasks to the dispatcher on a
// recurring schedule, expressed either as a cron expression or as a
// plain duration.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchd/internal/domain"
	"dispatchd/internal/usecase/worker"
)

// Submitter runs one task through the dispatch path. The scheduler does
// not care about the outcome; the task carries it.
type Submitter func(ctx context.Context, task *domain.Task)

// ScheduledTask declares a recurring submission.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" or duration "30m"
	Type     domain.WorkerType
	Inputs   domain.Inputs
	Priority int
	OneShot  bool
}

// Scheduler fires declared tasks on their schedules. Each firing builds
// a fresh task with its own id, so retries and results never leak
// between runs.
type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	entries map[string]cron.EntryID
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler that feeds tasks to submit.
func New(submit Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		submit:  submit,
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// Add registers a scheduled task. The name must be unique.
func (s *Scheduler) Add(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Name == "" {
		return fmt.Errorf("scheduler: task needs a name")
	}
	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}
	if task.Type == "" {
		return fmt.Errorf("scheduler: task %q needs a worker type", task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	decl := task
	logger := s.logger

	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		// Read the run context under lock; Stop clears it.
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping task", "name", decl.Name)
			return
		}

		t := domain.NewTask(worker.NewID(), decl.Type, decl.Inputs)
		t.Priority = decl.Priority

		start := time.Now()
		s.submit(ctx, t)
		logger.Info("scheduled task submitted",
			"name", decl.Name,
			"task_id", t.ID,
			"status", string(t.Status),
			"duration", time.Since(start),
		)

		if decl.OneShot {
			s.cron.Remove(entryID)
			s.mu.Lock()
			delete(s.entries, decl.Name)
			s.mu.Unlock()
		}
	}))

	s.entries[task.Name] = entryID
	logger.Info("task added to scheduler",
		"name", task.Name,
		"schedule", task.Schedule,
		"type", string(task.Type),
	)
	return nil
}

// Remove unregisters a scheduled task by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	return nil
}

// NextRun returns the next firing time for a task, or nil when the task
// is unknown.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins firing schedules. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels the run context and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	s.ctx = nil
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
}

// parseSchedule tries a cron expression first, then a duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
