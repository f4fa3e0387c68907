// Package worker implements the per-instance execution state machine:
// Idle -> Working -> {Completed, Failed, Cancelled}, with pre-flight
// validation and a bounded retry loop around the injected core logic.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"dispatchd/internal/domain"
	"dispatchd/internal/infra/tracer"
)

// Config holds the retry budget for a wrapped run.
type Config struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// Retry computes the wait before each re-attempt. Nil means the
	// 1-second fixed default.
	Retry RetryPolicy
}

// Instance is one worker bound to at most one task at a time. Its logs,
// metrics and thought trace are owned by that task alone, so no internal
// locking is needed.
type Instance struct {
	id       string
	typ      domain.WorkerType
	status   domain.WorkerStatus
	logs     []string
	metrics  map[string]float64
	thoughts []domain.ThoughtStep
	runner   domain.Runner
	cfg      Config
	logger   *slog.Logger
	bus      domain.EventBus
}

// New creates an idle instance wrapping the given runner.
func New(typ domain.WorkerType, runner domain.Runner, cfg Config, logger *slog.Logger, bus domain.EventBus) *Instance {
	if cfg.Retry == nil {
		cfg.Retry = FixedDelay(time.Second)
	}
	return &Instance{
		id:      NewID(),
		typ:     typ,
		status:  domain.WorkerIdle,
		metrics: make(map[string]float64),
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
	}
}

// ID returns the instance identifier.
func (w *Instance) ID() string { return w.id }

// Status returns the current lifecycle state.
func (w *Instance) Status() domain.WorkerStatus { return w.status }

// Run executes the task through the full wrapped lifecycle: pre-flight
// validation, the core logic, and the retry loop. It always returns a
// terminal result; failures never escape as errors.
func (w *Instance) Run(ctx context.Context, task *domain.Task) *domain.Result {
	ctx, span := tracer.StartSpan(ctx, "worker.run",
		trace.WithAttributes(
			tracer.StringAttr("worker.type", string(w.typ)),
			tracer.StringAttr("task.id", task.ID),
		),
	)
	defer span.End()

	started := time.Now()

	if v, ok := w.runner.(domain.Validator); ok && !v.Validate(task) {
		w.status = domain.WorkerFailed
		w.logf("input validation rejected task %s", task.ID)
		res := w.assemble(started, 0, domain.CodeInvalidInput, "input validation rejected")
		tracer.RecordError(span, domain.ErrInvalidInput)
		return res
	}

	maxRetries := w.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.reset()
		}
		w.status = domain.WorkerWorking
		w.publish(ctx, eventForAttempt(attempt), task, nil)

		w.plan(task)
		w.think("executing core logic", fmt.Sprintf("attempt %d/%d", attempt+1, maxRetries+1))

		artifacts, err := w.runner.Execute(ctx, task)
		if err == nil {
			w.status = domain.WorkerCompleted
			w.metrics["artifacts"] = float64(len(artifacts))
			w.logf("completed with %d artifacts", len(artifacts))
			res := w.assemble(started, attempt+1, "", "")
			res.Artifacts = artifacts
			tracer.SetOK(span)
			return res
		}

		if ctx.Err() != nil {
			// Cancellation is not a failure; the result must say so.
			w.status = domain.WorkerCancelled
			w.logf("cancelled: %v", ctx.Err())
			return w.assemble(started, attempt+1, domain.CodeCancelled, ctx.Err().Error())
		}

		if attempt >= maxRetries {
			w.status = domain.WorkerFailed
			w.logf("failed permanently after %d attempts: %v", attempt+1, err)
			res := w.assemble(started, attempt+1, domain.ErrorCodeOf(err), err.Error())
			tracer.RecordError(span, err)
			return res
		}

		delay := w.cfg.Retry.Delay(attempt)
		w.logger.Info("retrying task",
			"task_id", task.ID,
			"worker", string(w.typ),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			w.status = domain.WorkerCancelled
			w.logf("cancelled during retry wait: %v", ctx.Err())
			return w.assemble(started, attempt+1, domain.CodeCancelled, ctx.Err().Error())
		}
	}
}

// plan records the runner's advisory steps if it can produce any. The
// plan never gates execution.
func (w *Instance) plan(task *domain.Task) {
	p, ok := w.runner.(domain.Planner)
	if !ok {
		return
	}
	for _, step := range p.Plan(task) {
		w.think("plan: "+step.Name, step.Description)
	}
}

// reset clears worker-local state between retry attempts.
func (w *Instance) reset() {
	w.logs = nil
	w.thoughts = nil
	w.metrics = make(map[string]float64)
}

func (w *Instance) assemble(started time.Time, attempts int, code domain.ErrorCode, msg string) *domain.Result {
	finished := time.Now()
	w.metrics["attempts"] = float64(attempts)
	return &domain.Result{
		Status:      w.status,
		Logs:        w.logs,
		Metrics:     w.metrics,
		Thoughts:    w.thoughts,
		Attempts:    attempts,
		StartedAt:   started,
		FinishedAt:  finished,
		Duration:    finished.Sub(started),
		FailureCode: code,
		FailureMsg:  msg,
	}
}

func (w *Instance) logf(format string, args ...any) {
	w.logs = append(w.logs, fmt.Sprintf(format, args...))
}

func (w *Instance) think(description, outcome string) {
	w.thoughts = append(w.thoughts, domain.ThoughtStep{
		Step:        len(w.thoughts) + 1,
		Description: description,
		Outcome:     outcome,
	})
}

func (w *Instance) publish(ctx context.Context, eventType domain.EventType, task *domain.Task, payload any) {
	if w.bus == nil {
		return
	}
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	w.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		TaskID:    task.ID,
		Worker:    w.typ,
		Payload:   data,
	})
}

func eventForAttempt(attempt int) domain.EventType {
	if attempt == 0 {
		return domain.EventTaskStarted
	}
	return domain.EventTaskRetried
}

// NewID returns a ULID suitable for worker instances, tasks and
// assignments.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
