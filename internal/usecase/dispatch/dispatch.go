// Package dispatch binds tasks to worker slots and drives their full
// execution lifecycle: slot acquisition with a bounded wait, worker
// instantiation through registered factories, guaranteed release, and
// per-type statistics.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/domain"
	"dispatchd/internal/infra/tracer"
	"dispatchd/internal/usecase/pool"
	"dispatchd/internal/usecase/worker"
)

// NoWait disables the slot wait entirely: Assign returns a nil
// assignment immediately when the type is saturated.
const NoWait time.Duration = -1

// Config holds dispatcher tuning. Zero values fall back to defaults.
type Config struct {
	// MaxRetries is the per-task retry budget after a first failure.
	MaxRetries int
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration
	// RetryBackoff switches from a fixed delay to exponential backoff.
	RetryBackoff bool
	// AssignTimeout bounds how long Assign waits for a slot.
	AssignTimeout time.Duration
	// MaxConcurrent caps types registered without their own ceiling.
	MaxConcurrent int
	// SubmitRatePerSec throttles Execute admission. 0 disables it.
	SubmitRatePerSec float64
	// SubmitBurst is the limiter burst when throttling is on.
	SubmitBurst int
	// BreakerEnabled wraps every runner in a per-type circuit breaker.
	BreakerEnabled bool
	// Breaker tunes the circuit breaker when enabled.
	Breaker worker.BreakerConfig
}

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
	defaultAssignTimeout = 300 * time.Second
	defaultMaxConcurrent = 5
)

func (c Config) withDefaults() Config {
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.AssignTimeout == 0 {
		c.AssignTimeout = defaultAssignTimeout
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	return c
}

// Options tunes a single submission.
type Options struct {
	// PreferredType overrides the task's declared type when it names a
	// registered type; otherwise the task's own type is used.
	PreferredType domain.WorkerType
	// Timeout overrides the configured assign timeout for this call.
	// Zero keeps the configured value; NoWait means do not wait at all.
	Timeout time.Duration
}

type registration struct {
	meta    domain.WorkerMetadata
	factory domain.Factory
}

// tracked is the live state of one unreleased assignment.
type tracked struct {
	assignment *domain.Assignment
	cancel     context.CancelFunc
}

// Dispatcher routes tasks to typed worker slots. All methods are safe
// for concurrent use.
type Dispatcher struct {
	cfg     Config
	pool    *pool.Pool
	stats   *Stats
	logger  *slog.Logger
	bus     domain.EventBus
	history domain.HistoryStore
	limiter *rate.Limiter

	mu          sync.RWMutex
	regs        map[domain.WorkerType]*registration
	assignments map[string]*tracked
}

// New builds a dispatcher. bus and history may be nil; events and
// persistence are then skipped.
func New(cfg Config, logger *slog.Logger, bus domain.EventBus, history domain.HistoryStore) *Dispatcher {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.SubmitRatePerSec > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), burst)
	}
	return &Dispatcher{
		cfg:         cfg,
		pool:        pool.New(logger),
		stats:       NewStats(),
		logger:      logger,
		bus:         bus,
		history:     history,
		limiter:     limiter,
		regs:        make(map[domain.WorkerType]*registration),
		assignments: make(map[string]*tracked),
	}
}

// Register declares a worker type with its metadata and runner factory.
// Registration happens at startup; a duplicate type is an error.
func (d *Dispatcher) Register(typ domain.WorkerType, meta domain.WorkerMetadata, factory domain.Factory) error {
	if typ == "" {
		return domain.NewDomainError("Dispatcher.Register", domain.ErrInvalidInput, "empty worker type")
	}
	if factory == nil {
		return domain.NewDomainError("Dispatcher.Register", domain.ErrInvalidInput, "nil factory for "+string(typ))
	}
	if meta.MaxConcurrent < 1 {
		meta.MaxConcurrent = d.cfg.MaxConcurrent
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.regs[typ]; exists {
		return domain.NewDomainError("Dispatcher.Register", domain.ErrDuplicate, string(typ))
	}
	if err := d.pool.Register(typ, meta.MaxConcurrent); err != nil {
		return err
	}
	d.regs[typ] = &registration{meta: meta, factory: factory}
	d.logger.Info("worker type registered",
		"type", string(typ),
		"priority", meta.Priority,
		"max_concurrent", meta.MaxConcurrent,
	)
	return nil
}

// registrationFor resolves the worker type for a submission: the
// preferred type wins when it names a registered type, otherwise the
// task's declared type must be registered.
func (d *Dispatcher) registrationFor(task *domain.Task, opts Options) (domain.WorkerType, *registration, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if opts.PreferredType != "" {
		if reg, ok := d.regs[opts.PreferredType]; ok {
			return opts.PreferredType, reg, nil
		}
	}
	if reg, ok := d.regs[task.Type]; ok {
		return task.Type, reg, nil
	}
	return "", nil, domain.NewDomainError("Dispatcher.Assign", domain.ErrUnknownWorker, string(task.Type))
}

// Assign acquires a slot for the task, waiting up to the effective
// timeout. A timeout is an expected outcome and returns (nil, nil);
// errors are reserved for invalid submissions and caller cancellation.
func (d *Dispatcher) Assign(ctx context.Context, task *domain.Task, opts Options) (*domain.Assignment, error) {
	typ, reg, err := d.registrationFor(task, opts)
	if err != nil {
		return nil, err
	}

	priority := reg.meta.Priority
	if task.Priority > 0 {
		priority = task.Priority
	}

	timeout := d.cfg.AssignTimeout
	switch {
	case opts.Timeout > 0:
		timeout = opts.Timeout
	case opts.Timeout == NoWait:
		timeout = 0
	}

	if timeout == 0 {
		if !d.pool.TryAcquire(typ) {
			return nil, nil
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := d.pool.Acquire(waitCtx, typ, priority)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.WrapOp("Dispatcher.Assign", ctx.Err())
			}
			// The wait deadline fired: no slot, no fault.
			return nil, nil
		}
	}

	a := &domain.Assignment{
		TaskID:     task.ID,
		Type:       typ,
		WorkerID:   worker.NewID(),
		AssignedAt: time.Now(),
	}

	d.mu.Lock()
	if _, exists := d.assignments[task.ID]; exists {
		d.mu.Unlock()
		d.pool.Release(typ)
		return nil, domain.NewDomainError("Dispatcher.Assign", domain.ErrDuplicate,
			"task "+task.ID+" already assigned")
	}
	d.assignments[task.ID] = &tracked{assignment: a}
	d.mu.Unlock()

	task.Status = domain.TaskAssigned
	d.publish(ctx, domain.EventTaskAssigned, task.ID, typ)
	return a, nil
}

// Release returns the task's slot to the pool and records the outcome.
// It is idempotent per assignment: releasing an unknown or already
// released task logs an anomaly and changes nothing.
func (d *Dispatcher) Release(taskID string, success bool, duration time.Duration) {
	d.mu.Lock()
	t, ok := d.assignments[taskID]
	if ok {
		delete(d.assignments, taskID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("release for unknown or already released task", "task_id", taskID)
		return
	}

	typ := t.assignment.Type
	d.pool.Release(typ)
	d.stats.Record(typ, success, duration)
	d.publish(context.Background(), domain.EventSlotReleased, taskID, typ)
}

// Execute runs the task's full lifecycle: assign, run the worker, and
// release exactly once even when the core logic panics. The returned
// task is the input task, updated in place to a terminal state.
func (d *Dispatcher) Execute(ctx context.Context, task *domain.Task, opts Options) *domain.Task {
	ctx, span := tracer.StartSpan(ctx, "dispatch.Execute")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("task.id", task.ID),
		tracer.StringAttr("task.type", string(task.Type)),
	)

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.fail(task, domain.CodeCancelled, "cancelled while rate limited: "+err.Error())
			return task
		}
	}

	a, err := d.Assign(ctx, task, opts)
	if err != nil {
		d.fail(task, domain.ErrorCodeOf(err), err.Error())
		tracer.RecordError(span, err)
		return task
	}
	if a == nil {
		d.fail(task, domain.CodeTimeout,
			fmt.Sprintf("scheduling timeout: no %s slot available", task.Type))
		return task
	}

	reg := d.registrationOf(a.Type)
	if reg == nil {
		// Registrations are append-only, so a tracked assignment always
		// has one. Guarded anyway to keep the release path unconditional.
		d.Release(task.ID, false, 0)
		d.fail(task, domain.CodeUnknownWorker, "no registration for "+string(a.Type))
		return task
	}

	runner := reg.factory()
	if d.cfg.BreakerEnabled {
		runner = worker.NewBreakerRunner(a.Type, runner, d.cfg.Breaker, d.logger)
	}

	var retry worker.RetryPolicy = worker.FixedDelay(d.cfg.RetryDelay)
	if d.cfg.RetryBackoff {
		retry = worker.ExponentialBackoff{Base: d.cfg.RetryDelay, Max: 30 * d.cfg.RetryDelay}
	}
	w := worker.New(a.Type, runner, worker.Config{
		MaxRetries: d.cfg.MaxRetries,
		Retry:      retry,
	}, d.logger, d.bus)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	if t, ok := d.assignments[task.ID]; ok {
		t.cancel = cancel
	}
	d.mu.Unlock()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker panicked",
				"task_id", task.ID,
				"type", string(a.Type),
				"panic", fmt.Sprint(r),
			)
			now := time.Now()
			task.Status = domain.TaskFailed
			task.Result = &domain.Result{
				Status:      domain.WorkerFailed,
				StartedAt:   started,
				FinishedAt:  now,
				Duration:    now.Sub(started),
				FailureCode: domain.CodePanic,
				FailureMsg:  fmt.Sprintf("worker panic: %v", r),
			}
			d.publish(ctx, domain.EventTaskFailed, task.ID, a.Type)
		}
		d.Release(task.ID, task.Status == domain.TaskCompleted, time.Since(started))
		d.record(task)
	}()

	task.Status = domain.TaskRunning
	res := w.Run(runCtx, task)
	task.Result = res

	switch res.Status {
	case domain.WorkerCompleted:
		task.Status = domain.TaskCompleted
		d.publish(ctx, domain.EventTaskCompleted, task.ID, a.Type)
		tracer.SetOK(span)
	case domain.WorkerCancelled:
		task.Status = domain.TaskCancelled
		d.publish(ctx, domain.EventTaskCancelled, task.ID, a.Type)
	default:
		task.Status = domain.TaskFailed
		d.publish(ctx, domain.EventTaskFailed, task.ID, a.Type)
	}
	return task
}

// Cancel signals the running task's context. The slot is released by
// the normal Execute release path, never here.
func (d *Dispatcher) Cancel(taskID string) error {
	d.mu.RLock()
	t, ok := d.assignments[taskID]
	d.mu.RUnlock()
	if !ok || t.cancel == nil {
		return domain.NewDomainError("Dispatcher.Cancel", domain.ErrNotFound, taskID)
	}
	t.cancel()
	return nil
}

// AvailableTypes returns the registered worker types, sorted.
func (d *Dispatcher) AvailableTypes() []domain.WorkerType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]domain.WorkerType, 0, len(d.regs))
	for typ := range d.regs {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Load returns the current and maximum slot usage for a type.
func (d *Dispatcher) Load(typ domain.WorkerType) (current, max int, ok bool) {
	return d.pool.Load(typ)
}

// Metadata returns the registered metadata for a type.
func (d *Dispatcher) Metadata(typ domain.WorkerType) (domain.WorkerMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.regs[typ]
	if !ok {
		return domain.WorkerMetadata{}, false
	}
	return reg.meta, true
}

// Statistics returns a per-type snapshot combining live load with the
// execution counters accumulated by releases.
func (d *Dispatcher) Statistics() map[domain.WorkerType]domain.TypeSnapshot {
	out := make(map[domain.WorkerType]domain.TypeSnapshot)
	for _, typ := range d.AvailableTypes() {
		current, max, ok := d.pool.Load(typ)
		if !ok {
			continue
		}
		snap := d.stats.snapshotFor(typ)
		snap.CurrentLoad = current
		snap.MaxConcurrent = max
		if max > 0 {
			snap.Utilization = float64(current) / float64(max)
		}
		out[typ] = snap
	}
	return out
}

func (d *Dispatcher) registrationOf(typ domain.WorkerType) *registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.regs[typ]
}

// fail marks the task as failed without a worker result, used for
// pre-execution failures (unknown type, scheduling timeout).
func (d *Dispatcher) fail(task *domain.Task, code domain.ErrorCode, msg string) {
	now := time.Now()
	task.Status = domain.TaskFailed
	if code == domain.CodeCancelled {
		task.Status = domain.TaskCancelled
	}
	task.Result = &domain.Result{
		Status:      domain.WorkerFailed,
		StartedAt:   now,
		FinishedAt:  now,
		FailureCode: code,
		FailureMsg:  msg,
	}
	if task.Status == domain.TaskCancelled {
		task.Result.Status = domain.WorkerCancelled
	}
	d.logger.Warn("task not executed", "task_id", task.ID, "code", string(code), "reason", msg)
}

func (d *Dispatcher) publish(ctx context.Context, typ domain.EventType, taskID string, wt domain.WorkerType) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Worker:    wt,
	})
}

// record persists the terminal task when a history store is wired.
func (d *Dispatcher) record(task *domain.Task) {
	if d.history == nil || task.Result == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.SaveResult(ctx, task); err != nil {
		d.logger.Warn("history save failed", "task_id", task.ID, "error", err)
	}
}
