package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"dispatchd/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(cfg Config) *Dispatcher {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return New(cfg, newTestLogger(), nil, nil)
}

// countingRunner succeeds after failing its first failures executions
// and tracks in-flight concurrency.
type countingRunner struct {
	failures int
	calls    *atomic.Int32
	inFlight *atomic.Int32
	peak     *atomic.Int32
	hold     time.Duration
	block    bool
}

func (r *countingRunner) Execute(ctx context.Context, task *domain.Task) ([]domain.Artifact, error) {
	if r.inFlight != nil {
		n := r.inFlight.Add(1)
		for {
			p := r.peak.Load()
			if n <= p || r.peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer r.inFlight.Add(-1)
	}
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	var n int32 = 1
	if r.calls != nil {
		n = r.calls.Add(1)
	}
	if int(n) <= r.failures {
		return nil, errors.New("transient failure")
	}
	return []domain.Artifact{{Name: "out"}}, nil
}

func register(t *testing.T, d *Dispatcher, typ domain.WorkerType, maxConcurrent int, runner domain.Runner) {
	t.Helper()
	err := d.Register(typ, domain.WorkerMetadata{Priority: 1, MaxConcurrent: maxConcurrent},
		func() domain.Runner { return runner })
	if err != nil {
		t.Fatalf("Register(%s): %v", typ, err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 2, &countingRunner{})

	err := d.Register("backend", domain.WorkerMetadata{MaxConcurrent: 2},
		func() domain.Runner { return &countingRunner{} })
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("duplicate register error = %v, want ErrDuplicate", err)
	}
}

func TestRegisterDefaultsMaxConcurrent(t *testing.T) {
	d := newTestDispatcher(Config{MaxConcurrent: 7})
	register(t, d, "backend", 0, &countingRunner{})

	_, max, ok := d.Load("backend")
	if !ok || max != 7 {
		t.Fatalf("Load = (max=%d, ok=%v), want max=7", max, ok)
	}
}

func TestAssignUnknownType(t *testing.T) {
	d := newTestDispatcher(Config{})
	task := domain.NewTask("t1", "nope", nil)

	_, err := d.Assign(context.Background(), task, Options{})
	if !errors.Is(err, domain.ErrUnknownWorker) {
		t.Fatalf("Assign error = %v, want ErrUnknownWorker", err)
	}
}

func TestAssignPreferredTypeWins(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 2, &countingRunner{})
	register(t, d, "qa", 2, &countingRunner{})
	task := domain.NewTask("t1", "backend", nil)

	a, err := d.Assign(context.Background(), task, Options{PreferredType: "qa"})
	if err != nil || a == nil {
		t.Fatalf("Assign = (%v, %v), want assignment", a, err)
	}
	if a.Type != "qa" {
		t.Errorf("assigned type = %s, want qa", a.Type)
	}
	d.Release("t1", true, time.Millisecond)
}

func TestAssignReleaseRoundTrip(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 2, &countingRunner{})
	task := domain.NewTask("t1", "backend", nil)

	a, err := d.Assign(context.Background(), task, Options{})
	if err != nil || a == nil {
		t.Fatalf("Assign = (%v, %v), want assignment", a, err)
	}
	if a.WorkerID == "" {
		t.Error("assignment should carry a worker instance id")
	}
	if task.Status != domain.TaskAssigned {
		t.Errorf("task status = %s, want assigned", task.Status)
	}
	if cur, _, _ := d.Load("backend"); cur != 1 {
		t.Errorf("load after assign = %d, want 1", cur)
	}

	d.Release("t1", true, 10*time.Millisecond)
	if cur, _, _ := d.Load("backend"); cur != 0 {
		t.Errorf("load after release = %d, want 0", cur)
	}
	snap := d.Statistics()["backend"]
	if snap.TotalExecutions != 1 || snap.SuccessfulExecutions != 1 {
		t.Errorf("stats = %+v, want one success", snap)
	}
}

func TestAssignNoWaitReturnsNilWhenSaturated(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, &countingRunner{})

	a1, err := d.Assign(context.Background(), domain.NewTask("t1", "backend", nil), Options{})
	if err != nil || a1 == nil {
		t.Fatalf("first Assign = (%v, %v), want assignment", a1, err)
	}

	start := time.Now()
	a2, err := d.Assign(context.Background(), domain.NewTask("t2", "backend", nil), Options{Timeout: NoWait})
	if err != nil {
		t.Fatalf("saturated Assign error = %v, want nil", err)
	}
	if a2 != nil {
		t.Fatal("saturated no-wait Assign should return a nil assignment")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("no-wait Assign should return immediately")
	}
}

func TestAssignShortTimeoutReturnsNil(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, &countingRunner{})

	if a, _ := d.Assign(context.Background(), domain.NewTask("t1", "backend", nil), Options{}); a == nil {
		t.Fatal("first Assign should succeed")
	}

	a, err := d.Assign(context.Background(), domain.NewTask("t2", "backend", nil),
		Options{Timeout: 20 * time.Millisecond})
	if err != nil || a != nil {
		t.Fatalf("timed-out Assign = (%v, %v), want (nil, nil)", a, err)
	}
}

func TestAssignWaitsForRelease(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, &countingRunner{})

	if a, _ := d.Assign(context.Background(), domain.NewTask("t1", "backend", nil), Options{}); a == nil {
		t.Fatal("first Assign should succeed")
	}

	done := make(chan *domain.Assignment, 1)
	go func() {
		a, _ := d.Assign(context.Background(), domain.NewTask("t2", "backend", nil),
			Options{Timeout: time.Second})
		done <- a
	}()

	time.Sleep(20 * time.Millisecond)
	d.Release("t1", true, time.Millisecond)

	select {
	case a := <-done:
		if a == nil {
			t.Fatal("waiting Assign should be granted the freed slot")
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Assign never woke up")
	}
}

func TestReleaseIsIdempotentPerAssignment(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 2, &countingRunner{})

	if a, _ := d.Assign(context.Background(), domain.NewTask("t1", "backend", nil), Options{}); a == nil {
		t.Fatal("Assign should succeed")
	}
	d.Release("t1", true, time.Millisecond)
	d.Release("t1", true, time.Millisecond)
	d.Release("ghost", false, time.Millisecond)

	if cur, _, _ := d.Load("backend"); cur != 0 {
		t.Errorf("load = %d, want 0 after double release", cur)
	}
	snap := d.Statistics()["backend"]
	if snap.TotalExecutions != 1 {
		t.Errorf("total executions = %d, want 1 (double release must not re-record)", snap.TotalExecutions)
	}
}

func TestExecuteCompletesTask(t *testing.T) {
	d := newTestDispatcher(Config{MaxRetries: 3})
	register(t, d, "backend", 2, &countingRunner{})
	task := domain.NewTask("t1", "backend", nil)

	got := d.Execute(context.Background(), task, Options{})

	if got.Status != domain.TaskCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
	if got.Result == nil || got.Result.Status != domain.WorkerCompleted {
		t.Fatalf("result = %+v, want completed bundle", got.Result)
	}
	if cur, _, _ := d.Load("backend"); cur != 0 {
		t.Errorf("load after Execute = %d, want 0", cur)
	}
}

func TestExecuteUnknownTypeFailsTask(t *testing.T) {
	d := newTestDispatcher(Config{})
	task := domain.NewTask("t1", "nope", nil)

	got := d.Execute(context.Background(), task, Options{})

	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if got.Result.FailureCode != domain.CodeUnknownWorker {
		t.Errorf("failure code = %s, want %s", got.Result.FailureCode, domain.CodeUnknownWorker)
	}
}

func TestExecuteSchedulingTimeoutFailsTask(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, &countingRunner{})

	if a, _ := d.Assign(context.Background(), domain.NewTask("holder", "backend", nil), Options{}); a == nil {
		t.Fatal("holder Assign should succeed")
	}

	task := domain.NewTask("t1", "backend", nil)
	got := d.Execute(context.Background(), task, Options{Timeout: NoWait})

	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if got.Result.FailureCode != domain.CodeTimeout {
		t.Errorf("failure code = %s, want %s", got.Result.FailureCode, domain.CodeTimeout)
	}
	// The holder's slot is untouched.
	if cur, _, _ := d.Load("backend"); cur != 1 {
		t.Errorf("load = %d, want 1", cur)
	}
}

func TestExecuteRecordsStatsOncePerTask(t *testing.T) {
	calls := &atomic.Int32{}
	d := newTestDispatcher(Config{MaxRetries: 2})
	register(t, d, "backend", 2, &countingRunner{failures: 100, calls: calls})
	task := domain.NewTask("t1", "backend", nil)

	got := d.Execute(context.Background(), task, Options{})

	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", calls.Load())
	}
	snap := d.Statistics()["backend"]
	if snap.TotalExecutions != 1 || snap.FailedExecutions != 1 {
		t.Errorf("stats = %+v, want exactly one failed execution despite retries", snap)
	}
}

type panicRunner struct{}

func (panicRunner) Execute(ctx context.Context, task *domain.Task) ([]domain.Artifact, error) {
	panic("boom")
}

func TestExecutePanicStillReleasesSlot(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, panicRunner{})
	task := domain.NewTask("t1", "backend", nil)

	got := d.Execute(context.Background(), task, Options{})

	if got.Status != domain.TaskFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if got.Result.FailureCode != domain.CodePanic {
		t.Errorf("failure code = %s, want %s", got.Result.FailureCode, domain.CodePanic)
	}
	if cur, _, _ := d.Load("backend"); cur != 0 {
		t.Errorf("load = %d, want 0 after panic", cur)
	}
	snap := d.Statistics()["backend"]
	if snap.TotalExecutions != 1 || snap.FailedExecutions != 1 {
		t.Errorf("stats = %+v, want one failed execution", snap)
	}
}

func TestCancelRunningTask(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, &countingRunner{block: true})
	task := domain.NewTask("t1", "backend", nil)

	done := make(chan *domain.Task, 1)
	go func() { done <- d.Execute(context.Background(), task, Options{}) }()

	// Wait for the task to be running before cancelling.
	deadline := time.Now().Add(time.Second)
	for {
		if err := d.Cancel("t1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never became cancellable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-done:
		if got.Status != domain.TaskCancelled {
			t.Fatalf("task status = %s, want cancelled", got.Status)
		}
		if got.Result.Status != domain.WorkerCancelled {
			t.Errorf("result status = %s, want cancelled", got.Result.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after Cancel")
	}

	if cur, _, _ := d.Load("backend"); cur != 0 {
		t.Errorf("load = %d, want 0 after cancel", cur)
	}
	snap := d.Statistics()["backend"]
	if snap.FailedExecutions != 1 {
		t.Errorf("cancelled task should count as unsuccessful, stats = %+v", snap)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	d := newTestDispatcher(Config{})
	if err := d.Cancel("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel error = %v, want ErrNotFound", err)
	}
}

func TestAvailableTypesSorted(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "qa", 1, &countingRunner{})
	register(t, d, "backend", 1, &countingRunner{})

	types := d.AvailableTypes()
	if len(types) != 2 || types[0] != "backend" || types[1] != "qa" {
		t.Fatalf("AvailableTypes = %v, want [backend qa]", types)
	}
}
