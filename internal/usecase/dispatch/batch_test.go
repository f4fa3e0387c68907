package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatchd/internal/domain"
)

func TestExecuteBatchAllTerminal(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 2, &countingRunner{hold: 5 * time.Millisecond})

	tasks := make([]*domain.Task, 6)
	for i := range tasks {
		tasks[i] = domain.NewTask(fmt.Sprintf("t%d", i), "backend", nil)
	}

	got := d.ExecuteBatch(context.Background(), tasks, 4)

	if len(got) != len(tasks) {
		t.Fatalf("batch returned %d tasks, want %d", len(got), len(tasks))
	}
	for _, task := range got {
		if !task.Status.Terminal() {
			t.Errorf("task %s status = %s, want terminal", task.ID, task.Status)
		}
		if task.Status != domain.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", task.ID, task.Status)
		}
	}
}

func TestExecuteBatchBoundsParallelism(t *testing.T) {
	inFlight := &atomic.Int32{}
	peak := &atomic.Int32{}
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 16, &countingRunner{
		inFlight: inFlight,
		peak:     peak,
		hold:     10 * time.Millisecond,
	})

	tasks := make([]*domain.Task, 8)
	for i := range tasks {
		tasks[i] = domain.NewTask(fmt.Sprintf("t%d", i), "backend", nil)
	}

	d.ExecuteBatch(context.Background(), tasks, 3)

	if p := peak.Load(); p > 3 {
		t.Errorf("peak parallelism = %d, want <= 3", p)
	}
}

func TestExecuteBatchPerTypeCeilingStillHolds(t *testing.T) {
	// The concrete contention scenario: 3 tasks, type ceiling 2, and a
	// batch window wide enough not to be the binding constraint.
	inFlight := &atomic.Int32{}
	peak := &atomic.Int32{}
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 2, &countingRunner{
		inFlight: inFlight,
		peak:     peak,
		hold:     10 * time.Millisecond,
	})

	tasks := []*domain.Task{
		domain.NewTask("t1", "backend", nil),
		domain.NewTask("t2", "backend", nil),
		domain.NewTask("t3", "backend", nil),
	}

	d.ExecuteBatch(context.Background(), tasks, 10)

	if p := peak.Load(); p > 2 {
		t.Errorf("peak parallelism = %d, want <= 2 (type ceiling)", p)
	}
	for _, task := range tasks {
		if task.Status != domain.TaskCompleted {
			t.Errorf("task %s status = %s, want completed", task.ID, task.Status)
		}
	}
	snap := d.Statistics()["backend"]
	if snap.TotalExecutions != 3 || snap.SuccessfulExecutions != 3 {
		t.Errorf("stats = %+v, want 3 successes", snap)
	}
}

// orderRunner records the admission order of tasks.
type orderRunner struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRunner) Execute(ctx context.Context, task *domain.Task) ([]domain.Artifact, error) {
	r.mu.Lock()
	r.order = append(r.order, task.ID)
	r.mu.Unlock()
	return nil, nil
}

func TestExecuteBatchAdmitsByPriority(t *testing.T) {
	runner := &orderRunner{}
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, runner)

	tasks := []*domain.Task{
		domain.NewTask("low", "backend", nil),
		domain.NewTask("high", "backend", nil),
		domain.NewTask("mid", "backend", nil),
	}
	tasks[0].Priority = 3
	tasks[1].Priority = 1
	tasks[2].Priority = 2

	d.ExecuteBatch(context.Background(), tasks, 1)

	want := []string{"high", "mid", "low"}
	if len(runner.order) != 3 {
		t.Fatalf("executed %d tasks, want 3", len(runner.order))
	}
	for i, id := range want {
		if runner.order[i] != id {
			t.Fatalf("admission order = %v, want %v", runner.order, want)
		}
	}
}

func TestExecuteBatchFailureDoesNotAbortSiblings(t *testing.T) {
	d := newTestDispatcher(Config{MaxRetries: 0})
	register(t, d, "backend", 2, &countingRunner{})
	register(t, d, "broken", 2, panicRunner{})

	tasks := []*domain.Task{
		domain.NewTask("ok1", "backend", nil),
		domain.NewTask("bad", "broken", nil),
		domain.NewTask("ok2", "backend", nil),
	}

	d.ExecuteBatch(context.Background(), tasks, 3)

	if tasks[0].Status != domain.TaskCompleted || tasks[2].Status != domain.TaskCompleted {
		t.Errorf("sibling tasks should complete, got %s / %s", tasks[0].Status, tasks[2].Status)
	}
	if tasks[1].Status != domain.TaskFailed {
		t.Errorf("panicking task status = %s, want failed", tasks[1].Status)
	}
}

func TestExecuteBatchEmpty(t *testing.T) {
	d := newTestDispatcher(Config{})
	got := d.ExecuteBatch(context.Background(), nil, 4)
	if len(got) != 0 {
		t.Fatalf("empty batch returned %d tasks", len(got))
	}
}

func TestExecuteBatchCancelledAdmission(t *testing.T) {
	d := newTestDispatcher(Config{})
	register(t, d, "backend", 1, &countingRunner{hold: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	tasks := make([]*domain.Task, 20)
	for i := range tasks {
		tasks[i] = domain.NewTask(fmt.Sprintf("t%d", i), "backend", nil)
	}

	d.ExecuteBatch(ctx, tasks, 1)

	for _, task := range tasks {
		if !task.Status.Terminal() {
			t.Errorf("task %s status = %s, want terminal even after cancel", task.ID, task.Status)
		}
	}
}
