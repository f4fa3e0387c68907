package dispatch

import (
	"context"
	"sort"
	"sync"

	"dispatchd/internal/domain"
)

// ExecuteBatch runs many tasks through the normal dispatch path while
// bounding total parallelism to maxConcurrent. Admission follows
// priority order (lower number first), then submission order within a
// priority; per-type ceilings are still enforced by the pool. The call
// returns once every task is terminal; one task's failure never aborts
// its siblings.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, tasks []*domain.Task, maxConcurrent int) []*domain.Task {
	if len(tasks) == 0 {
		return tasks
	}
	if maxConcurrent < 1 {
		maxConcurrent = len(tasks)
	}

	// Admission order only; the tasks slice itself is left untouched.
	order := make([]*domain.Task, len(tasks))
	copy(order, tasks)
	sort.SliceStable(order, func(i, j int) bool {
		return d.effectivePriority(order[i]) < d.effectivePriority(order[j])
	})

	d.publish(ctx, domain.EventBatchStarted, "", "")

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for _, task := range order {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Admission stops; tasks never admitted still get a
			// terminal state so the batch result is complete.
			d.fail(task, domain.CodeCancelled, "batch cancelled before admission: "+ctx.Err().Error())
			continue
		}
		wg.Add(1)
		go func(t *domain.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			d.Execute(ctx, t, Options{})
		}(task)
	}
	wg.Wait()

	d.publish(ctx, domain.EventBatchFinished, "", "")
	return tasks
}

// effectivePriority resolves the admission priority for a task: the
// task's own override when set, else its type's registered priority.
// Unregistered types sort last; Execute will fail them individually.
func (d *Dispatcher) effectivePriority(task *domain.Task) int {
	if task.Priority > 0 {
		return task.Priority
	}
	if meta, ok := d.Metadata(task.Type); ok {
		return meta.Priority
	}
	return int(^uint(0) >> 1)
}
