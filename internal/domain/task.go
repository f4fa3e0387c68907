package domain

import (
	"time"
)

// WorkerType identifies a registered category of worker (e.g. "backend",
// "qa"). The set of valid types is closed at registration time: the
// dispatcher rejects submissions naming a type that was never registered.
type WorkerType string

// WorkerMetadata is the static per-type configuration supplied at
// registration. It is read-only after registration and shared by every
// dispatcher instance.
type WorkerMetadata struct {
	// Priority orders contention for slots and batch admission.
	// 1 is the highest priority; lower numbers are served first.
	Priority int `yaml:"priority"`
	// MaxConcurrent is the capacity ceiling for this type (>= 1).
	MaxConcurrent int `yaml:"max_concurrent"`
	// Capabilities are symbolic tags describing what this type can do.
	Capabilities []string `yaml:"capabilities,omitempty"`
	// Keywords are matching hints for type inference. The core treats
	// them as opaque data; routing layers may consume them.
	Keywords []string `yaml:"keywords,omitempty"`
}

// TaskStatus is the scheduling state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is a single unit of work. The task is the source of truth for
// scheduling state: all components hold a reference to the same instance,
// and status transitions are owned by the dispatcher and worker lifecycle.
type Task struct {
	ID     string     `json:"id" yaml:"id"`
	Type   WorkerType `json:"worker_type" yaml:"worker"`
	Inputs Inputs     `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Priority overrides the type's metadata priority when > 0.
	Priority  int        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Status    TaskStatus `json:"status" yaml:"-"`
	Result    *Result    `json:"result,omitempty" yaml:"-"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
}

// NewTask builds a pending task for the given type.
func NewTask(id string, typ WorkerType, inputs Inputs) *Task {
	return &Task{
		ID:        id,
		Type:      typ,
		Inputs:    inputs,
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}
}

// Assignment is the live binding of one task to one acquired worker slot.
// It is created on a successful dispatch and consumed by the release path.
type Assignment struct {
	TaskID     string     `json:"task_id"`
	Type       WorkerType `json:"worker_type"`
	WorkerID   string     `json:"worker_instance_id"`
	AssignedAt time.Time  `json:"assigned_at"`
}
