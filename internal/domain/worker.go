package domain

import (
	"context"
	"time"
)

// WorkerStatus is the lifecycle state of a single worker instance.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerWorking   WorkerStatus = "working"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// Artifact is a single output produced by a task's core logic.
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

// PlanStep is one advisory step of a worker's plan. Plans never gate
// execution; they exist for diagnostics and reporting.
type PlanStep struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ThoughtStep is a diagnostic trace entry recorded while a worker runs.
// It is never used for control flow.
type ThoughtStep struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Action      string `json:"action,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// Result is the bundle assembled when a worker finishes a task, in any
// terminal state. Duration spans the whole wrapped run including retries.
type Result struct {
	Status      WorkerStatus  `json:"status"`
	Artifacts   []Artifact    `json:"artifacts,omitempty"`
	Logs        []string      `json:"logs,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Thoughts    []ThoughtStep `json:"thoughts,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	FailureCode ErrorCode     `json:"failure_code,omitempty"`
	FailureMsg  string        `json:"failure_msg,omitempty"`
}

// Runner is the injected domain-specific behavior executed by a worker.
// It is the only unit of per-type logic the core knows about.
type Runner interface {
	// Execute runs the task's core logic and returns its output
	// artifacts, or an error describing the failure.
	Execute(ctx context.Context, task *Task) ([]Artifact, error)
}

// Planner is optionally implemented by runners that can describe their
// intended steps before executing. The plan is purely advisory.
type Planner interface {
	Plan(task *Task) []PlanStep
}

// Validator is optionally implemented by runners with a side-effect-free
// pre-flight input check. A false result fails the task without invoking
// Execute and without consuming the retry budget.
type Validator interface {
	Validate(task *Task) bool
}

// Factory produces a fresh Runner for one task execution. Factories are
// owned by the per-domain implementation and registered with the
// dispatcher alongside the type's metadata.
type Factory func() Runner
