package domain

import "context"

// TaskRecord is one persisted task outcome.
type TaskRecord struct {
	TaskID      string
	Type        WorkerType
	Status      TaskStatus
	Attempts    int
	Duration    int64 // milliseconds
	FailureCode ErrorCode
	FailureMsg  string
	Artifacts   []Artifact
	RecordedAt  string // RFC 3339
}

// HistoryStore persists task outcomes across restarts. The core runs
// without one; durability is an external collaborator's concern.
type HistoryStore interface {
	// SaveResult records a terminal task. The task must carry a Result.
	SaveResult(ctx context.Context, task *Task) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]TaskRecord, error)
	// Close releases the underlying storage.
	Close() error
}
