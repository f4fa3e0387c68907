// Package history persists terminal task outcomes to SQLite. The core
// runs without it; the store is wired in by the composition root when
// history is enabled.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dispatchd/internal/domain"
)

// SQLiteStore implements domain.HistoryStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id      TEXT NOT NULL,
			worker_type  TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			failure_code TEXT NOT NULL DEFAULT '',
			failure_msg  TEXT NOT NULL DEFAULT '',
			artifacts    TEXT NOT NULL DEFAULT '[]',
			recorded_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_recorded_at
			ON task_history (recorded_at DESC)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveResult records one terminal task. A task without a result is an
// invalid input; terminal tasks always carry one.
func (s *SQLiteStore) SaveResult(ctx context.Context, task *domain.Task) error {
	if task.Result == nil {
		return domain.NewDomainError("SQLiteStore.SaveResult", domain.ErrInvalidInput,
			"task "+task.ID+" has no result")
	}
	res := task.Result

	artifacts, err := json.Marshal(res.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_history
			(task_id, worker_type, status, attempts, duration_ms, failure_code, failure_msg, artifacts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		string(task.Type),
		string(task.Status),
		res.Attempts,
		res.Duration.Milliseconds(),
		string(res.FailureCode),
		res.FailureMsg,
		string(artifacts),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns up to n records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]domain.TaskRecord, error) {
	if n < 1 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, worker_type, status, attempts, duration_ms, failure_code, failure_msg, artifacts, recorded_at
		FROM task_history
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TaskRecord
	for rows.Next() {
		var r domain.TaskRecord
		var typ, status, code, artifacts string
		if err := rows.Scan(&r.TaskID, &typ, &status, &r.Attempts, &r.Duration,
			&code, &r.FailureMsg, &artifacts, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Type = domain.WorkerType(typ)
		r.Status = domain.TaskStatus(status)
		r.FailureCode = domain.ErrorCode(code)
		if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts for task %s: %w", r.TaskID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

var _ domain.HistoryStore = (*SQLiteStore)(nil)
