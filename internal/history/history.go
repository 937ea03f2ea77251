// Package history keeps a local sqlite ledger of job dispatches. Only
// job-level status and the final error string are recorded; captured script
// output never touches disk.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one recorded dispatch.
type Run struct {
	ID         string
	Job        string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store wraps the sqlite ledger.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS job_runs (
  id          TEXT PRIMARY KEY,
  job         TEXT NOT NULL,
  status      TEXT NOT NULL,
  error       TEXT,
  started_at  TEXT NOT NULL,
  finished_at TEXT
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create job_runs table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a running row for the dispatch.
func (s *Store) RecordStart(ctx context.Context, runID, job string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, job, StatusRunning, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordFinish marks the dispatch as succeeded or failed. A nil runErr means
// success.
func (s *Store) RecordFinish(ctx context.Context, runID string, runErr error) error {
	status := StatusSucceeded
	errText := ""
	if runErr != nil {
		status = StatusFailed
		errText = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errText, time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, status, COALESCE(error, ''), started_at, finished_at
     FROM job_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			r.StartedAt = t
		}
		if finished.Valid {
			if t, err := time.Parse(time.RFC3339, finished.String); err == nil {
				r.FinishedAt = &t
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
