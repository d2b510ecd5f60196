// Package state provides SQLite-backed persistence of swarm runs, their
// tasks, and per-task attempts, powering the status command and post-run
// inspection.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kwagner-io/waggle/pkg/models"
)

// DB wraps an SQLite connection with swarm-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Run is one persisted swarm run.
type Run struct {
	ID         string
	Goal       string
	Status     string
	TotalTasks int
	Completed  int
	Failed     int
	Skipped    int
	TokensUsed int64
	CostUsed   float64
	StartedAt  time.Time
	FinishedAt *time.Time
}

// TaskRow is one persisted task of a run.
type TaskRow struct {
	ID          string
	RunID       string
	Description string
	Type        string
	Status      models.TaskStatus
	Wave        int
	Attempts    int
	FailureMode string
}

// AttemptRow is one persisted worker attempt.
type AttemptRow struct {
	TaskID     string
	Attempt    int
	Model      string
	Success    bool
	DurationMs int64
	ToolCalls  int
	TokensUsed int64
	CreatedAt  time.Time
}

// DefaultDBPath returns the project-local database path.
func DefaultDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".waggle", "state.db")
}

// Open opens (creating parent directories as needed) an SQLite database at
// the given path with WAL mode and foreign keys enabled.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
		{2, migrationV2Tasks},
		{3, migrationV3Attempts},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Runs = `
CREATE TABLE runs (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	total_tasks INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_used REAL NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME
);
`

const migrationV2Tasks = `
CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	description TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	wave INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	failure_mode TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_tasks_run ON tasks(run_id);
`

const migrationV3Attempts = `
CREATE TABLE attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	attempt INTEGER NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX idx_attempts_task ON attempts(task_id);
`

// CreateRun inserts a new running run.
func (db *DB) CreateRun(id, goal string, totalTasks int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`INSERT INTO runs (id, goal, status, total_tasks, started_at) VALUES (?, ?, 'running', ?, ?)`,
		id, goal, totalTasks, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal tallies.
func (db *DB) FinishRun(id, status string, completed, failed, skipped int, tokens int64, cost float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`UPDATE runs SET status = ?, completed = ?, failed = ?, skipped = ?,
		 tokens_used = ?, cost_used = ?, finished_at = ? WHERE id = ?`,
		status, completed, failed, skipped, tokens, cost, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// UpsertTask writes a task's current state.
func (db *DB) UpsertTask(runID string, task *models.SwarmTask, failureMode string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`INSERT INTO tasks (id, run_id, description, type, status, wave, attempts, failure_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status,
		 attempts = excluded.attempts, failure_mode = excluded.failure_mode`,
		task.ID, runID, task.Description, string(task.Type), string(task.Status),
		task.Wave, task.Attempts, failureMode)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

// RecordAttempt appends one worker attempt.
func (db *DB) RecordAttempt(a AttemptRow) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := db.conn.Exec(
		`INSERT INTO attempts (task_id, attempt, model, success, duration_ms, tool_calls, tokens_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.Attempt, a.Model, a.Success, a.DurationMs, a.ToolCalls, a.TokensUsed, created)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(limit int) ([]Run, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := db.conn.Query(
		`SELECT id, goal, status, total_tasks, completed, failed, skipped,
		 tokens_used, cost_used, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Goal, &r.Status, &r.TotalTasks, &r.Completed,
			&r.Failed, &r.Skipped, &r.TokensUsed, &r.CostUsed, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TasksForRun returns a run's tasks ordered by wave.
func (db *DB) TasksForRun(runID string) ([]TaskRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(
		`SELECT id, run_id, description, type, status, wave, attempts, failure_mode
		 FROM tasks WHERE run_id = ? ORDER BY wave, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRow
	for rows.Next() {
		var t TaskRow
		var status string
		if err := rows.Scan(&t.ID, &t.RunID, &t.Description, &t.Type, &status,
			&t.Wave, &t.Attempts, &t.FailureMode); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = models.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AttemptsForTask returns a task's attempts in order.
func (db *DB) AttemptsForTask(taskID string) ([]AttemptRow, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(
		`SELECT task_id, attempt, model, success, duration_ms, tool_calls, tokens_used, created_at
		 FROM attempts WHERE task_id = ? ORDER BY attempt`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []AttemptRow
	for rows.Next() {
		var a AttemptRow
		if err := rows.Scan(&a.TaskID, &a.Attempt, &a.Model, &a.Success,
			&a.DurationMs, &a.ToolCalls, &a.TokensUsed, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
