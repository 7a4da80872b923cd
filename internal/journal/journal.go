// Package journal records pipeline runs and their stage events in a SQLite
// database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"boldprep/pkg/workflow"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		workflow    TEXT NOT NULL,
		bold_file   TEXT NOT NULL,
		work_dir    TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'running',
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		finished_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS stage_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id),
		stage      TEXT NOT NULL,
		status     TEXT NOT NULL,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		error      TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_stage_events_run_id ON stage_events(run_id)`,
}

// Run states
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Run is one recorded pipeline execution
type Run struct {
	ID         string
	Workflow   string
	BoldFile   string
	WorkDir    string
	State      string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StageEvent is one recorded stage transition
type StageEvent struct {
	Stage   string
	Status  workflow.Status
	Elapsed time.Duration
	Error   string
	At      time.Time
}

// Journal is a SQLite-backed run history. It implements workflow.Observer.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the journal at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Stage events arrive from concurrent goroutines; serialise writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun records a new run and returns its ID.
func (j *Journal) StartRun(ctx context.Context, wf, boldFile, workDir string) (string, error) {
	id := uuid.NewString()
	j.logger.Debug("sql", "op", "insert", "table", "runs", "id", id)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, bold_file, work_dir, state, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, wf, boldFile, workDir, StateRunning, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run succeeded, or failed with runErr.
func (j *Journal) FinishRun(ctx context.Context, id string, runErr error) error {
	state, msg := StateSucceeded, ""
	if runErr != nil {
		state, msg = StateFailed, runErr.Error()
	}
	j.logger.Debug("sql", "op", "update", "table", "runs", "id", id, "state", state)
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		state, msg, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", id)
	}
	return nil
}

// Observe implements workflow.Observer. Write failures are logged, never
// propagated to the run.
func (j *Journal) Observe(e workflow.Event) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	_, err := j.db.ExecContext(context.Background(),
		`INSERT INTO stage_events (run_id, stage, status, elapsed_ms, error, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Stage, string(e.Status), e.Elapsed.Milliseconds(), msg, e.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		j.logger.Warn("journal write failed", "stage", e.Stage, "error", err)
	}
}

// Runs returns the most recent runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, workflow, bold_file, work_dir, state, error, started_at, COALESCE(finished_at, '')
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Workflow, &r.BoldFile, &r.WorkDir, &r.State, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events returns the stage events of a run in the order they were recorded.
func (j *Journal) Events(ctx context.Context, runID string) ([]StageEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT stage, status, elapsed_ms, error, at FROM stage_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StageEvent
	for rows.Next() {
		var e StageEvent
		var status, at string
		var ms int64
		if err := rows.Scan(&e.Stage, &status, &ms, &e.Error, &at); err != nil {
			return nil, err
		}
		e.Status = workflow.Status(status)
		e.Elapsed = time.Duration(ms) * time.Millisecond
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
