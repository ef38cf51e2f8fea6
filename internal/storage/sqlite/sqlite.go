// Package sqlite persists pipeline run results in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/storage/migrations"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = errors.New("run not found")

// RunStore records every run and a marker row for each failed one
type RunStore struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path and brings its schema
// up to date.
func New(ctx context.Context, path string) (*RunStore, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)"
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := migrations.NewManager(schema...).Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the database
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Record stores r. Recording the same run id again replaces it. A failed
// run also gets a row in failed_runs.
func (s *RunStore) Record(ctx context.Context, r *pipeline.RunResult) error {
	blob, err := r.JSON()
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.RunID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, issue_id, state, outcome, started_at, finished_at, duration_ms, warnings, error, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.IssueID, r.State.String(), string(r.Outcome),
		formatTime(r.StartedAt), formatTime(r.FinishedAt), r.DurationMS, len(r.Warnings), r.Error, string(blob))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if r.Failed() {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO failed_runs (run_id, issue_id, error, recorded_at)
			VALUES (?, ?, ?, ?)
		`, r.RunID, r.IssueID, r.Error, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert failed-run marker: %w", err)
		}
	}
	return tx.Commit()
}

// RunSummary is one row of a run listing
type RunSummary struct {
	RunID      string           `json:"run_id"`
	IssueID    string           `json:"issue_id"`
	State      pipeline.State   `json:"state"`
	Outcome    pipeline.Outcome `json:"outcome"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	Warnings   int              `json:"warnings"`
	Error      string           `json:"error,omitempty"`
	Failed     bool             `json:"failed"`
}

// RunFilter narrows ListRuns
type RunFilter struct {
	IssueID    string
	FailedOnly bool
	Limit      int // 0 means 50
}

// ListRuns returns matching runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context, f RunFilter) ([]RunSummary, error) {
	query := `
		SELECT r.run_id, r.issue_id, r.state, r.outcome, r.started_at,
		       r.duration_ms, r.warnings, r.error, f.run_id IS NOT NULL
		FROM runs r
		LEFT JOIN failed_runs f ON f.run_id = r.run_id
		WHERE 1 = 1`
	var args []any
	if f.IssueID != "" {
		query += ` AND r.issue_id = ?`
		args = append(args, f.IssueID)
	}
	if f.FailedOnly {
		query += ` AND f.run_id IS NOT NULL`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY r.started_at DESC, r.run_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		var (
			sum              RunSummary
			state, startedAt string
			outcome          string
		)
		if err := rows.Scan(&sum.RunID, &sum.IssueID, &state, &outcome, &startedAt,
			&sum.DurationMS, &sum.Warnings, &sum.Error, &sum.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if sum.State, err = pipeline.ParseState(state); err != nil {
			return nil, fmt.Errorf("run %s: %w", sum.RunID, err)
		}
		sum.Outcome = pipeline.Outcome(outcome)
		if sum.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("run %s: %w", sum.RunID, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return out, nil
}

// GetRun returns the full recorded result of one run
func (s *RunStore) GetRun(ctx context.Context, runID string) (*pipeline.RunResult, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var r pipeline.RunResult
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &r, nil
}

// CountFailed returns the number of failed-run markers
func (s *RunStore) CountFailed(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed runs: %w", err)
	}
	return n, nil
}

// timeLayout is fixed width so text order is time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Prune deletes runs that started before cutoff and returns how many were
// removed. With keepFailed, runs that have a failed marker survive.
func (s *RunStore) Prune(ctx context.Context, cutoff time.Time, keepFailed bool) (int64, error) {
	query := `DELETE FROM runs WHERE started_at < ?`
	if keepFailed {
		query += ` AND run_id NOT IN (SELECT run_id FROM failed_runs)`
	}
	res, err := s.db.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned runs: %w", err)
	}
	return n, nil
}
