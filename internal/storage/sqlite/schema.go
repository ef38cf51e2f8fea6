package sqlite

import "github.com/steveyegge/triage/internal/storage/migrations"

// schema is the run store's migration history. Times are stored as
// fixed-width UTC text.
var schema = []migrations.Migration{
	{
		Version:     1,
		Description: "runs table",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS runs (
				run_id TEXT PRIMARY KEY,
				issue_id TEXT NOT NULL,
				state TEXT NOT NULL,
				outcome TEXT NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				warnings INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				result TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs(issue_id, started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome)`,
		},
		Down: []string{`DROP TABLE IF EXISTS runs`},
	},
	{
		Version:     2,
		Description: "failed run markers",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS failed_runs (
				run_id TEXT PRIMARY KEY,
				issue_id TEXT NOT NULL,
				error TEXT NOT NULL,
				recorded_at TEXT NOT NULL,
				FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_failed_runs_issue ON failed_runs(issue_id)`,
		},
		Down: []string{`DROP TABLE IF EXISTS failed_runs`},
	},
}
