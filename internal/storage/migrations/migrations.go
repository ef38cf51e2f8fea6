// Package migrations applies versioned schema changes to the run store.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration is one schema version. Up and Down are executed statement by
// statement inside a single transaction.
type Migration struct {
	Version     int
	Description string
	Up          []string
	Down        []string
}

// Manager handles database migrations
type Manager struct {
	migrations []Migration
}

// NewManager creates a manager holding the given migrations
func NewManager(migrations ...Migration) *Manager {
	m := &Manager{}
	for _, mig := range migrations {
		m.Register(mig)
	}
	return m
}

// Register adds a migration to the manager
func (m *Manager) Register(migration Migration) {
	m.migrations = append(m.migrations, migration)
}

func (m *Manager) sortMigrations() {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// Apply runs every migration newer than the database's current version and
// returns how many were applied.
func (m *Manager) Apply(ctx context.Context, db *sql.DB) (int, error) {
	if err := createVersionTable(ctx, db); err != nil {
		return 0, fmt.Errorf("failed to create version table: %w", err)
	}
	current, err := Version(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}

	m.sortMigrations()
	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := apply(ctx, db, mig); err != nil {
			return applied, fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		applied++
	}
	return applied, nil
}

// Rollback reverts the newest applied migration
func (m *Manager) Rollback(ctx context.Context, db *sql.DB) error {
	current, err := Version(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	for _, mig := range m.migrations {
		if mig.Version == current {
			if err := rollback(ctx, db, mig); err != nil {
				return fmt.Errorf("failed to rollback migration %d: %w", mig.Version, err)
			}
			return nil
		}
	}
	return fmt.Errorf("migration %d not found", current)
}

// Version returns the highest applied migration, 0 for a fresh database
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func createVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func apply(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range mig.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Description, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func rollback(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range mig.Down {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute rollback SQL: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", mig.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}
