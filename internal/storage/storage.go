// Package storage persists run results: a SQLite run store for querying
// history and optional JSON artifacts for archiving.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/storage/sqlite"
)

// DefaultPath is the run database used when none is configured
const DefaultPath = ".triage/runs.db"

// PathEnv overrides the configured database path, mostly for test isolation
const PathEnv = "TRIAGE_DB_PATH"

// Store is a queryable run history
type Store interface {
	pipeline.Recorder
	ListRuns(ctx context.Context, f sqlite.RunFilter) ([]sqlite.RunSummary, error)
	GetRun(ctx context.Context, runID string) (*pipeline.RunResult, error)
	CountFailed(ctx context.Context) (int, error)
	Prune(ctx context.Context, cutoff time.Time, keepFailed bool) (int64, error)
	Close() error
}

// Config holds storage configuration
type Config struct {
	// Path is the SQLite database file. ":memory:" keeps runs in memory.
	Path string `yaml:"path"`

	// ArtifactDir, when set, also receives one JSON file per run.
	ArtifactDir string `yaml:"artifact_dir"`
}

// DefaultConfig returns a config with the default database path
func DefaultConfig() Config {
	return Config{Path: DefaultPath}
}

// ResolvePath returns the database path to use: $TRIAGE_DB_PATH when set,
// else configured, else DefaultPath.
func ResolvePath(configured string) string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	if configured != "" {
		return configured
	}
	return DefaultPath
}

// Open opens the run store
func Open(ctx context.Context, cfg Config) (Store, error) {
	path := ResolvePath(cfg.Path)
	if path != sqlite.MemoryPath {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolving database path %s: %w", path, err)
		}
		path = abs
	}
	return sqlite.New(ctx, path)
}

// Recorder returns what the pipeline should record runs into: the store,
// plus an artifact writer when ArtifactDir is set.
func Recorder(store Store, cfg Config) pipeline.Recorder {
	if cfg.ArtifactDir == "" {
		return store
	}
	return Multi{store, NewArtifactWriter(cfg.ArtifactDir)}
}

// Multi records into every recorder, continuing past failures
type Multi []pipeline.Recorder

func (m Multi) Record(ctx context.Context, r *pipeline.RunResult) error {
	var errs []error
	for _, rec := range m {
		if rec == nil {
			continue
		}
		if err := rec.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
