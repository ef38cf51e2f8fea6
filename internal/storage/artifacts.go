package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/triage/internal/pipeline"
)

// ArtifactWriter writes each run as <dir>/<issue>-<run>.json
type ArtifactWriter struct {
	dir string
}

// NewArtifactWriter creates a writer; the directory is created on first use
func NewArtifactWriter(dir string) *ArtifactWriter {
	return &ArtifactWriter{dir: dir}
}

// Path returns where r is written
func (w *ArtifactWriter) Path(r *pipeline.RunResult) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.json", safeName(r.IssueID), safeName(r.RunID)))
}

// Record writes r atomically: to a temp file first, then renamed.
func (w *ArtifactWriter) Record(_ context.Context, r *pipeline.RunResult) error {
	data, err := r.JSON()
	if err != nil {
		return fmt.Errorf("encoding run artifact: %w", err)
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	path := w.Path(r)
	tmp, err := os.CreateTemp(w.dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return nil
}

// safeName keeps ids usable as file name parts
func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
