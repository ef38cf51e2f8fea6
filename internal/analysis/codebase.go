package analysis

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"unicode/utf8"
)

// DefaultSnapshotPath is where the external snapshot generator writes its
// output by default.
const DefaultSnapshotPath = "repomix-output.txt"

// MissingCodebase stands in for the snapshot when none is available.
const MissingCodebase = "(no codebase snapshot available; base the analysis on the issue text alone)"

const truncatedMarker = "\n\n[... codebase snapshot truncated ...]"

// LoadCodebase reads the codebase snapshot. A missing file is not fatal:
// analysis can still run on the issue text, so a warning is logged and
// MissingCodebase is returned. Other read errors are returned. Content
// beyond maxBytes (when positive) is cut at a rune boundary.
func LoadCodebase(path string, maxBytes int) (string, error) {
	if path == "" {
		path = DefaultSnapshotPath
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("codebase snapshot not found, analyzing without it", "path", path)
		return MissingCodebase, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading codebase snapshot %s: %w", path, err)
	}
	return truncateSnapshot(string(data), maxBytes), nil
}

func truncateSnapshot(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
