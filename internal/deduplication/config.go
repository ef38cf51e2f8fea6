package deduplication

import (
	"fmt"
	"time"
)

// Mode selects the duplicate engine.
type Mode string

const (
	// ModeLexical compares issues locally with TF-IDF cosine similarity.
	ModeLexical Mode = "lexical"
	// ModeAI asks the reasoning provider for a semantic comparison.
	ModeAI Mode = "ai"
)

// IsValid checks if the mode is one of the supported engines
func (m Mode) IsValid() bool {
	return m == ModeLexical || m == ModeAI
}

// Config holds configuration for the duplicate gate
type Config struct {
	// Mode selects the engine.
	// Default: ai when a reasoning provider is configured, otherwise lexical
	Mode Mode

	// SimilarityThreshold is the minimum similarity (0.0-1.0) for a match to
	// be reported as a duplicate.
	// Higher values = fewer false positives, more missed duplicates
	// Default: 0.7
	SimilarityThreshold float64

	// MaxCandidates caps how many open issues one event is compared against.
	// The oldest candidates are kept and the verdict says how many were
	// skipped. 0 compares against every candidate.
	// Default: 0
	MaxCandidates int

	// BatchSize is the number of candidates sent in a single AI call.
	// Default: 10
	BatchSize int

	// MinTitleLength is the minimum title length to attempt a comparison.
	// Very short titles carry too little meaning to compare.
	// Default: 5 characters
	MinTitleLength int

	// IncludeClosedIssues compares against closed candidates too.
	// Default: false (only open issues can be canonical)
	IncludeClosedIssues bool

	// RequestTimeout bounds one AI comparison call.
	// Default: 60 seconds
	RequestTimeout time.Duration
}

// DefaultConfig returns the default duplicate gate configuration
func DefaultConfig() Config {
	return Config{
		Mode:                ModeLexical,
		SimilarityThreshold: 0.7,
		MaxCandidates:       0,
		BatchSize:           10,
		MinTitleLength:      5,
		IncludeClosedIssues: false,
		RequestTimeout:      60 * time.Second,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("mode must be %q or %q (got %q)", ModeLexical, ModeAI, c.Mode)
	}
	if c.SimilarityThreshold < 0.0 || c.SimilarityThreshold > 1.0 {
		return fmt.Errorf("similarity_threshold must be between 0.0 and 1.0 (got %.2f)",
			c.SimilarityThreshold)
	}
	if c.MaxCandidates < 0 {
		return fmt.Errorf("max_candidates cannot be negative (got %d)", c.MaxCandidates)
	}
	if c.MaxCandidates > 5000 {
		return fmt.Errorf("max_candidates too large (got %d, max 5000)", c.MaxCandidates)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive (got %d)", c.BatchSize)
	}
	if c.BatchSize > 100 {
		return fmt.Errorf("batch_size too large (got %d, max 100)", c.BatchSize)
	}
	if c.MinTitleLength < 0 {
		return fmt.Errorf("min_title_length cannot be negative (got %d)", c.MinTitleLength)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive (got %v)", c.RequestTimeout)
	}
	if c.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request_timeout too large (got %v, max 5 minutes)", c.RequestTimeout)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Mode: %s, Threshold: %.2f, MaxCandidates: %d, BatchSize: %d, "+
			"MinTitleLen: %d, IncludeClosed: %t, Timeout: %v}",
		c.Mode, c.SimilarityThreshold, c.MaxCandidates, c.BatchSize,
		c.MinTitleLength, c.IncludeClosedIssues, c.RequestTimeout,
	)
}
