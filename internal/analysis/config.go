package analysis

import (
	"fmt"
	"time"
)

// Config holds configuration for the Analysis Stage
type Config struct {
	// MaxAttempts is the total number of analysis calls per run, counting
	// the first. Low-quality and unparseable answers consume an attempt.
	// Default: 3
	MaxAttempts int

	// ConfidenceThreshold is the minimum model confidence (0.0-1.0) below
	// which an answer is treated as low quality and retried.
	// Default: 0.6
	ConfidenceThreshold float64

	// AttemptTimeout bounds a single analysis call.
	// Default: 60 seconds
	AttemptTimeout time.Duration

	// MaxCodebaseBytes caps the codebase snapshot included in the prompt.
	// Default: 400000 bytes (roughly 100k tokens)
	MaxCodebaseBytes int

	// MaxTokens is the response budget for one analysis call.
	// Default: 4096
	MaxTokens int
}

// DefaultConfig returns the default analysis configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		ConfidenceThreshold: 0.6,
		AttemptTimeout:      60 * time.Second,
		MaxCodebaseBytes:    400_000,
		MaxTokens:           4096,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive (got %d)", c.MaxAttempts)
	}
	if c.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts too large (got %d, max 10)", c.MaxAttempts)
	}
	if c.ConfidenceThreshold < 0.0 || c.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0 (got %.2f)", c.ConfidenceThreshold)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be positive (got %v)", c.AttemptTimeout)
	}
	if c.MaxCodebaseBytes < 0 {
		return fmt.Errorf("max_codebase_bytes cannot be negative (got %d)", c.MaxCodebaseBytes)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive (got %d)", c.MaxTokens)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("Config{Attempts: %d, Threshold: %.2f, Timeout: %v, MaxCodebase: %d, MaxTokens: %d}",
		c.MaxAttempts, c.ConfidenceThreshold, c.AttemptTimeout, c.MaxCodebaseBytes, c.MaxTokens)
}
