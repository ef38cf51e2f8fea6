package cost

import (
	"fmt"
	"time"
)

// Config holds reasoning-API budget configuration
type Config struct {
	// Enabled controls whether calls are budgeted at all
	Enabled bool `yaml:"enabled"`

	// MaxTokensPerHour caps input+output tokens per window. 0 = unlimited.
	MaxTokensPerHour int64 `yaml:"max_tokens_per_hour"`

	// MaxTokensPerIssue caps tokens spent on one issue across runs in the
	// same process (or state file). 0 = unlimited.
	MaxTokensPerIssue int64 `yaml:"max_tokens_per_issue"`

	// MaxCostPerHour caps USD per window. 0 = unlimited.
	MaxCostPerHour float64 `yaml:"max_cost_per_hour"`

	// AlertThreshold is the fraction of a limit at which the status turns
	// to warning
	AlertThreshold float64 `yaml:"alert_threshold"`

	// ResetInterval is the window length
	ResetInterval time.Duration `yaml:"reset_interval"`

	// StatePath persists usage between invocations, so separate CLI runs
	// share one hourly window. Empty keeps state in memory.
	StatePath string `yaml:"state_path"`

	// Prices per 1M tokens, USD
	InputTokenCost  float64 `yaml:"input_token_cost"`
	OutputTokenCost float64 `yaml:"output_token_cost"`
}

// DefaultConfig returns a disabled budget with sensible limits for when it
// is switched on
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		MaxTokensPerHour:  500_000,
		MaxTokensPerIssue: 100_000,
		MaxCostPerHour:    5.00,
		AlertThreshold:    0.80,
		ResetInterval:     time.Hour,
		InputTokenCost:    3.00,
		OutputTokenCost:   15.00,
	}
}

// Validate checks that the configuration has safe and reasonable values
func (c Config) Validate() error {
	if c.MaxTokensPerHour < 0 {
		return fmt.Errorf("max_tokens_per_hour must be non-negative, got %d", c.MaxTokensPerHour)
	}
	if c.MaxTokensPerIssue < 0 {
		return fmt.Errorf("max_tokens_per_issue must be non-negative, got %d", c.MaxTokensPerIssue)
	}
	if c.MaxCostPerHour < 0 {
		return fmt.Errorf("max_cost_per_hour must be non-negative, got %.2f", c.MaxCostPerHour)
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1.0 {
		return fmt.Errorf("alert_threshold must be in (0, 1], got %.2f", c.AlertThreshold)
	}
	if c.ResetInterval <= 0 {
		return fmt.Errorf("reset_interval must be positive, got %v", c.ResetInterval)
	}
	if c.InputTokenCost < 0 || c.OutputTokenCost < 0 {
		return fmt.Errorf("token costs must be non-negative (input %.2f, output %.2f)", c.InputTokenCost, c.OutputTokenCost)
	}
	return nil
}
