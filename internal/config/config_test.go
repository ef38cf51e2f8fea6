package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/triage/internal/ai"
	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/labels"
	"github.com/steveyegge/triage/internal/tracker"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, labels.DefaultBypassLabel, cfg.Security.BypassLabel)
	assert.Equal(t, deduplication.ModeLexical, cfg.Duplicate.Mode)
	assert.InDelta(t, 0.7, cfg.Duplicate.SimilarityThreshold, 1e-9)
	assert.True(t, cfg.CleanInput)
	assert.Equal(t, 1, cfg.Batch.Workers)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "triage.yaml", `
tracker:
  kind: github
  repository_url: https://github.com/acme/widgets
ai:
  provider: anthropic
  model: claude-sonnet-4-5
  timeout: 90s
security:
  strict: true
  bypass_label: trusted
duplicate:
  mode: ai
  similarity_threshold: 0.8
analysis:
  max_attempts: 2
  confidence_threshold: 0.5
  attempt_timeout: 30s
clean_input: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, tracker.KindGitHub, cfg.Tracker.Kind)
	assert.Equal(t, ai.ProviderAnthropic, cfg.AI.Provider)
	assert.Equal(t, 90*time.Second, cfg.AI.Timeout)
	assert.True(t, cfg.Security.Strict)
	assert.Equal(t, deduplication.ModeAI, cfg.Duplicate.Mode)
	assert.Equal(t, 30*time.Second, cfg.Analysis.AttemptTimeout)

	// Unset keys keep their defaults.
	assert.Equal(t, 0, cfg.Duplicate.MaxCandidates)

	p := cfg.PipelineConfig()
	assert.Equal(t, "trusted", p.BypassLabel)
	assert.False(t, p.CleanInput)

	d := cfg.DuplicateConfig()
	assert.Equal(t, 90*time.Second, d.RequestTimeout)
	assert.InDelta(t, 0.8, d.SimilarityThreshold, 1e-9)

	a := cfg.AnalysisConfig()
	assert.Equal(t, 2, a.MaxAttempts)
	assert.Equal(t, 4096, a.MaxTokens)

	s := cfg.SupervisorConfig()
	assert.Equal(t, "claude-sonnet-4-5", s.Model)
	assert.Equal(t, 90*time.Second, s.Retry.Timeout)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{name: "unknown key", content: "tracker:\n  kinds: github\n", invalid: true},
		{name: "threshold out of range", content: "duplicate:\n  similarity_threshold: 1.5\n", invalid: true},
		{name: "bad provider", content: "ai:\n  provider: llama\n", invalid: true},
		{name: "model without provider", content: "ai:\n  model: mystery-model\n", invalid: true},
		{name: "bad log format", content: "logging:\n  format: xml\n", invalid: true},
		{name: "bad duration", content: "analysis:\n  attempt_timeout: soon\n", invalid: true},
		{name: "zero attempts", content: "analysis:\n  max_attempts: 0\n", invalid: true},
		{name: "bad budget", content: "ai:\n  budget:\n    enabled: true\n    alert_threshold: 2\n", invalid: true},
		{name: "bad budget ignored when disabled", content: "ai:\n  budget:\n    alert_threshold: 2\n"},
		{name: "empty file", content: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "triage.yaml", tt.content))
			if !tt.invalid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err, "an explicit path must exist")

	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err, "the default path is optional")
	assert.Equal(t, Default().Analysis, cfg.Analysis)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TRIAGE_MODEL", "gpt-4o")
	t.Setenv("TRIAGE_PROVIDER", "openai")
	t.Setenv("TRIAGE_TRACKER_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "gh-token")
	t.Setenv("TRIAGE_BYPASS_LABEL", "maintainer-ok")
	t.Setenv("TRIAGE_SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("TRIAGE_MAX_ATTEMPTS", "5")
	t.Setenv("TRIAGE_ATTEMPT_TIMEOUT", "2m")
	t.Setenv("TRIAGE_CLEAN_INPUT", "false")
	t.Setenv("TRIAGE_DUPLICATE_MODE", "ai")
	t.Setenv("TRIAGE_AI_BUDGET_ENABLED", "true")
	t.Setenv("TRIAGE_AI_MAX_TOKENS_PER_HOUR", "250000")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ai.ProviderOpenAI, cfg.AI.Provider)
	assert.Equal(t, "gpt-4o", cfg.AI.Model)
	assert.Equal(t, "gh-token", cfg.Tracker.Token)
	assert.Equal(t, "maintainer-ok", cfg.Security.BypassLabel)
	assert.InDelta(t, 0.9, cfg.Duplicate.SimilarityThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Analysis.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Analysis.AttemptTimeout)
	assert.False(t, cfg.CleanInput)
	assert.Equal(t, deduplication.ModeAI, cfg.Duplicate.Mode)
	assert.True(t, cfg.AI.Budget.Enabled)
	assert.Equal(t, int64(250000), cfg.AI.Budget.MaxTokensPerHour)
}

func TestApplyEnvInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TRIAGE_MAX_ATTEMPTS", "three"},
		{"TRIAGE_SIMILARITY_THRESHOLD", "high"},
		{"TRIAGE_CLEAN_INPUT", "maybe"},
		{"TRIAGE_ATTEMPT_TIMEOUT", "5"},
		{"TRIAGE_AI_MAX_TOKENS_PER_HOUR", "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := Default().ApplyEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestPromptTemplateValidated(t *testing.T) {
	cfg := Default()
	cfg.Analysis.PromptPath = writeFile(t, "prompt.txt", "Only {title} here")
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg.Analysis.PromptPath = filepath.Join(t.TempDir(), "missing.txt")
	assert.Error(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("TRIAGE_SLACK_CHANNEL", "#already-set")
	path := writeFile(t, ".env", "TRIAGE_SLACK_CHANNEL=#from-file\nTRIAGE_TEST_DOTENV_ONLY=yes\n")
	t.Cleanup(func() { _ = os.Unsetenv("TRIAGE_TEST_DOTENV_ONLY") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "#already-set", os.Getenv("TRIAGE_SLACK_CHANNEL"))
	assert.Equal(t, "yes", os.Getenv("TRIAGE_TEST_DOTENV_ONLY"))
}

func TestSlackEnabled(t *testing.T) {
	assert.False(t, SlackConfig{Channel: "#triage"}.Enabled())
	assert.True(t, SlackConfig{Token: "xoxb", Channel: "#triage"}.Enabled())
}

func TestStringHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.AI.APIKey = "sk-secret"
	cfg.Tracker.Token = "ghp_secret"
	s := cfg.String()
	assert.NotContains(t, s, "sk-secret")
	assert.NotContains(t, s, "ghp_secret")
}
