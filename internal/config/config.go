// Package config loads triage configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. built-in defaults
//  2. the YAML config file (triage.yaml by default, optional)
//  3. a .env file in the working directory (optional, never overrides
//     variables already set in the environment)
//  4. TRIAGE_* environment variables
//  5. command-line flags, applied by the CLI
//
// Validate fails fast on anything malformed, before any stage runs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/triage/internal/ai"
	"github.com/steveyegge/triage/internal/analysis"
	"github.com/steveyegge/triage/internal/batch"
	"github.com/steveyegge/triage/internal/cost"
	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/labels"
	"github.com/steveyegge/triage/internal/logging"
	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/sanitize"
	"github.com/steveyegge/triage/internal/storage"
	"github.com/steveyegge/triage/internal/telemetry"
	"github.com/steveyegge/triage/internal/tracker"
)

// DefaultPath is the config file looked for when none is given
const DefaultPath = "triage.yaml"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete triage configuration
type Config struct {
	Tracker   TrackerConfig    `yaml:"tracker"`
	AI        AIConfig         `yaml:"ai"`
	Security  SecurityConfig   `yaml:"security"`
	Duplicate DuplicateConfig  `yaml:"duplicate"`
	Analysis  AnalysisConfig   `yaml:"analysis"`
	Batch     BatchConfig      `yaml:"batch"`
	Storage   storage.Config   `yaml:"storage"`
	Retention RetentionConfig  `yaml:"retention"`
	Server    ServerConfig     `yaml:"server"`
	Slack     SlackConfig      `yaml:"slack"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// CleanInput masks secrets, e-mails and IPs before text reaches a model.
	CleanInput bool `yaml:"clean_input"`
}

// TrackerConfig selects the issue tracker
type TrackerConfig struct {
	Kind          tracker.Kind `yaml:"kind"` // github, gitlab, memory or auto
	RepositoryURL string       `yaml:"repository_url"`
	Token         string       `yaml:"-"` // environment only
	BaseURL       string       `yaml:"base_url"`
}

// AIConfig selects the reasoning provider
type AIConfig struct {
	Provider        ai.ProviderName `yaml:"provider"`
	Model           string          `yaml:"model"`
	BaseURL         string          `yaml:"base_url"`
	GCPProject      string          `yaml:"gcp_project"`
	GCPLocation     string          `yaml:"gcp_location"`
	CredentialsFile string          `yaml:"credentials_file"`
	APIKey          string          `yaml:"-"` // environment only

	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	Timeout            time.Duration `yaml:"timeout"`

	Budget cost.Config `yaml:"budget"`
}

// SecurityConfig controls the security gate
type SecurityConfig struct {
	Strict        bool   `yaml:"strict"`
	ModelDetector bool   `yaml:"model_detector"` // ask the model as a second opinion
	BypassLabel   string `yaml:"bypass_label"`
}

// DuplicateConfig controls the duplicate gate
type DuplicateConfig struct {
	Enabled             bool               `yaml:"enabled"`
	Mode                deduplication.Mode `yaml:"mode"`
	SimilarityThreshold float64            `yaml:"similarity_threshold"`
	MaxCandidates       int                `yaml:"max_candidates"`
	BatchSize           int                `yaml:"batch_size"`
	MinTitleLength      int                `yaml:"min_title_length"`
	IncludeClosedIssues bool               `yaml:"include_closed_issues"`
}

// AnalysisConfig controls the analysis stage
type AnalysisConfig struct {
	SnapshotPath        string        `yaml:"snapshot_path"`
	PromptPath          string        `yaml:"prompt_path"`
	MaxAttempts         int           `yaml:"max_attempts"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	MaxCodebaseBytes    int           `yaml:"max_codebase_bytes"`
}

// BatchConfig controls bulk runs
type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// RetentionConfig controls pruning of old runs from the run store
type RetentionConfig struct {
	// RetentionDays is how long runs are kept. 0 keeps them forever.
	RetentionDays int `yaml:"retention_days"`

	// KeepFailed keeps failed runs regardless of age
	KeepFailed bool `yaml:"keep_failed"`
}

// ServerConfig controls `triage serve`
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	WebhookSecret      string `yaml:"-"` // GitHub webhook secret, environment only
	GitLabWebhookToken string `yaml:"-"` // environment only
	SweepSchedule      string `yaml:"sweep_schedule"` // cron spec, empty disables
	RedisURL           string `yaml:"redis_url"`
	Workers            int    `yaml:"workers"`
}

// SlackConfig enables block notifications when both fields are set
type SlackConfig struct {
	Token   string `yaml:"-"` // environment only
	Channel string `yaml:"channel"`
}

// Enabled reports whether notifications are configured
func (c SlackConfig) Enabled() bool {
	return c.Token != "" && c.Channel != ""
}

// LoggingConfig controls the process logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	dup := deduplication.DefaultConfig()
	an := analysis.DefaultConfig()
	retry := ai.DefaultRetryConfig()
	return &Config{
		Tracker: TrackerConfig{Kind: tracker.KindAuto},
		AI: AIConfig{
			MaxConcurrentCalls: retry.MaxConcurrentCalls,
			RequestsPerSecond:  retry.RequestsPerSecond,
			Timeout:            retry.Timeout,
			Budget:             cost.DefaultConfig(),
		},
		Security: SecurityConfig{BypassLabel: labels.DefaultBypassLabel},
		Duplicate: DuplicateConfig{
			Enabled:             true,
			Mode:                dup.Mode,
			SimilarityThreshold: dup.SimilarityThreshold,
			MaxCandidates:       dup.MaxCandidates,
			BatchSize:           dup.BatchSize,
			MinTitleLength:      dup.MinTitleLength,
			IncludeClosedIssues: dup.IncludeClosedIssues,
		},
		Analysis: AnalysisConfig{
			SnapshotPath:        analysis.DefaultSnapshotPath,
			MaxAttempts:         an.MaxAttempts,
			ConfidenceThreshold: an.ConfidenceThreshold,
			AttemptTimeout:      an.AttemptTimeout,
			MaxCodebaseBytes:    an.MaxCodebaseBytes,
		},
		Batch:     BatchConfig{Workers: batch.DefaultConfig().Workers},
		Storage:   storage.DefaultConfig(),
		Retention: RetentionConfig{RetentionDays: 90, KeepFailed: true},
		Server: ServerConfig{
			Addr:    ":8080",
			Workers: 2,
		},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Telemetry:  telemetry.Config{ServiceName: "triage"},
		CleanInput: true,
	}
}

// Load builds the configuration from path (DefaultPath when empty, and then
// optional), .env and the environment, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
//
// Environment variables:
//   - TRIAGE_REPOSITORY_URL, TRIAGE_TRACKER, TRIAGE_TRACKER_BASE_URL
//   - TRIAGE_TRACKER_TOKEN (falls back to GITHUB_TOKEN or GITLAB_TOKEN)
//   - TRIAGE_PROVIDER, TRIAGE_MODEL, TRIAGE_AI_BASE_URL, TRIAGE_API_KEY
//   - TRIAGE_GCP_PROJECT, TRIAGE_GCP_LOCATION
//   - TRIAGE_AI_BUDGET_ENABLED, TRIAGE_AI_MAX_TOKENS_PER_HOUR, TRIAGE_AI_MAX_TOKENS_PER_ISSUE,
//     TRIAGE_AI_MAX_COST_PER_HOUR, TRIAGE_AI_BUDGET_STATE_PATH
//   - TRIAGE_SECURITY_STRICT, TRIAGE_SECURITY_MODEL_DETECTOR, TRIAGE_BYPASS_LABEL
//   - TRIAGE_DUPLICATE_ENABLED, TRIAGE_DUPLICATE_MODE, TRIAGE_SIMILARITY_THRESHOLD
//   - TRIAGE_SNAPSHOT_PATH, TRIAGE_PROMPT_PATH, TRIAGE_MAX_ATTEMPTS,
//     TRIAGE_CONFIDENCE_THRESHOLD, TRIAGE_ATTEMPT_TIMEOUT
//   - TRIAGE_CLEAN_INPUT, TRIAGE_WORKERS, TRIAGE_ARTIFACT_DIR
//   - TRIAGE_LISTEN_ADDR, TRIAGE_WEBHOOK_SECRET, TRIAGE_GITLAB_WEBHOOK_TOKEN,
//     TRIAGE_SWEEP_SCHEDULE, TRIAGE_REDIS_URL
//   - TRIAGE_SLACK_TOKEN, TRIAGE_SLACK_CHANNEL
//   - TRIAGE_LOG_LEVEL, TRIAGE_LOG_FORMAT
//   - TRIAGE_OTEL_ENDPOINT (falls back to OTEL_EXPORTER_OTLP_ENDPOINT)
//
// The database path is resolved separately from TRIAGE_DB_PATH.
func (c *Config) ApplyEnv() error {
	var kind string
	parseEnvString(&kind, "TRIAGE_TRACKER")
	if kind != "" {
		c.Tracker.Kind = tracker.Kind(kind)
	}
	parseEnvString(&c.Tracker.RepositoryURL, "TRIAGE_REPOSITORY_URL")
	parseEnvString(&c.Tracker.BaseURL, "TRIAGE_TRACKER_BASE_URL")
	parseEnvString(&c.Tracker.Token, "TRIAGE_TRACKER_TOKEN", "GITHUB_TOKEN", "GITLAB_TOKEN")

	var provider string
	parseEnvString(&provider, "TRIAGE_PROVIDER")
	if provider != "" {
		c.AI.Provider = ai.ProviderName(provider)
	}
	parseEnvString(&c.AI.Model, "TRIAGE_MODEL")
	parseEnvString(&c.AI.BaseURL, "TRIAGE_AI_BASE_URL")
	parseEnvString(&c.AI.APIKey, "TRIAGE_API_KEY")
	parseEnvString(&c.AI.GCPProject, "TRIAGE_GCP_PROJECT")
	parseEnvString(&c.AI.GCPLocation, "TRIAGE_GCP_LOCATION")
	parseEnvString(&c.AI.Budget.StatePath, "TRIAGE_AI_BUDGET_STATE_PATH")

	parseEnvString(&c.Security.BypassLabel, "TRIAGE_BYPASS_LABEL")
	var mode string
	parseEnvString(&mode, "TRIAGE_DUPLICATE_MODE")
	if mode != "" {
		c.Duplicate.Mode = deduplication.Mode(mode)
	}
	parseEnvString(&c.Analysis.SnapshotPath, "TRIAGE_SNAPSHOT_PATH")
	parseEnvString(&c.Analysis.PromptPath, "TRIAGE_PROMPT_PATH")
	parseEnvString(&c.Storage.ArtifactDir, "TRIAGE_ARTIFACT_DIR")
	parseEnvString(&c.Server.Addr, "TRIAGE_LISTEN_ADDR")
	parseEnvString(&c.Server.WebhookSecret, "TRIAGE_WEBHOOK_SECRET")
	parseEnvString(&c.Server.GitLabWebhookToken, "TRIAGE_GITLAB_WEBHOOK_TOKEN")
	parseEnvString(&c.Server.SweepSchedule, "TRIAGE_SWEEP_SCHEDULE")
	parseEnvString(&c.Server.RedisURL, "TRIAGE_REDIS_URL")
	parseEnvString(&c.Slack.Token, "TRIAGE_SLACK_TOKEN")
	parseEnvString(&c.Slack.Channel, "TRIAGE_SLACK_CHANNEL")
	parseEnvString(&c.Logging.Level, "TRIAGE_LOG_LEVEL")
	parseEnvString(&c.Logging.Format, "TRIAGE_LOG_FORMAT")
	parseEnvString(&c.Telemetry.Endpoint, "TRIAGE_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	for _, f := range []func() error{
		func() error { return parseEnvBool("TRIAGE_SECURITY_STRICT", &c.Security.Strict) },
		func() error { return parseEnvBool("TRIAGE_SECURITY_MODEL_DETECTOR", &c.Security.ModelDetector) },
		func() error { return parseEnvBool("TRIAGE_DUPLICATE_ENABLED", &c.Duplicate.Enabled) },
		func() error { return parseEnvFloat("TRIAGE_SIMILARITY_THRESHOLD", &c.Duplicate.SimilarityThreshold) },
		func() error { return parseEnvInt("TRIAGE_MAX_ATTEMPTS", &c.Analysis.MaxAttempts) },
		func() error { return parseEnvFloat("TRIAGE_CONFIDENCE_THRESHOLD", &c.Analysis.ConfidenceThreshold) },
		func() error { return parseEnvDuration("TRIAGE_ATTEMPT_TIMEOUT", &c.Analysis.AttemptTimeout) },
		func() error { return parseEnvBool("TRIAGE_CLEAN_INPUT", &c.CleanInput) },
		func() error { return parseEnvInt("TRIAGE_WORKERS", &c.Batch.Workers) },
		func() error { return parseEnvBool("TRIAGE_AI_BUDGET_ENABLED", &c.AI.Budget.Enabled) },
		func() error { return parseEnvInt64("TRIAGE_AI_MAX_TOKENS_PER_HOUR", &c.AI.Budget.MaxTokensPerHour) },
		func() error { return parseEnvInt64("TRIAGE_AI_MAX_TOKENS_PER_ISSUE", &c.AI.Budget.MaxTokensPerIssue) },
		func() error { return parseEnvFloat("TRIAGE_AI_MAX_COST_PER_HOUR", &c.AI.Budget.MaxCostPerHour) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every section and wraps failures in ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []string
	add := func(section string, err error) {
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", section, err))
		}
	}

	if c.Tracker.Kind != "" && !c.Tracker.Kind.IsValid() {
		add("tracker", fmt.Errorf("unknown kind %q", c.Tracker.Kind))
	}
	if c.Tracker.Kind != tracker.KindMemory && c.Tracker.RepositoryURL != "" {
		_, err := tracker.ParseRepositoryURL(c.Tracker.RepositoryURL)
		add("tracker", err)
	}
	if c.AI.Provider != "" && !c.AI.Provider.IsValid() {
		add("ai", fmt.Errorf("unknown provider %q", c.AI.Provider))
	} else if c.AI.Model != "" || c.AI.Provider != "" {
		_, err := ai.ValidateModel(c.AI.Provider, c.AI.Model)
		add("ai", err)
	}
	add("ai", c.retryConfig().Validate())
	if c.AI.Budget.Enabled {
		add("ai.budget", c.AI.Budget.Validate())
	}
	add("duplicate", c.DuplicateConfig().Validate())
	add("analysis", c.AnalysisConfig().Validate())
	if c.Analysis.PromptPath != "" {
		_, err := analysis.LoadTemplate(c.Analysis.PromptPath)
		add("analysis", err)
	}
	add("batch", c.BatchConfig().Validate())
	if c.Server.Workers < 1 {
		add("server", fmt.Errorf("workers must be at least 1 (got %d)", c.Server.Workers))
	}
	if c.Retention.RetentionDays < 0 {
		add("retention", fmt.Errorf("retention_days cannot be negative (got %d)", c.Retention.RetentionDays))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging", err)
	}
	if f := strings.ToLower(c.Logging.Format); f != "" && f != "text" && f != "json" {
		add("logging", fmt.Errorf("format must be text or json (got %q)", c.Logging.Format))
	}
	if strings.TrimSpace(c.Security.BypassLabel) != c.Security.BypassLabel {
		add("security", fmt.Errorf("bypass_label has surrounding whitespace (%q)", c.Security.BypassLabel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  %s", ErrInvalidConfig, strings.Join(problems, "\n  "))
	}
	return nil
}

// SupervisorConfig is the reasoning supervisor's configuration
func (c *Config) SupervisorConfig() *ai.Config {
	return &ai.Config{
		Provider:        c.AI.Provider,
		Model:           c.AI.Model,
		APIKey:          c.AI.APIKey,
		BaseURL:         c.AI.BaseURL,
		GCPProject:      c.AI.GCPProject,
		GCPLocation:     c.AI.GCPLocation,
		CredentialsFile: c.AI.CredentialsFile,
		Retry:           c.retryConfig(),
	}
}

func (c *Config) retryConfig() ai.RetryConfig {
	r := ai.DefaultRetryConfig()
	r.MaxConcurrentCalls = c.AI.MaxConcurrentCalls
	r.RequestsPerSecond = c.AI.RequestsPerSecond
	if c.AI.Timeout != 0 {
		r.Timeout = c.AI.Timeout
	}
	return r
}

// TrackerConfig is the tracker backend configuration
func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		Kind:          c.Tracker.Kind,
		RepositoryURL: c.Tracker.RepositoryURL,
		Token:         c.Tracker.Token,
		BaseURL:       c.Tracker.BaseURL,
	}
}

// DuplicateConfig is the duplicate gate configuration
func (c *Config) DuplicateConfig() deduplication.Config {
	d := deduplication.DefaultConfig()
	d.Mode = c.Duplicate.Mode
	d.SimilarityThreshold = c.Duplicate.SimilarityThreshold
	d.MaxCandidates = c.Duplicate.MaxCandidates
	d.BatchSize = c.Duplicate.BatchSize
	d.MinTitleLength = c.Duplicate.MinTitleLength
	d.IncludeClosedIssues = c.Duplicate.IncludeClosedIssues
	if c.AI.Timeout > 0 {
		d.RequestTimeout = c.AI.Timeout
	}
	return d
}

// AnalysisConfig is the analysis stage configuration
func (c *Config) AnalysisConfig() analysis.Config {
	a := analysis.DefaultConfig()
	a.MaxAttempts = c.Analysis.MaxAttempts
	a.ConfidenceThreshold = c.Analysis.ConfidenceThreshold
	a.AttemptTimeout = c.Analysis.AttemptTimeout
	a.MaxCodebaseBytes = c.Analysis.MaxCodebaseBytes
	return a
}

// PipelineConfig is the orchestrator configuration
func (c *Config) PipelineConfig() pipeline.Config {
	p := pipeline.DefaultConfig()
	p.BypassLabel = c.Security.BypassLabel
	p.CleanInput = c.CleanInput
	if !c.CleanInput {
		p.Sanitize = sanitize.Options{}
	}
	return p
}

// BatchConfig is the bulk runner configuration
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{Workers: c.Batch.Workers}
}

// LoggingOptions is the logger configuration
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:       c.Logging.Level,
		Format:      c.Logging.Format,
		OTel:        c.Telemetry.Enabled(),
		ServiceName: c.Telemetry.ServiceName,
	}
}

// String summarizes the configuration without secrets
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Tracker: %s %s, Provider: %s, Model: %s, Duplicate: %t/%s, "+
			"MaxAttempts: %d, Confidence: %.2f, BypassLabel: %q, CleanInput: %t}",
		c.Tracker.Kind, c.Tracker.RepositoryURL, c.AI.Provider, c.AI.Model,
		c.Duplicate.Enabled, c.Duplicate.Mode, c.Analysis.MaxAttempts,
		c.Analysis.ConfidenceThreshold, c.Security.BypassLabel, c.CleanInput,
	)
}
