package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/triage/internal/cost"
	"github.com/steveyegge/triage/internal/logging"
)

// Supervisor is the single gateway to the reasoning API.
//
// Every stage that needs a model (prompt-injection detection, semantic
// duplicate comparison, issue analysis) goes through one Supervisor so the
// process shares one circuit breaker, one concurrency cap and one rate
// limiter. Bulk runs rely on this to stay under provider quotas.
//
// The responsibilities are spread across files:
//   - supervisor.go: struct, construction, Complete
//   - retry.go: circuit breaker and retry logic
//   - internal/cost: optional hourly token and dollar budget
//   - provider.go / anthropic.go / openai.go / gemini.go: backends
//   - json_parser.go: tolerant parsing of model output
//   - schema.go: JSON schema generation for structured output
type Supervisor struct {
	provider       Provider
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
	budget         *cost.Tracker
}

// Completer is the narrow view of the Supervisor that stages depend on
type Completer interface {
	Complete(ctx context.Context, operation string, req Request) (string, error)
}

var _ Completer = (*Supervisor)(nil)

// Config holds supervisor configuration
type Config struct {
	Provider ProviderName // inferred from Model when empty
	Model    string
	APIKey   string // falls back to ANTHROPIC_API_KEY / OPENAI_API_KEY
	BaseURL  string

	// Vertex AI settings, used by the gemini provider
	GCPProject      string
	GCPLocation     string
	CredentialsFile string

	Retry RetryConfig // uses defaults if MaxRetries and Timeout are both zero

	// Budget, when set, meters every call; calls fail with
	// cost.ErrBudgetExceeded once a limit is reached.
	Budget *cost.Tracker
}

// NewSupervisor builds the configured provider and wraps it.
func NewSupervisor(ctx context.Context, cfg *Config) (*Supervisor, error) {
	name, err := ValidateModel(cfg.Provider, cfg.Model)
	if err != nil {
		return nil, err
	}

	var provider Provider
	switch name {
	case ProviderOpenAI:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		provider, err = NewOpenAIProvider(key, cfg.BaseURL, cfg.Model)
	case ProviderGemini:
		project := cfg.GCPProject
		if project == "" {
			project = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
		provider, err = NewGeminiProvider(ctx, GeminiConfig{
			Project:         project,
			Location:        cfg.GCPLocation,
			CredentialsFile: cfg.CredentialsFile,
			Model:           cfg.Model,
		})
	default:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		provider, err = NewAnthropicProvider(key, cfg.BaseURL, cfg.Model)
	}
	if err != nil {
		return nil, err
	}

	s, err := NewSupervisorWithProvider(provider, cfg.Retry)
	if err != nil {
		return nil, err
	}
	s.budget = cfg.Budget
	return s, nil
}

// NewSupervisorWithProvider wraps an already constructed provider.
func NewSupervisorWithProvider(provider Provider, retry RetryConfig) (*Supervisor, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if retry.MaxRetries == 0 && retry.Timeout == 0 {
		retry = DefaultRetryConfig()
	}
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	s := &Supervisor{provider: provider, retry: retry}

	if retry.CircuitBreakerEnabled {
		s.circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}
	if retry.MaxConcurrentCalls > 0 {
		s.concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	if retry.RequestsPerSecond > 0 {
		burst := retry.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(retry.RequestsPerSecond), burst)
	}

	slog.Debug("reasoning supervisor initialized",
		"provider", string(provider.Name()),
		"model", provider.Model(),
		"max_concurrent", retry.MaxConcurrentCalls,
		"requests_per_second", retry.RequestsPerSecond)

	return s, nil
}

// WithBudget meters calls against b
func (s *Supervisor) WithBudget(b *cost.Tracker) *Supervisor {
	s.budget = b
	return s
}

// Provider returns the backend in use
func (s *Supervisor) Provider() Provider { return s.provider }

// Complete runs one logical completion with retries and returns the text.
// operation names the caller in logs and errors (e.g. "analysis").
func (s *Supervisor) Complete(ctx context.Context, operation string, req Request) (string, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	issueID := logging.GetLogFields(ctx).IssueID
	if s.budget != nil {
		if err := s.budget.Allow(issueID); err != nil {
			return "", fmt.Errorf("%s: %w", operation, err)
		}
	}

	start := time.Now()
	var completion *Completion
	err := s.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		c, err := s.provider.Complete(attemptCtx, req)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	if err != nil {
		return "", err
	}
	if s.budget != nil {
		s.budget.Record(issueID, completion.InputTokens, completion.OutputTokens)
	}

	slog.DebugContext(ctx, "reasoning call completed",
		"operation", operation,
		"provider", string(s.provider.Name()),
		"model", s.provider.Model(),
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens)

	return completion.Text, nil
}

// HealthCheck reports whether the circuit breaker currently lets calls through
func (s *Supervisor) HealthCheck() error {
	if s.circuitBreaker == nil {
		return nil
	}
	if state, failures, _ := s.circuitBreaker.GetMetrics(); state == CircuitOpen {
		return fmt.Errorf("reasoning API unavailable: %w (failures=%d, retry in %v)",
			ErrCircuitOpen, failures, s.retry.OpenTimeout)
	}
	return nil
}
