package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// RetryConfig holds retry configuration for reasoning API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 2)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-request timeout (default: 60s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	// Throttling, shared by every run in the process
	MaxConcurrentCalls int     // Maximum concurrent API calls (default: 3, 0 = unlimited)
	RequestsPerSecond  float64 // Sustained request rate (default: 2, 0 = unlimited)
	Burst              int     // Rate limiter burst (default: 2)
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops calling a failing API until it has had time to recover
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            2,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
		RequestsPerSecond:     2,
		Burst:                 2,
	}
}

// Validate checks if the retry configuration has valid values
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative (got %d)", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %v)", c.Timeout)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1 (got %.2f)", c.BackoffMultiplier)
	}
	if c.MaxConcurrentCalls < 0 {
		return fmt.Errorf("max_concurrent_calls cannot be negative (got %d)", c.MaxConcurrentCalls)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative (got %.2f)", c.RequestsPerSecond)
	}
	if c.CircuitBreakerEnabled && (c.FailureThreshold <= 0 || c.SuccessThreshold <= 0) {
		return fmt.Errorf("circuit breaker thresholds must be positive (failure=%d, success=%d)",
			c.FailureThreshold, c.SuccessThreshold)
	}
	return nil
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and the open
// timeout has not yet elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.openTimeout {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure while probing reopens immediately
		cb.transition(CircuitOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current metrics (for monitoring/logging)
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transition must be called with the lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successCount = 0
	if to == CircuitClosed {
		cb.failureCount = 0
	}
	slog.Info("circuit breaker state transition",
		"from", from.String(),
		"to", to.String(),
		"failures", cb.failureCount,
		"open_timeout", cb.openTimeout)
}

// retryWithBackoff runs fn with the supervisor's throttles, circuit breaker,
// per-attempt timeout and exponential backoff between retriable failures.
func (s *Supervisor) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if s.concurrencySem != nil {
		if err := s.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire concurrency slot for %s: %w", operation, err)
		}
		defer s.concurrencySem.Release(1)
	}

	var lastErr error
	backoff := s.retry.InitialBackoff

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if s.circuitBreaker != nil {
			if err := s.circuitBreaker.Allow(); err != nil {
				state, failures, _ := s.circuitBreaker.GetMetrics()
				slog.WarnContext(ctx, "reasoning API call blocked by circuit breaker",
					"operation", operation, "state", state.String(), "failures", failures)
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: rate limiter: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if s.circuitBreaker != nil {
				s.circuitBreaker.RecordSuccess()
			}
			if attempt > 0 {
				slog.InfoContext(ctx, "reasoning API call succeeded after retries",
					"operation", operation, "retries", attempt)
			}
			return nil
		}

		lastErr = err
		retriable := isRetriableError(err)

		// Auth failures and bad requests say nothing about API health
		if s.circuitBreaker != nil && retriable {
			s.circuitBreaker.RecordFailure()
		}

		if !retriable {
			slog.WarnContext(ctx, "reasoning API call failed with non-retriable error",
				"operation", operation, "error", err)
			return err
		}

		if attempt == s.retry.MaxRetries {
			break
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		slog.WarnContext(ctx, "reasoning API call failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", s.retry.MaxRetries+1,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * s.retry.BackoffMultiplier)
			if backoff > s.retry.MaxBackoff {
				backoff = s.retry.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, s.retry.MaxRetries+1, lastErr)
}

// isRetriableError determines if an error is transient
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retriableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retriableStatus(openaiErr.StatusCode)
	}

	// Other SDKs (Vertex) surface status only in the message
	errStr := strings.ToLower(err.Error())

	for _, marker := range []string{"400", "401", "403", "404", "permission denied", "invalid argument", "unauthenticated"} {
		if strings.Contains(errStr, marker) {
			return false
		}
	}

	for _, marker := range []string{
		"429", "rate limit", "resource exhausted",
		"500", "502", "503", "504", "529",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout", "overloaded",
		"connection refused", "connection reset", "timeout", "temporary failure", "network", "eof",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}

	return false
}

func retriableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
