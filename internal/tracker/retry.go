package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/steveyegge/triage/internal/types"
)

// DefaultRetryDelay is the pause before the single retry
const DefaultRetryDelay = time.Second

// Retrying wraps a Tracker so every failed call is retried once after a
// short delay. ErrNotFound and context errors are not retried. The second
// error is returned to the caller, which treats it as a warning.
type Retrying struct {
	next   Tracker
	delay  time.Duration
	logger *slog.Logger
}

// Compile-time check that Retrying implements Tracker
var _ Tracker = (*Retrying)(nil)

// WithRetry wraps t. A zero delay selects DefaultRetryDelay; a negative
// delay retries immediately.
func WithRetry(t Tracker, delay time.Duration, logger *slog.Logger) *Retrying {
	if delay == 0 {
		delay = DefaultRetryDelay
	}
	if delay < 0 {
		delay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: t, delay: delay, logger: logger}
}

func (r *Retrying) Name() string { return r.next.Name() }

// Unwrap returns the wrapped tracker
func (r *Retrying) Unwrap() Tracker { return r.next }

func (r *Retrying) CreateLabelIfAbsent(ctx context.Context, spec types.LabelSpec) (bool, error) {
	var created bool
	err := r.do(ctx, "create_label", func() error {
		var err error
		created, err = r.next.CreateLabelIfAbsent(ctx, spec)
		if errors.Is(err, ErrLabelExists) {
			created, err = false, nil
		}
		return err
	})
	return created, err
}

func (r *Retrying) AddLabels(ctx context.Context, issueID string, names []string) error {
	return r.do(ctx, "add_labels", func() error {
		return r.next.AddLabels(ctx, issueID, names)
	})
}

func (r *Retrying) PostComment(ctx context.Context, issueID, body string) error {
	return r.do(ctx, "comment", func() error {
		return r.next.PostComment(ctx, issueID, body)
	})
}

func (r *Retrying) ListOpenIssues(ctx context.Context, limit int) ([]types.IssueEvent, error) {
	var out []types.IssueEvent
	err := r.do(ctx, "list", func() error {
		var err error
		out, err = r.next.ListOpenIssues(ctx, limit)
		return err
	})
	return out, err
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !retryable(err) {
		return err
	}
	r.logger.Debug("tracker call failed, retrying once", "op", op, "tracker", r.next.Name(), "error", err)

	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return fn()
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
