// Package batch triages a backlog of issues in creation order.
//
// Each issue is compared only against issues created strictly before it, so
// in a set of near-identical reports the oldest one is never flagged and the
// rest point back at it. A bounded worker pool throttles calls to the
// reasoning provider.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/types"
)

// Runner runs one issue through the pipeline. *pipeline.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) *pipeline.RunResult
}

// Config controls a batch run
type Config struct {
	Workers int // concurrent runs, at least 1
	Limit   int // process at most this many issues, 0 for all
}

// DefaultConfig runs issues one at a time, which keeps duplicate chains
// fully resolved at comment time.
func DefaultConfig() Config {
	return Config{Workers: 1}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1 (got %d)", c.Workers)
	}
	if c.Workers > 32 {
		return fmt.Errorf("workers too large (got %d, max 32)", c.Workers)
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit cannot be negative (got %d)", c.Limit)
	}
	return nil
}

// Summary is the outcome of a batch
type Summary struct {
	Results  []*pipeline.RunResult    `json:"results"`
	Counts   map[pipeline.Outcome]int `json:"counts"`
	Skipped  int                      `json:"skipped"` // closed issues
	Duration time.Duration            `json:"duration_ns"`

	// Canonical maps every issue found to be a duplicate to the oldest issue
	// of its chain, resolved after all runs finished.
	Canonical map[string]string `json:"canonical,omitempty"`
}

// Batch processes issue lists
type Batch struct {
	runner Runner
	chains *deduplication.Chains
	config Config
	logger *slog.Logger
}

// New creates a batch processor. chains must be the same set the runner
// links duplicates into; it may be nil when duplicate detection is off.
func New(runner Runner, chains *deduplication.Chains, config Config, logger *slog.Logger) (*Batch, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batch{runner: runner, chains: chains, config: config, logger: logger}, nil
}

// Order returns the open issues oldest first, plus the number of closed
// issues dropped.
func Order(issues []types.IssueEvent) ([]types.IssueEvent, int) {
	open := make([]types.IssueEvent, 0, len(issues))
	for _, is := range issues {
		if is.IsOpen() {
			open = append(open, is)
		}
	}
	types.SortByCreation(open)
	return open, len(issues) - len(open)
}

// Run triages every open issue. Runs are started in creation order; with
// more than one worker they may finish out of order. Cancelling ctx stops
// new runs from starting and aborts running ones at their next stage.
func (b *Batch) Run(ctx context.Context, issues []types.IssueEvent) (*Summary, error) {
	start := time.Now()
	ordered, skipped := Order(issues)
	if b.config.Limit > 0 && len(ordered) > b.config.Limit {
		ordered = ordered[:b.config.Limit]
	}
	b.logger.Info("starting batch",
		"issues", len(ordered), "skipped_closed", skipped, "workers", b.config.Workers)

	results := make([]*pipeline.RunResult, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.Workers)

	for i, event := range ordered {
		if gctx.Err() != nil {
			break
		}
		candidates := deduplication.EarlierThan(event, ordered)
		g.Go(func() error {
			results[i] = b.runner.Run(gctx, event, candidates)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sum := &Summary{
		Counts:    make(map[pipeline.Outcome]int),
		Skipped:   skipped,
		Canonical: make(map[string]string),
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		sum.Results = append(sum.Results, r)
		sum.Counts[r.Outcome]++
		if r.Outcome == pipeline.OutcomeDuplicate && b.chains != nil {
			sum.Canonical[r.IssueID] = b.chains.Canonical(r.IssueID)
		}
	}
	sum.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		b.logger.Warn("batch interrupted", "completed", len(sum.Results), "total", len(ordered))
		return sum, fmt.Errorf("batch interrupted after %d of %d issues: %w", len(sum.Results), len(ordered), err)
	}
	b.logger.Info("batch finished",
		"issues", len(sum.Results),
		"done", sum.Counts[pipeline.OutcomeDone],
		"duplicates", sum.Counts[pipeline.OutcomeDuplicate],
		"blocked", sum.Counts[pipeline.OutcomeBlocked],
		"failed", sum.Counts[pipeline.OutcomeFailed],
		"duration", sum.Duration)
	return sum, nil
}

// Failed returns the results that ended in a hard failure
func (s *Summary) Failed() []*pipeline.RunResult {
	return slices.DeleteFunc(slices.Clone(s.Results), func(r *pipeline.RunResult) bool {
		return !r.Failed()
	})
}
