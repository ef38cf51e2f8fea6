package deduplication

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/steveyegge/triage/internal/types"
)

// Deduplicator compares one event against a set of candidates.
//
// Implementations receive candidates that have already been filtered by the
// Gate (own ID removed, closed issues removed, optionally capped) and
// must compare against all of them. The returned verdict carries at most one
// MatchedIssue, which must be one of the candidates.
//
// An error means no verdict could be computed; the Gate turns it into a
// fail-open verdict.
type Deduplicator interface {
	Name() string
	CheckDuplicate(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) (*types.DuplicateVerdict, error)
}

// Gate applies the candidate rules and fail-open policy around an engine.
type Gate struct {
	engine Deduplicator
	config Config
	logger *slog.Logger
}

// NewGate creates a duplicate gate. A nil engine is allowed and makes every
// check fail open, which keeps a misconfigured deployment triaging.
func NewGate(engine Deduplicator, config Config) *Gate {
	return &Gate{engine: engine, config: config, logger: slog.Default()}
}

// WithLogger returns the gate with a different logger.
func (g *Gate) WithLogger(l *slog.Logger) *Gate {
	g.logger = l
	return g
}

// Config returns the gate's configuration.
func (g *Gate) Config() Config { return g.config }

// Check returns the duplicate verdict for event. It never returns an error:
// any failure yields IsDuplicate=false with Error set.
func (g *Gate) Check(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) types.DuplicateVerdict {
	pool, dropped := g.filter(event, candidates)

	if len(strings.TrimSpace(event.Title)) < g.config.MinTitleLength {
		return types.DuplicateVerdict{
			Reasons: []string{fmt.Sprintf("title too short for comparison (len=%d, min=%d)",
				len(strings.TrimSpace(event.Title)), g.config.MinTitleLength)},
		}
	}
	if len(pool) == 0 {
		return types.DuplicateVerdict{Reasons: []string{"no candidate issues to compare against"}}
	}
	if g.engine == nil {
		return g.failOpen(event, len(pool), fmt.Errorf("no duplicate engine configured"))
	}

	verdict, err := checkSafely(ctx, g.engine, event, pool)
	if err != nil {
		return g.failOpen(event, len(pool), err)
	}
	if verdict == nil {
		return g.failOpen(event, len(pool), fmt.Errorf("%s returned no verdict", g.engine.Name()))
	}
	if err := verdict.Validate(); err != nil {
		return g.failOpen(event, len(pool), fmt.Errorf("invalid verdict from %s: %w", g.engine.Name(), err))
	}

	out := *verdict
	out.ComparedCount = len(pool)
	if dropped > 0 {
		out.Reasons = append(out.Reasons, fmt.Sprintf(
			"compared against the %d oldest candidates, %d newer ones skipped (max_candidates=%d)",
			len(pool), dropped, g.config.MaxCandidates))
	}
	if out.MatchedIssue != nil {
		match, ok := findByID(pool, out.MatchedIssue.ID)
		if !ok {
			return g.failOpen(event, len(pool), fmt.Errorf("%s matched unknown issue %q", g.engine.Name(), out.MatchedIssue.ID))
		}
		ref := match.Ref()
		out.MatchedIssue = &ref
	}
	if out.IsDuplicate && out.SimilarityScore < g.config.SimilarityThreshold {
		out.IsDuplicate = false
	}
	if !out.IsDuplicate && out.SimilarityScore < g.config.SimilarityThreshold {
		// Best match below threshold is kept for the record but not reported.
		out.MatchedIssue = nil
	}
	return out
}

func (g *Gate) failOpen(event types.IssueEvent, compared int, err error) types.DuplicateVerdict {
	g.logger.Warn("duplicate check failed, treating issue as unique",
		"issue", event.ID,
		"compared", compared,
		"error", err)
	return types.DuplicateVerdict{ComparedCount: compared, Error: err.Error()}
}

// filter drops the event itself, closed issues (unless configured) and empty
// issues. With MaxCandidates set, only the oldest candidates are kept, since
// the oldest issue of a duplicate set is the canonical one. It returns the
// pool and how many candidates the cap removed.
func (g *Gate) filter(event types.IssueEvent, candidates []types.IssueEvent) ([]types.IssueEvent, int) {
	pool := make([]types.IssueEvent, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == event.ID {
			continue
		}
		if !c.IsOpen() && !g.config.IncludeClosedIssues {
			continue
		}
		if strings.TrimSpace(c.Title) == "" && strings.TrimSpace(c.Body) == "" {
			continue
		}
		pool = append(pool, c)
	}
	if g.config.MaxCandidates <= 0 || len(pool) <= g.config.MaxCandidates {
		return pool, 0
	}
	types.SortByCreation(pool)
	dropped := len(pool) - g.config.MaxCandidates
	return pool[:g.config.MaxCandidates], dropped
}

func checkSafely(ctx context.Context, engine Deduplicator, event types.IssueEvent, pool []types.IssueEvent) (v *types.DuplicateVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", engine.Name(), r)
		}
	}()
	return engine.CheckDuplicate(ctx, event, pool)
}

func findByID(events []types.IssueEvent, id string) (types.IssueEvent, bool) {
	for _, e := range events {
		if e.ID == id {
			return e, true
		}
	}
	return types.IssueEvent{}, false
}

// EarlierThan returns the candidates created strictly before event, in their
// original order. Ties on creation time are broken by ID so that of two
// issues created in the same instant exactly one is "earlier".
func EarlierThan(event types.IssueEvent, candidates []types.IssueEvent) []types.IssueEvent {
	out := make([]types.IssueEvent, 0, len(candidates))
	for _, c := range candidates {
		if types.CompareCreation(c, event) < 0 {
			out = append(out, c)
		}
	}
	return out
}
