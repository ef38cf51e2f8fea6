package deduplication

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/triage/internal/ai"
	"github.com/steveyegge/triage/internal/types"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func issue(id, title, body string, age time.Duration) types.IssueEvent {
	return types.NewIssueEvent(id, title, body, nil, base.Add(age))
}

// recordingEngine returns a fixed verdict and records what it was given.
type recordingEngine struct {
	verdict *types.DuplicateVerdict
	err     error
	panics  bool
	seen    []types.IssueEvent
}

func (r *recordingEngine) Name() string { return "recording" }

func (r *recordingEngine) CheckDuplicate(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) (*types.DuplicateVerdict, error) {
	if r.panics {
		panic("engine exploded")
	}
	r.seen = candidates
	return r.verdict, r.err
}

// scriptedCompleter answers duplicate prompts. It reads the issue ids out of
// the prompt and returns the scripted result for each, defaulting to a
// non-duplicate.
type scriptedCompleter struct {
	mu      sync.Mutex
	results map[string]batchResult
	raw     string
	err     error
	calls   int
}

var issueIDRegex = regexp.MustCompile(`\[issue_id=([^\]]+)\]`)

func (s *scriptedCompleter) Complete(ctx context.Context, operation string, req ai.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.raw != "" {
		return s.raw, nil
	}
	var parts []string
	for _, m := range issueIDRegex.FindAllStringSubmatch(req.Prompt, -1) {
		r, ok := s.results[m[1]]
		if !ok {
			r = batchResult{Similarity: 0.1, Confidence: 0.9, Reasoning: "unrelated"}
		}
		parts = append(parts, fmt.Sprintf(`{"issue_id": %q, "is_duplicate": %t, "similarity": %.2f, "confidence": %.2f, "reasoning": %q}`,
			m[1], r.IsDuplicate, r.Similarity, r.Confidence, r.Reasoning))
	}
	return `{"results": [` + strings.Join(parts, ",") + `]}`, nil
}

func TestGateExcludesOwnIDAndClosedIssues(t *testing.T) {
	event := issue("7", "Crash when saving large files", "", time.Hour)
	closed := issue("3", "Crash when saving", "", 0)
	closed.State = types.StatusClosed
	open := issue("4", "Saving is slow", "", 0)

	engine := &recordingEngine{verdict: &types.DuplicateVerdict{}}
	gate := NewGate(engine, DefaultConfig())
	v := gate.Check(context.Background(), event, []types.IssueEvent{event, closed, open})

	require.Len(t, engine.seen, 1)
	assert.Equal(t, "4", engine.seen[0].ID)
	assert.Equal(t, 1, v.ComparedCount)
	assert.Empty(t, v.Error)
}

func TestGateIncludesClosedWhenConfigured(t *testing.T) {
	closed := issue("3", "Crash when saving", "", 0)
	closed.State = types.StatusClosed

	cfg := DefaultConfig()
	cfg.IncludeClosedIssues = true
	engine := &recordingEngine{verdict: &types.DuplicateVerdict{}}
	NewGate(engine, cfg).Check(context.Background(), issue("7", "Crash when saving files", "", time.Hour), []types.IssueEvent{closed})

	assert.Len(t, engine.seen, 1)
}

func TestGateNoCandidates(t *testing.T) {
	engine := &recordingEngine{verdict: &types.DuplicateVerdict{}}
	event := issue("1", "Crash when saving files", "", 0)

	v := NewGate(engine, DefaultConfig()).Check(context.Background(), event, []types.IssueEvent{event})
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, 0, v.ComparedCount)
	assert.Nil(t, engine.seen)
}

func TestGateShortTitleSkipsComparison(t *testing.T) {
	engine := &recordingEngine{verdict: &types.DuplicateVerdict{}}
	v := NewGate(engine, DefaultConfig()).Check(context.Background(),
		issue("1", "Bug", "", time.Hour), []types.IssueEvent{issue("2", "Another bug entirely", "", 0)})

	assert.False(t, v.IsDuplicate)
	assert.Nil(t, engine.seen)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "title too short")
}

func TestGateFailsOpen(t *testing.T) {
	candidates := []types.IssueEvent{issue("2", "Crash when saving files", "", 0)}
	event := issue("9", "Crash when saving big files", "", time.Hour)

	tests := []struct {
		name    string
		engine  Deduplicator
		errPart string
	}{
		{"engine error", &recordingEngine{err: errors.New("503 service unavailable")}, "503 service unavailable"},
		{"engine panic", &recordingEngine{panics: true}, "panicked"},
		{"nil verdict", &recordingEngine{}, "returned no verdict"},
		{"invalid verdict", &recordingEngine{verdict: &types.DuplicateVerdict{IsDuplicate: true, SimilarityScore: 0.9}}, "invalid verdict"},
		{"unknown match", &recordingEngine{verdict: &types.DuplicateVerdict{
			IsDuplicate: true, SimilarityScore: 0.9, MatchedIssue: &types.IssueRef{ID: "404"},
		}}, "unknown issue"},
		{"no engine", nil, "no duplicate engine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewGate(tt.engine, DefaultConfig()).Check(context.Background(), event, candidates)
			assert.False(t, v.IsDuplicate)
			assert.Nil(t, v.MatchedIssue)
			assert.Contains(t, v.Error, tt.errPart)
			assert.Equal(t, 1, v.ComparedCount)
		})
	}
}

func TestGateAppliesThreshold(t *testing.T) {
	candidates := []types.IssueEvent{issue("2", "Crash when saving files", "", 0)}
	engine := &recordingEngine{verdict: &types.DuplicateVerdict{
		IsDuplicate: true, SimilarityScore: 0.65, MatchedIssue: &types.IssueRef{ID: "2"},
	}}

	v := NewGate(engine, DefaultConfig()).Check(context.Background(), issue("9", "Crash when saving big files", "", time.Hour), candidates)
	assert.False(t, v.IsDuplicate)
	assert.Nil(t, v.MatchedIssue)
	assert.Equal(t, 0.65, v.SimilarityScore)
}

func TestGateFillsMatchedReference(t *testing.T) {
	candidate := issue("2", "Crash when saving files", "", 0)
	candidate.URL = "https://github.com/acme/app/issues/2"
	engine := &recordingEngine{verdict: &types.DuplicateVerdict{
		IsDuplicate: true, SimilarityScore: 0.9, MatchedIssue: &types.IssueRef{ID: "2"},
	}}

	v := NewGate(engine, DefaultConfig()).Check(context.Background(), issue("9", "Crash when saving big files", "", time.Hour), []types.IssueEvent{candidate})
	require.True(t, v.IsDuplicate)
	assert.Equal(t, types.IssueRef{ID: "2", Title: "Crash when saving files", URL: "https://github.com/acme/app/issues/2"}, *v.MatchedIssue)
}

func TestGateComparesEveryCandidateByDefault(t *testing.T) {
	title := "Crash when uploading PNG images larger than 10MB"
	body := "The upload endpoint runs out of memory and returns a 502 for big PNG files."
	candidates := []types.IssueEvent{issue("1", title, body, 0)}
	for i := 2; i <= 201; i++ {
		candidates = append(candidates, issue(fmt.Sprint(i),
			fmt.Sprintf("Feature request %d: add export option", i), "Would be nice to have.", time.Duration(i)*time.Minute))
	}

	v := NewGate(NewLexicalDeduplicator(0.7), DefaultConfig()).Check(context.Background(),
		issue("500", title, body, 24*time.Hour), candidates)

	assert.Equal(t, 201, v.ComparedCount)
	assert.True(t, v.IsDuplicate)
	require.NotNil(t, v.MatchedIssue)
	assert.Equal(t, "1", v.MatchedIssue.ID)
	assert.Empty(t, v.Error)
}

func TestGateCapKeepsOldestCandidates(t *testing.T) {
	var candidates []types.IssueEvent
	for i := 4; i >= 0; i-- {
		candidates = append(candidates, issue(fmt.Sprint(i), fmt.Sprintf("Issue number %d", i), "", time.Duration(i)*time.Minute))
	}
	cfg := DefaultConfig()
	cfg.MaxCandidates = 2
	engine := &recordingEngine{verdict: &types.DuplicateVerdict{}}

	v := NewGate(engine, cfg).Check(context.Background(), issue("new", "Some new issue", "", time.Hour), candidates)
	require.Len(t, engine.seen, 2)
	assert.Equal(t, "0", engine.seen[0].ID)
	assert.Equal(t, "1", engine.seen[1].ID)
	assert.Equal(t, 2, v.ComparedCount)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "3 newer ones skipped")
}

func TestLexicalFindsIdenticalIssue(t *testing.T) {
	title := "Crash when uploading PNG images larger than 10MB"
	body := "The upload endpoint runs out of memory and returns a 502 for big PNG files."
	existing := issue("12", title, body, 0)
	unrelated := issue("13", "Dark mode toggle missing from settings page", "The settings page has no theme switch.", time.Minute)
	event := issue("40", title, body, time.Hour)

	v, err := NewLexicalDeduplicator(0.7).CheckDuplicate(context.Background(), event, []types.IssueEvent{unrelated, existing})
	require.NoError(t, err)
	require.NoError(t, v.Validate())
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "12", v.MatchedIssue.ID)
	assert.InDelta(t, 1.0, v.SimilarityScore, 1e-9)
	assert.InDelta(t, 1.0, v.ConfidenceScore, 1e-9)
	require.Len(t, v.Reasons, 2)
	assert.Contains(t, v.Reasons[1], "shared terms:")
}

func TestLexicalUnrelatedIsNotDuplicate(t *testing.T) {
	event := issue("40", "Crash when uploading PNG images larger than 10MB", "", time.Hour)
	unrelated := issue("13", "Dark mode toggle missing from settings page", "", 0)

	v, err := NewLexicalDeduplicator(0.7).CheckDuplicate(context.Background(), event, []types.IssueEvent{unrelated})
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
	assert.Nil(t, v.MatchedIssue)
	assert.Equal(t, 0.0, v.SimilarityScore)
}

func TestLexicalTieGoesToOldest(t *testing.T) {
	title := "Login button does nothing on Safari"
	newer := issue("8", title, "", 2*time.Minute)
	older := issue("9", title, "", time.Minute)
	event := issue("20", title, "", time.Hour)

	v, err := NewLexicalDeduplicator(0.7).CheckDuplicate(context.Background(), event, []types.IssueEvent{newer, older})
	require.NoError(t, err)
	require.NotNil(t, v.MatchedIssue)
	assert.Equal(t, "9", v.MatchedIssue.ID)
}

func TestTerms(t *testing.T) {
	got := Terms("The parser FAILS on paths, with spaces!")
	assert.Equal(t, []string{"parser", "fails", "paths", "spaces", "parser fails", "fails paths", "paths spaces"}, got)
}

func TestAIDeduplicatorFindsSemanticDuplicate(t *testing.T) {
	existing := issue("12", "CLI argument parsing fails with special characters",
		"Passing a path such as \"My Documents/report.txt\" splits it at the space and the command fails.", 0)
	other := issue("15", "Add YAML output format", "", time.Minute)
	event := issue("31", "Argument parser fails with paths containing spaces",
		"Running the tool on a directory with a space in its name reports 'file not found'.", time.Hour)

	completer := &scriptedCompleter{results: map[string]batchResult{
		"12": {IsDuplicate: true, Similarity: 0.86, Confidence: 0.9, Reasoning: "Both describe paths with spaces being split by the argument parser."},
	}}
	engine, err := NewAIDeduplicator(completer, DefaultConfig())
	require.NoError(t, err)

	v := NewGate(engine, DefaultConfig()).Check(context.Background(), event, []types.IssueEvent{existing, other})
	assert.True(t, v.IsDuplicate)
	assert.GreaterOrEqual(t, v.SimilarityScore, 0.7)
	require.NotNil(t, v.MatchedIssue)
	assert.Equal(t, "12", v.MatchedIssue.ID)
	assert.Equal(t, "CLI argument parsing fails with special characters", v.MatchedIssue.Title)
	assert.Empty(t, v.Error)
	assert.Equal(t, 1, completer.calls)
}

func TestAIDeduplicatorBatchesCandidates(t *testing.T) {
	var candidates []types.IssueEvent
	for i := 0; i < 25; i++ {
		candidates = append(candidates, issue(fmt.Sprint(100+i), fmt.Sprintf("Unrelated issue %d", i), "", time.Duration(i)*time.Minute))
	}
	completer := &scriptedCompleter{results: map[string]batchResult{
		"121": {IsDuplicate: true, Similarity: 0.92, Confidence: 0.8, Reasoning: "same"},
	}}
	engine, err := NewAIDeduplicator(completer, DefaultConfig())
	require.NoError(t, err)

	v, err := engine.CheckDuplicate(context.Background(), issue("500", "New issue title", "", time.Hour), candidates)
	require.NoError(t, err)
	assert.Equal(t, 3, completer.calls)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, "121", v.MatchedIssue.ID)
	assert.Equal(t, 25, v.ComparedCount)
}

// cancellingCompleter cancels the caller's context during its first call
// and records whether the call's own context was still live.
type cancellingCompleter struct {
	cancel   context.CancelFunc
	calls    int
	liveCall bool
}

func (c *cancellingCompleter) Complete(ctx context.Context, _ string, req ai.Request) (string, error) {
	c.calls++
	c.cancel()
	c.liveCall = ctx.Err() == nil
	var parts []string
	for _, m := range issueIDRegex.FindAllStringSubmatch(req.Prompt, -1) {
		parts = append(parts, fmt.Sprintf(`{"issue_id": %q, "similarity": 0.1, "confidence": 0.9}`, m[1]))
	}
	return `{"results": [` + strings.Join(parts, ",") + `]}`, nil
}

func TestAIDeduplicatorStopsBetweenBatchesWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	completer := &cancellingCompleter{cancel: cancel}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	engine, err := NewAIDeduplicator(completer, cfg)
	require.NoError(t, err)

	candidates := []types.IssueEvent{issue("1", "Crash on save", "", 0), issue("2", "Crash on load", "", time.Minute)}
	_, err = engine.CheckDuplicate(ctx, issue("3", "Crash on export", "", time.Hour), candidates)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, completer.calls)
	assert.True(t, completer.liveCall, "the call in flight keeps its context")
}

func TestAIDeduplicatorErrors(t *testing.T) {
	candidates := []types.IssueEvent{issue("1", "Crash on save", "", 0), issue("2", "Crash on load", "", 0)}
	event := issue("3", "Crash on export", "", time.Hour)

	tests := []struct {
		name      string
		completer *scriptedCompleter
		errPart   string
	}{
		{"call fails", &scriptedCompleter{err: errors.New("connection refused")}, "connection refused"},
		{"garbage", &scriptedCompleter{raw: "I cannot help with that"}, "failed to parse"},
		{"too few results", &scriptedCompleter{raw: `{"results": []}`}, "insufficient results"},
		{"bad similarity", &scriptedCompleter{raw: `{"results": [{"issue_id": "1", "similarity": 3, "confidence": 0.5}, {"issue_id": "2", "similarity": 0.1, "confidence": 0.5}]}`}, "invalid similarity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewAIDeduplicator(tt.completer, DefaultConfig())
			require.NoError(t, err)
			_, err = engine.CheckDuplicate(context.Background(), event, candidates)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestNewAIDeduplicatorValidation(t *testing.T) {
	_, err := NewAIDeduplicator(nil, DefaultConfig())
	assert.ErrorContains(t, err, "completer cannot be nil")

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	_, err = NewAIDeduplicator(&scriptedCompleter{}, cfg)
	assert.ErrorContains(t, err, "invalid config")
}

func TestEarlierThan(t *testing.T) {
	a := issue("a", "A", "", 0)
	b := issue("b", "B", "", time.Minute)
	c := issue("c", "C", "", 2*time.Minute)
	sameTime := issue("bb", "BB", "", time.Minute)

	assert.Empty(t, EarlierThan(a, []types.IssueEvent{a, b, c}))
	assert.Equal(t, []types.IssueEvent{a}, EarlierThan(b, []types.IssueEvent{a, b, c}))
	assert.Equal(t, []types.IssueEvent{a, b}, EarlierThan(c, []types.IssueEvent{a, b, c}))
	assert.Equal(t, []types.IssueEvent{a, b}, EarlierThan(sameTime, []types.IssueEvent{a, b, c}))
	assert.Equal(t, []types.IssueEvent{a}, EarlierThan(b, []types.IssueEvent{a, sameTime}))
}

func TestChainsResolveToOldest(t *testing.T) {
	chains := NewChains()
	require.NoError(t, chains.Link("B", "A"))
	require.NoError(t, chains.Link("C", "B"))

	assert.Equal(t, "A", chains.Canonical("C"))
	assert.Equal(t, "A", chains.Canonical("B"))
	assert.Equal(t, "A", chains.Canonical("A"))
	assert.Equal(t, []string{"C", "B", "A"}, chains.Path("C"))
	assert.True(t, chains.IsDuplicate("C"))
	assert.False(t, chains.IsDuplicate("A"))
	assert.Equal(t, 2, chains.Len())
}

func TestChainsRejectCycles(t *testing.T) {
	chains := NewChains()
	require.NoError(t, chains.Link("B", "A"))
	require.NoError(t, chains.Link("C", "B"))

	assert.ErrorContains(t, chains.Link("A", "C"), "cycle")
	assert.ErrorContains(t, chains.Link("A", "A"), "itself")
	assert.ErrorContains(t, chains.Link("C", "A"), "already linked")
	require.NoError(t, chains.Link("C", "B"), "relinking to the same original is a no-op")
	assert.Equal(t, "A", chains.Canonical("C"))
}
