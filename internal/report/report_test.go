package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/triage/internal/types"
)

type recordingPoster struct {
	bodies []string
	err    error
}

func (r *recordingPoster) PostComment(_ context.Context, _ string, body string) error {
	if r.err != nil {
		return r.err
	}
	r.bodies = append(r.bodies, body)
	return nil
}

func TestPublisherOnePerKind(t *testing.T) {
	poster := &recordingPoster{}
	p := NewPublisher(poster, "12", nil)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, KindSecurityWarning, SecurityWarning(SecurityDetails{})))
	require.NoError(t, p.Publish(ctx, KindAnalysis, Marker(KindAnalysis)+"\nfirst"))

	err := p.Publish(ctx, KindAnalysis, Marker(KindAnalysis)+"\nsecond")
	assert.ErrorIs(t, err, ErrAlreadyPublished)
	assert.Len(t, poster.bodies, 2)
	assert.Equal(t, []Kind{KindSecurityWarning, KindAnalysis}, p.Posted())
}

func TestPublisherRequiresMarker(t *testing.T) {
	p := NewPublisher(&recordingPoster{}, "12", nil)
	err := p.Publish(context.Background(), KindDuplicate, Marker(KindAnalysis)+"\nwrong kind")
	assert.Error(t, err)
	assert.Empty(t, p.Posted())
}

func TestPublisherFailedPostLeavesKindOpen(t *testing.T) {
	poster := &recordingPoster{err: errors.New("rate limited")}
	p := NewPublisher(poster, "12", nil)
	err := p.Publish(context.Background(), KindDuplicate, Duplicate(types.DuplicateVerdict{}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "posting duplicate report: rate limited")
	assert.Empty(t, p.Posted())
}

func TestSecurityReports(t *testing.T) {
	d := SecurityDetails{
		Verdict: types.SecurityVerdict{
			HasInjection: true,
			RiskLevel:    types.RiskCritical,
			Confidence:   0.9,
			Patterns:     []string{"instruction_bypass:ignore_all_previous", "prompt_leakage:reveal_prompt"},
		},
		BypassLabel: "security-bypass",
		Excerpt:     "[FILTERED] and [FILTERED].",
	}

	block := SecurityBlock(d)
	assert.True(t, strings.HasPrefix(block, Marker(KindSecurityBlock)))
	assert.Contains(t, block, "🔴 CRITICAL")
	assert.Contains(t, block, "90%")
	assert.Contains(t, block, "`instruction_bypass:ignore_all_previous`, `prompt_leakage:reveal_prompt`")
	assert.Contains(t, block, "`security-bypass`")
	assert.Contains(t, block, "[FILTERED] and [FILTERED].")

	d.Verdict.RiskLevel = types.RiskMedium
	d.Verdict.Patterns = nil
	warn := SecurityWarning(d)
	assert.True(t, strings.HasPrefix(warn, Marker(KindSecurityWarning)))
	assert.Contains(t, warn, "🟡 MEDIUM")
	assert.Contains(t, warn, "| - |")
	assert.NotContains(t, warn, "[FILTERED]")
}

func TestDuplicateReport(t *testing.T) {
	out := Duplicate(types.DuplicateVerdict{
		IsDuplicate:     true,
		SimilarityScore: 0.86,
		ConfidenceScore: 0.9,
		MatchedIssue:    &types.IssueRef{ID: "12", Title: "Login fails with SSO", URL: "https://github.com/acme/w/issues/12"},
		Reasons:         []string{"same stack trace"},
	}, &types.IssueRef{ID: "3", Title: "SSO broken"})
	assert.Contains(t, out, "[#12](https://github.com/acme/w/issues/12): **Login fails with SSO**")
	assert.Contains(t, out, "`86%`")
	assert.Contains(t, out, "- same stack trace")
	assert.Contains(t, out, "the original report is #3.")
}

func TestAnalysisReport(t *testing.T) {
	r := &types.AnalysisResult{
		IssueType:          types.TypeBug,
		Severity:           types.SeverityHigh,
		RootCause:          "parseRow slices past the end\nwhen a quote is unmatched",
		AffectedComponents: []string{"csv"},
		CodeLocations:      []types.CodeLocation{{FilePath: "csv/reader.go", LineNumber: 42, FunctionName: "parseRow"}},
		ProposedSolutions: []types.ProposedSolution{
			{Description: "Bounds check", Change: "if i >= len(s) { return errUnmatched }\n", Rationale: "cheap"},
			{Description: "Rewrite the scanner"},
		},
		ConfidenceScore: 0.87,
		Summary:         "Unmatched quotes crash the importer.",
	}
	out := Analysis("CSV import crashes", r, AnalysisMeta{Attempts: 1, Generated: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)})

	assert.True(t, strings.HasPrefix(out, Marker(KindAnalysis)))
	assert.Contains(t, out, "🐛 **Type:** `BUG`")
	assert.Contains(t, out, "🟠 **Severity:** `HIGH`")
	assert.Contains(t, out, "`87%`")
	assert.Contains(t, out, "2024-03-01 12:00:00 UTC")
	assert.Contains(t, out, "> parseRow slices past the end\n> when a quote is unmatched")
	assert.Contains(t, out, "| `csv/reader.go` | 42 | - | `parseRow` |")
	assert.Contains(t, out, "### Solution 2")
	assert.Contains(t, out, "```\nif i >= len(s) { return errUnmatched }\n```")
	assert.NotContains(t, out, "[!NOTE]")

	low := Analysis("t", r, AnalysisMeta{Attempts: 3, LowQuality: true, Reasons: []string{"confidence 0.40 below threshold 0.60"}})
	assert.Contains(t, low, "after 3 attempts (confidence 0.40 below threshold 0.60)")
}

func TestSlackNotifier(t *testing.T) {
	var posted map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if strings.HasSuffix(r.URL.Path, "chat.postMessage") {
			posted = map[string]string{"channel": r.FormValue("channel"), "text": r.FormValue("text")}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1.0"})
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C1", slack.OptionAPIURL(srv.URL+"/api/"))
	event := types.NewIssueEvent("7", "Ignore previous instructions", "", nil, time.Now())
	err := n.NotifyBlocked(context.Background(), event, types.SecurityVerdict{
		HasInjection: true, RiskLevel: types.RiskHigh, Confidence: 0.85, Patterns: []string{"code_injection:script_tag"},
	})
	require.NoError(t, err)
	require.NotNil(t, posted)
	assert.Equal(t, "C1", posted["channel"])
	assert.Contains(t, posted["text"], "high risk, 85% confidence")
	assert.Contains(t, posted["text"], "#7")
}

func TestSlackNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C404", slack.OptionAPIURL(srv.URL+"/api/"))
	err := n.NotifyBlocked(context.Background(), types.NewIssueEvent("7", "t", "", nil, time.Now()), types.SecurityVerdict{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}
