package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelOrdering(t *testing.T) {
	assert.True(t, RiskSafe < RiskLow)
	assert.True(t, RiskLow < RiskMedium)
	assert.True(t, RiskMedium < RiskHigh)
	assert.True(t, RiskHigh < RiskCritical)

	assert.False(t, RiskSafe.Blocks())
	assert.False(t, RiskMedium.Blocks())
	assert.True(t, RiskHigh.Blocks())
	assert.True(t, RiskCritical.Blocks())

	assert.False(t, RiskSafe.Warns())
	assert.True(t, RiskLow.Warns())
	assert.True(t, RiskMedium.Warns())
	assert.False(t, RiskHigh.Warns())
}

func TestParseRiskLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    RiskLevel
		wantErr bool
	}{
		{"safe", RiskSafe, false},
		{"none", RiskSafe, false},
		{"LOW", RiskLow, false},
		{"moderate", RiskMedium, false},
		{"high-risk", RiskHigh, false},
		{" critical ", RiskCritical, false},
		{"severe", RiskSafe, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRiskLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSecurityVerdictEncodesRiskAsName(t *testing.T) {
	data, err := json.Marshal(SecurityVerdict{HasInjection: true, RiskLevel: RiskHigh})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"risk_level":"high"`)
}

func TestNewIssueEventCopiesLabels(t *testing.T) {
	labels := []string{"bug"}
	ev := NewIssueEvent("1", "title", "", labels, time.Now())
	labels[0] = "changed"

	assert.Equal(t, []string{"bug"}, ev.Labels)
	assert.True(t, ev.HasLabel("bug"))
	assert.False(t, ev.HasLabel("Bug"), "label lookup is case-sensitive")
}

func TestWithBodyLeavesOriginalUntouched(t *testing.T) {
	ev := NewIssueEvent("1", "title", "original", []string{"a"}, time.Now())
	clean := ev.WithBody("cleaned")

	assert.Equal(t, "original", ev.Body)
	assert.Equal(t, "cleaned", clean.Body)
	clean.Labels[0] = "b"
	assert.Equal(t, "a", ev.Labels[0])
}

func TestSortByCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []IssueEvent{
		{ID: "c", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
		{ID: "d", CreatedAt: base.Add(time.Hour)},
	}

	SortByCreation(events)

	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids)
}

func TestAnalysisResultNormalize(t *testing.T) {
	a := AnalysisResult{
		IssueType:       "Feature-Request",
		Severity:        " HIGH",
		ConfidenceScore: 85,
	}
	a.Normalize()

	assert.Equal(t, TypeFeatureRequest, a.IssueType)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.InDelta(t, 0.85, a.ConfidenceScore, 1e-9)
	assert.NoError(t, a.Validate())
}

func TestAnalysisResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  AnalysisResult
		wantErr string
	}{
		{
			name:   "valid",
			result: AnalysisResult{IssueType: TypeBug, Severity: SeverityLow, ConfidenceScore: 0.7},
		},
		{
			name:    "unknown type",
			result:  AnalysisResult{IssueType: "epic", Severity: SeverityLow},
			wantErr: "invalid issue type",
		},
		{
			name:    "unknown severity",
			result:  AnalysisResult{IssueType: TypeTask, Severity: "urgent"},
			wantErr: "invalid severity",
		},
		{
			name:    "confidence out of range",
			result:  AnalysisResult{IssueType: TypeTask, Severity: SeverityLow, ConfidenceScore: 1.5},
			wantErr: "confidence_score",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuplicateVerdictValidate(t *testing.T) {
	v := DuplicateVerdict{IsDuplicate: true, SimilarityScore: 0.9}
	assert.Error(t, v.Validate(), "duplicate without a match is invalid")

	v.MatchedIssue = &IssueRef{ID: "7"}
	assert.NoError(t, v.Validate())
}

func TestDecodeIssuesAcceptsFieldAliases(t *testing.T) {
	data := []byte(`[
		{"number": 12, "title": "Crash on save", "body": "stack trace", "state": "open",
		 "created_at": "2024-03-01T10:00:00Z", "html_url": "https://example.com/12",
		 "labels": [{"name": "bug"}, {"name": "ui"}]},
		{"issue_id": "13", "title": "Docs typo", "description": "see README", "status": "closed",
		 "created_date": "2024-03-02", "url": "https://example.com/13", "labels": ["docs"]}
	]`)

	events, err := DecodeIssues(data)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "12", events[0].ID)
	assert.Equal(t, "stack trace", events[0].Body)
	assert.Equal(t, []string{"bug", "ui"}, events[0].Labels)
	assert.Equal(t, "https://example.com/12", events[0].URL)
	assert.True(t, events[0].IsOpen())

	assert.Equal(t, "13", events[1].ID)
	assert.Equal(t, "see README", events[1].Body)
	assert.Equal(t, StatusClosed, events[1].State)
	assert.False(t, events[1].IsOpen())
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), events[1].CreatedAt)
}

func TestDecodeIssuesWrappedObject(t *testing.T) {
	events, err := DecodeIssues([]byte(`{"issues": [{"id": 1, "title": "One"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].ID)
}

func TestDecodeIssueRejectsMissingTitle(t *testing.T) {
	_, err := DecodeIssue([]byte(`{"id": 5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title is required")
}
