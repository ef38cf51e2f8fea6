package analysis

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/steveyegge/triage/internal/types"
)

// boilerplatePhrases are what a model writes when it did not investigate.
var boilerplatePhrases = []string{
	"requires further investigation",
	"further investigation needed",
	"further investigation required",
	"needs further investigation",
	"further analysis needed",
	"further analysis required",
	"to be determined",
	"based on initial analysis",
	"analysis based on codebase review",
	"unable to analyze",
	"unable to determine",
	"manual analysis required",
	"manual review needed",
	"not enough information",
	"insufficient information",
	"unknown",
	"tbd",
	"n/a",
}

// IsBoilerplate reports whether text is empty or says nothing beyond a stock
// "not investigated" phrase (at most two other words remain once the phrase
// is removed).
func IsBoilerplate(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return true
	}
	found := false
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) {
			found = true
			lower = strings.ReplaceAll(lower, phrase, " ")
		}
	}
	if !found {
		return false
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return len(words) <= 2
}

// QualityIssues lists the reasons a result counts as low quality. An empty
// slice means the result is acceptable.
func QualityIssues(r *types.AnalysisResult, threshold float64) []string {
	if r == nil {
		return []string{"no result"}
	}
	var issues []string
	if r.ConfidenceScore < threshold {
		issues = append(issues, fmt.Sprintf("confidence %.2f below threshold %.2f", r.ConfidenceScore, threshold))
	}
	if IsBoilerplate(r.RootCause) {
		issues = append(issues, "root cause is empty or boilerplate")
	}
	if IsBoilerplate(r.Summary) {
		issues = append(issues, "summary is empty or boilerplate")
	}
	if r.IssueType == types.TypeBug && len(r.ProposedSolutions) == 0 {
		issues = append(issues, "bug report has no proposed solutions")
	}
	return issues
}
