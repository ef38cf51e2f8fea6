// Package report renders triage outcomes as tracker comments and publishes
// them, at most one comment per report kind per run.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/triage/internal/types"
)

// Kind identifies the terminal stage a comment reports on
type Kind string

const (
	KindSecurityBlock   Kind = "security-block"
	KindSecurityWarning Kind = "security-warning"
	KindDuplicate       Kind = "duplicate"
	KindAnalysis        Kind = "analysis"
)

// Marker is the hidden HTML comment that opens every report, so reports can
// be recognized in an issue's comment history.
func Marker(kind Kind) string {
	return fmt.Sprintf("<!-- issue-triage:%s -->", kind)
}

// SecurityDetails is what the security reports show
type SecurityDetails struct {
	Verdict     types.SecurityVerdict
	BypassLabel string
	Excerpt     string // issue text with matched patterns filtered out
}

var riskEmoji = map[types.RiskLevel]string{
	types.RiskSafe:     "⚪",
	types.RiskLow:      "🟢",
	types.RiskMedium:   "🟡",
	types.RiskHigh:     "🟠",
	types.RiskCritical: "🔴",
}

// SecurityBlock renders the comment for an issue that was stopped.
func SecurityBlock(d SecurityDetails) string {
	var b strings.Builder
	b.WriteString(Marker(KindSecurityBlock) + "\n")
	b.WriteString("## 🛡️ Automated triage blocked\n\n")
	b.WriteString("This issue contains text that looks like an attempt to manipulate the automated triage assistant, ")
	b.WriteString("so it was not analyzed.\n\n")
	writeSecurityTable(&b, d.Verdict)
	if d.Excerpt != "" {
		b.WriteString("\n<details>\n<summary><b>Filtered excerpt</b></summary>\n\n```\n")
		b.WriteString(d.Excerpt)
		b.WriteString("\n```\n\n</details>\n")
	}
	fmt.Fprintf(&b, "\nIf this is a false positive, a maintainer can add the `%s` label to run triage anyway.\n", d.BypassLabel)
	return b.String()
}

// SecurityWarning renders the non-blocking notice for low and medium risk.
func SecurityWarning(d SecurityDetails) string {
	var b strings.Builder
	b.WriteString(Marker(KindSecurityWarning) + "\n")
	b.WriteString("## ⚠️ Security notice\n\n")
	b.WriteString("Some text in this issue resembles prompt-injection patterns. Triage continued; ")
	b.WriteString("the findings below are for maintainer review.\n\n")
	writeSecurityTable(&b, d.Verdict)
	return b.String()
}

func writeSecurityTable(b *strings.Builder, v types.SecurityVerdict) {
	b.WriteString("| Risk | Confidence | Signals |\n|------|------------|---------|\n")
	signals := "-"
	if len(v.Patterns) > 0 {
		quoted := make([]string, len(v.Patterns))
		for i, p := range v.Patterns {
			quoted[i] = "`" + p + "`"
		}
		signals = strings.Join(quoted, ", ")
	}
	fmt.Fprintf(b, "| %s %s | %d%% | %s |\n", riskEmoji[v.RiskLevel], strings.ToUpper(v.RiskLevel.String()),
		percent(v.Confidence), signals)
}

// Duplicate renders the comment pointing at the matched issue. canonical,
// when set and different from the match, is the oldest issue of the
// duplicate chain.
func Duplicate(v types.DuplicateVerdict, canonical *types.IssueRef) string {
	var b strings.Builder
	b.WriteString(Marker(KindDuplicate) + "\n")
	b.WriteString("## 🔁 Possible duplicate\n\n")
	if v.MatchedIssue != nil {
		ref := issueLink(*v.MatchedIssue)
		fmt.Fprintf(&b, "This issue looks like a duplicate of %s: **%s**\n\n", ref, v.MatchedIssue.Title)
		if canonical != nil && canonical.ID != v.MatchedIssue.ID {
			fmt.Fprintf(&b, "That issue is itself a duplicate; the original report is %s.\n\n", issueLink(*canonical))
		}
	}
	fmt.Fprintf(&b, "📊 **Similarity:** `%d%%`  \n", percent(v.SimilarityScore))
	fmt.Fprintf(&b, "🎯 **Confidence:** `%d%%`\n", percent(v.ConfidenceScore))
	if len(v.Reasons) > 0 {
		b.WriteString("\n### Why\n\n")
		for _, r := range v.Reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	b.WriteString("\nIf this is not a duplicate, please say so in a comment and a maintainer will take a look.\n")
	return b.String()
}

// AnalysisMeta carries run facts shown alongside an analysis
type AnalysisMeta struct {
	Attempts   int
	LowQuality bool
	Reasons    []string
	Generated  time.Time
}

var severityBadge = map[types.Severity]string{
	types.SeverityCritical: "🔴",
	types.SeverityHigh:     "🟠",
	types.SeverityMedium:   "🟡",
	types.SeverityLow:      "🟢",
}

var typeBadge = map[types.IssueType]string{
	types.TypeBug:            "🐛",
	types.TypeEnhancement:    "✨",
	types.TypeFeatureRequest: "🚀",
	types.TypeDocumentation:  "📚",
	types.TypeQuestion:       "❓",
}

// Analysis renders the full analysis report.
func Analysis(title string, r *types.AnalysisResult, meta AnalysisMeta) string {
	var b strings.Builder
	b.WriteString(Marker(KindAnalysis) + "\n")
	b.WriteString("# 🤖 Issue Analysis\n\n")
	fmt.Fprintf(&b, "**Issue:** %s\n\n", title)

	typeEmoji, ok := typeBadge[r.IssueType]
	if !ok {
		typeEmoji = "📋"
	}
	sevEmoji, ok := severityBadge[r.Severity]
	if !ok {
		sevEmoji = "⚪"
	}
	fmt.Fprintf(&b, "%s **Type:** `%s`  \n", typeEmoji, strings.ToUpper(string(r.IssueType)))
	fmt.Fprintf(&b, "%s **Severity:** `%s`  \n", sevEmoji, strings.ToUpper(string(r.Severity)))
	fmt.Fprintf(&b, "📊 **Confidence:** `%d%%`", percent(r.ConfidenceScore))
	if !meta.Generated.IsZero() {
		fmt.Fprintf(&b, "  \n⏰ **Generated:** `%s`", meta.Generated.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	b.WriteString("\n\n")

	if meta.LowQuality {
		fmt.Fprintf(&b, "> [!NOTE]\n> This analysis did not meet the quality bar after %d attempts", meta.Attempts)
		if len(meta.Reasons) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(meta.Reasons, "; "))
		}
		b.WriteString(". Treat it as a starting point.\n\n")
	}

	b.WriteString("---\n\n## 📝 Summary\n\n")
	b.WriteString(r.Summary + "\n\n")

	b.WriteString("## 🔍 Root Cause\n\n")
	b.WriteString("> " + strings.ReplaceAll(r.RootCause, "\n", "\n> ") + "\n\n")

	if len(r.AffectedComponents) > 0 {
		b.WriteString("<details>\n<summary><b>Affected Components</b></summary>\n\n")
		for _, c := range r.AffectedComponents {
			fmt.Fprintf(&b, "- `%s`\n", c)
		}
		b.WriteString("\n</details>\n\n")
	}

	if len(r.CodeLocations) > 0 {
		b.WriteString("<details>\n<summary><b>Related Code Locations</b></summary>\n\n")
		b.WriteString("| File | Line | Class | Function |\n|------|------|-------|----------|\n")
		for _, loc := range r.CodeLocations {
			line := "-"
			if loc.LineNumber > 0 {
				line = fmt.Sprint(loc.LineNumber)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", code(loc.FilePath), line, code(loc.ClassName), code(loc.FunctionName))
		}
		b.WriteString("\n</details>\n\n")
	}

	if len(r.ProposedSolutions) > 0 {
		b.WriteString("## 💡 Proposed Solutions\n\n")
		for i, s := range r.ProposedSolutions {
			if len(r.ProposedSolutions) > 1 {
				fmt.Fprintf(&b, "### Solution %d\n\n", i+1)
			}
			fmt.Fprintf(&b, "**%s**\n\n", s.Description)
			if s.Location != "" {
				fmt.Fprintf(&b, "📍 %s\n\n", code(s.Location))
			}
			if s.Change != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.TrimRight(s.Change, "\n"))
			}
			if s.Rationale != "" {
				fmt.Fprintf(&b, "_%s_\n\n", s.Rationale)
			}
		}
	}

	b.WriteString("---\n<sub>Generated by automated issue triage. Labels were applied from this analysis.</sub>\n")
	return b.String()
}

func issueLink(ref types.IssueRef) string {
	if ref.URL != "" {
		return fmt.Sprintf("[#%s](%s)", ref.ID, ref.URL)
	}
	return "#" + ref.ID
}

func percent(f float64) int {
	return int(f*100 + 0.5)
}

func code(s string) string {
	if s == "" {
		return "-"
	}
	return "`" + s + "`"
}
