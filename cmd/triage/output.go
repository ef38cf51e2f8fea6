package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/analysis"
	"github.com/steveyegge/triage/internal/batch"
	"github.com/steveyegge/triage/internal/labels"
	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/security"
	"github.com/steveyegge/triage/internal/storage/sqlite"
	"github.com/steveyegge/triage/internal/tracker"
	"github.com/steveyegge/triage/internal/types"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// emit writes v as JSON with --format json, otherwise calls text
func emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if formatArg == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func outcomeIcon(o pipeline.Outcome) string {
	switch o {
	case pipeline.OutcomeDone:
		return green("✓")
	case pipeline.OutcomeBlocked:
		return red("⛔")
	case pipeline.OutcomeDuplicate:
		return yellow("≡")
	case pipeline.OutcomeAborted:
		return gray("○")
	}
	return red("✗")
}

func riskText(r types.RiskLevel) string {
	switch {
	case r.Blocks():
		return red(r.String())
	case r.Warns():
		return yellow(r.String())
	}
	return green(r.String())
}

func printRun(w io.Writer, r *pipeline.RunResult) {
	fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== Issue #%s ===", r.IssueID)))
	fmt.Fprintf(w, "%s %s  (run %s, %dms)\n", outcomeIcon(r.Outcome), r.State, r.RunID, r.DurationMS)

	path := make([]string, 0, len(r.Transitions)+1)
	path = append(path, pipeline.StateStart.String())
	for _, t := range r.Transitions {
		path = append(path, t.To.String())
	}
	fmt.Fprintf(w, "  %s\n", gray(strings.Join(path, " → ")))

	if s := r.Security; s != nil {
		fmt.Fprintf(w, "\n%s\n", yellow("Security:"))
		fmt.Fprintf(w, "  Risk:       %s (%.0f%% confidence)\n", riskText(s.Verdict.RiskLevel), s.Verdict.Confidence*100)
		if len(s.Verdict.Patterns) > 0 {
			fmt.Fprintf(w, "  Signals:    %s\n", strings.Join(s.Verdict.Patterns, ", "))
		}
		if s.Bypassed {
			fmt.Fprintf(w, "  %s\n", yellow("Bypass label present, not enforced"))
		}
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s %s\n", yellow("failed open:"), e)
		}
	}

	if d := r.Duplicate; d != nil {
		fmt.Fprintf(w, "\n%s\n", yellow("Duplicates:"))
		printDuplicateVerdict(w, d.Verdict)
		if d.Canonical != nil && (d.Verdict.MatchedIssue == nil || d.Canonical.ID != d.Verdict.MatchedIssue.ID) {
			fmt.Fprintf(w, "  Canonical:  #%s %s\n", d.Canonical.ID, d.Canonical.Title)
		}
	}

	if a := r.Analysis; a != nil {
		fmt.Fprintf(w, "\n%s\n", yellow("Analysis:"))
		if a.Error != "" {
			fmt.Fprintf(w, "  %s %s\n", red("✗"), a.Error)
		} else if a.Result != nil {
			printAnalysisResult(w, a.Result, a.Attempts, a.LowQuality, a.Reasons)
		}
	}

	printLabels(w, r.Labels)
	if len(r.Comments) > 0 {
		kinds := make([]string, 0, len(r.Comments))
		for _, k := range r.Comments {
			kinds = append(kinds, string(k))
		}
		fmt.Fprintf(w, "\n%s %s\n", yellow("Comments:"), strings.Join(kinds, ", "))
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "%s %s\n", yellow("⚠"), warn)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "%s %s\n", red("Error:"), r.Error)
	}
}

func printLabels(w io.Writer, rep labels.Report) {
	if len(rep.Attached) == 0 && len(rep.Created) == 0 && len(rep.Warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", yellow("Labels:"))
	if len(rep.Attached) > 0 {
		fmt.Fprintf(w, "  Attached:   %s\n", strings.Join(rep.Attached, ", "))
	}
	if len(rep.Created) > 0 {
		fmt.Fprintf(w, "  Created:    %s\n", strings.Join(rep.Created, ", "))
	}
	if len(rep.Existing) > 0 {
		fmt.Fprintf(w, "  Existing:   %s\n", strings.Join(rep.Existing, ", "))
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  %s %s\n", yellow("⚠"), warn)
	}
}

func printDuplicateVerdict(w io.Writer, v types.DuplicateVerdict) {
	switch {
	case v.Error != "":
		fmt.Fprintf(w, "  %s %s (compared %d)\n", yellow("failed open:"), v.Error, v.ComparedCount)
	case v.IsDuplicate && v.MatchedIssue != nil:
		fmt.Fprintf(w, "  %s duplicate of #%s %s\n", yellow("≡"), v.MatchedIssue.ID, v.MatchedIssue.Title)
		fmt.Fprintf(w, "  Similarity: %.2f  Confidence: %.2f\n", v.SimilarityScore, v.ConfidenceScore)
	default:
		fmt.Fprintf(w, "  %s no duplicate among %d candidates\n", green("✓"), v.ComparedCount)
	}
	for _, r := range v.Reasons {
		fmt.Fprintf(w, "    - %s\n", r)
	}
}

func printAnalysisResult(w io.Writer, r *types.AnalysisResult, attempts int, lowQuality bool, reasons []string) {
	fmt.Fprintf(w, "  Type:       %s\n", r.IssueType)
	fmt.Fprintf(w, "  Severity:   %s\n", r.Severity)
	fmt.Fprintf(w, "  Confidence: %.0f%% after %d attempt(s)\n", r.ConfidenceScore*100, attempts)
	if r.Summary != "" {
		fmt.Fprintf(w, "  Summary:    %s\n", r.Summary)
	}
	if r.RootCause != "" {
		fmt.Fprintf(w, "  Root cause: %s\n", r.RootCause)
	}
	if len(r.AffectedComponents) > 0 {
		fmt.Fprintf(w, "  Components: %s\n", strings.Join(r.AffectedComponents, ", "))
	}
	for _, loc := range r.CodeLocations {
		fmt.Fprintf(w, "    at %s\n", loc)
	}
	for i, s := range r.ProposedSolutions {
		fmt.Fprintf(w, "  %d. %s\n", i+1, s.Description)
	}
	if lowQuality {
		fmt.Fprintf(w, "  %s %s\n", yellow("low quality:"), strings.Join(reasons, "; "))
	}
}

func printSecurity(w io.Writer, res security.Result, bypassed bool) {
	v := res.Verdict
	fmt.Fprintf(w, "Risk:       %s (%.0f%% confidence)\n", riskText(v.RiskLevel), v.Confidence*100)
	if len(v.Patterns) > 0 {
		fmt.Fprintf(w, "Signals:    %s\n", strings.Join(v.Patterns, ", "))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "%s %s\n", yellow("failed open:"), e)
	}
	switch {
	case !v.HasInjection:
		fmt.Fprintf(w, "%s proceed\n", green("✓"))
	case bypassed:
		fmt.Fprintf(w, "%s bypass label present, would proceed without enforcement\n", yellow("⚠"))
	case v.RiskLevel.Blocks():
		fmt.Fprintf(w, "%s would block\n", red("⛔"))
	default:
		fmt.Fprintf(w, "%s would warn and proceed\n", yellow("⚠"))
	}
}

func printAnalysis(w io.Writer, o *analysis.Outcome) {
	printAnalysisResult(w, o.Result, o.Attempts, o.LowQuality, o.Reasons)
}

func printBatch(w io.Writer, sum *batch.Summary) {
	fmt.Fprintf(w, "\n%s\n", cyan("=== Batch ==="))
	for _, r := range sum.Results {
		line := fmt.Sprintf("  %s #%-6s %s", outcomeIcon(r.Outcome), r.IssueID, r.State)
		if canon, ok := sum.Canonical[r.IssueID]; ok {
			line += gray(fmt.Sprintf("  (canonical #%s)", canon))
		}
		if r.Error != "" {
			line += "  " + red(r.Error)
		}
		fmt.Fprintln(w, line)
	}

	outcomes := make([]string, 0, len(sum.Counts))
	for o := range sum.Counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s=%d", o, sum.Counts[pipeline.Outcome(o)]))
	}
	fmt.Fprintf(w, "\nTotal: %d run(s) in %s  %s\n", len(sum.Results), sum.Duration.Round(time.Millisecond),
		strings.Join(parts, " "))
	if sum.Skipped > 0 {
		fmt.Fprintf(w, "%s\n", gray(fmt.Sprintf("Skipped %d closed issue(s)", sum.Skipped)))
	}
}

func printRuns(w io.Writer, runs []sqlite.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "%s\n", gray("No runs recorded"))
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s %s  #%-6s %-16s %6dms  %s\n", outcomeIcon(r.Outcome),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.IssueID, r.State, r.DurationMS, gray(r.RunID))
		if r.Error != "" {
			fmt.Fprintf(w, "    %s\n", red(r.Error))
		}
	}
}

// printDryRun shows what a dry run would have written to the tracker
func printDryRun(w io.Writer, mem *tracker.Memory, issueID string) {
	comments := mem.Comments(issueID)
	fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== Dry run: %d comment(s) not posted ===", len(comments))))
	for _, c := range comments {
		fmt.Fprintf(w, "\n%s\n", c)
	}
}
