package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/sanitize"
	"github.com/steveyegge/triage/internal/security"
	"github.com/steveyegge/triage/internal/types"
)

// Single-stage commands. They run one gate against text given on the
// command line and never touch the tracker.

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Screen issue text for prompt injection",
	Long: `Run only the security screen and report the risk level, the signals that
fired and what the pipeline would do.

Examples:
  triage security --title "Crash on save" --body "Steps: ..."
  triage security --title "x" --body-file body.md --labels security-bypass --strict`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, body, err := issueText(cmd)
		if err != nil {
			return err
		}
		labelList, _ := cmd.Flags().GetStringSlice("labels")
		if cmd.Flags().Changed("strict") {
			cfg.Security.Strict, _ = cmd.Flags().GetBool("strict")
		}

		gate := securityGate(cfg, &lazyCompleter{ctx: cmd.Context(), cfg: cfg})
		res := gate.Check(cmd.Context(), title, body)
		bypassed := res.Verdict.HasInjection && security.ResolveBypass(labelList, cfg.Security.BypassLabel)

		out := struct {
			security.Result
			Bypassed  bool   `json:"bypassed"`
			Sanitized string `json:"sanitized,omitempty"`
		}{Result: res, Bypassed: bypassed}
		if res.Verdict.HasInjection {
			out.Sanitized = security.Sanitize(body)
		}
		return emit(cmd, out, func(w io.Writer) { printSecurity(w, res, bypassed) })
	},
}

var duplicateCmd = &cobra.Command{
	Use:   "duplicate",
	Short: "Check issue text against a list of issues for duplicates",
	Long: `Run only the duplicate gate. Candidates are the open issues in --issues
created before --created (default: now).

Examples:
  triage duplicate --title "Export drops quotes" --body "..." --issues issues.json
  triage duplicate --title "..." --issues issues.json --mode ai`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, body, err := issueText(cmd)
		if err != nil {
			return err
		}
		issuesPath, _ := cmd.Flags().GetString("issues")
		created := time.Now().UTC()
		if s, _ := cmd.Flags().GetString("created"); s != "" {
			if created, err = time.Parse(time.RFC3339, s); err != nil {
				return fmt.Errorf("invalid --created %q: %w", s, err)
			}
		}
		if cmd.Flags().Changed("mode") {
			mode, _ := cmd.Flags().GetString("mode")
			cfg.Duplicate.Mode = deduplication.Mode(mode)
		}
		cfg.Duplicate.Enabled = true
		if err := cfg.DuplicateConfig().Validate(); err != nil {
			return err
		}

		issues, err := readIssues(cmd.InOrStdin(), issuesPath)
		if err != nil {
			return err
		}
		var open []types.IssueEvent
		for _, is := range issues {
			if is.IsOpen() {
				open = append(open, is)
			}
		}

		gate, err := duplicateGate(cfg, &lazyCompleter{ctx: cmd.Context(), cfg: cfg})
		if err != nil {
			return err
		}
		event := types.NewIssueEvent("new", title, body, nil, created)
		v := gate.Check(cmd.Context(), event, deduplication.EarlierThan(event, open))
		return emit(cmd, v, func(w io.Writer) { printDuplicateVerdict(w, v) })
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze issue text against the codebase snapshot",
	Long: `Run only the analysis stage: build the prompt from the template and the
codebase snapshot, call the model and apply the quality checks and retries.

Examples:
  triage analyze --title "Crash on save" --body-file report.md
  triage analyze --title "..." --body "..." --snapshot repomix-output.txt --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, body, err := issueText(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("snapshot") {
			cfg.Analysis.SnapshotPath, _ = cmd.Flags().GetString("snapshot")
		}
		if cmd.Flags().Changed("prompt") {
			cfg.Analysis.PromptPath, _ = cmd.Flags().GetString("prompt")
		}

		stage, err := analysisStage(cfg, &lazyCompleter{ctx: cmd.Context(), cfg: cfg})
		if err != nil {
			return err
		}
		event := types.NewIssueEvent("new", title, body, nil, time.Now().UTC())
		if cfg.CleanInput {
			event.Title, event.Body = sanitize.Issue(event.Title, event.Body)
		}
		outcome, err := stage.Analyze(cmd.Context(), event)
		if err != nil {
			return err
		}
		return emit(cmd, outcome, func(w io.Writer) { printAnalysis(w, outcome) })
	},
}

func init() {
	for _, c := range []*cobra.Command{securityCmd, duplicateCmd, analyzeCmd} {
		c.Flags().String("title", "", "Issue title")
		c.Flags().String("body", "", "Issue body")
		c.Flags().String("body-file", "", "Read the issue body from a file (- for stdin)")
		_ = c.MarkFlagRequired("title")
		rootCmd.AddCommand(c)
	}
	securityCmd.Flags().StringSlice("labels", nil, "Existing issue labels, to evaluate the bypass label")
	securityCmd.Flags().Bool("strict", false, "Use strict detection thresholds")

	duplicateCmd.Flags().String("issues", "", "JSON file of existing issues (- for stdin)")
	duplicateCmd.Flags().String("created", "", "Creation time of the new issue (RFC 3339)")
	duplicateCmd.Flags().String("mode", "", "Engine: lexical or ai")
	_ = duplicateCmd.MarkFlagRequired("issues")

	analyzeCmd.Flags().String("snapshot", "", "Codebase snapshot file")
	analyzeCmd.Flags().String("prompt", "", "Custom prompt template")
}

// issueText returns the title and body flags, reading --body-file if given
func issueText(cmd *cobra.Command) (string, string, error) {
	title, _ := cmd.Flags().GetString("title")
	body, _ := cmd.Flags().GetString("body")
	if path, _ := cmd.Flags().GetString("body-file"); path != "" {
		data, err := readInput(cmd.InOrStdin(), path)
		if err != nil {
			return "", "", err
		}
		body = string(data)
	}
	if strings.TrimSpace(title) == "" {
		return "", "", fmt.Errorf("--title cannot be empty")
	}
	return title, body, nil
}
