package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/tracker"
	"github.com/steveyegge/triage/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the triage pipeline for one issue event",
	Long: `Run the full pipeline for one issue: security screen, duplicate check,
analysis, labels and report comment.

The event is a JSON issue object. Duplicate candidates come from --candidates
or, when omitted, from the tracker's open issues; only issues created before
the event are considered.

Examples:
  triage run --event issue.json
  triage run --event issue.json --candidates open-issues.json
  gh api repos/acme/widgets/issues/42 | triage run --event - --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventPath, _ := cmd.Flags().GetString("event")
		candidatesPath, _ := cmd.Flags().GetString("candidates")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := cmd.Context()

		event, err := readEvent(cmd.InOrStdin(), eventPath)
		if err != nil {
			return err
		}

		deps, err := buildPipeline(ctx, cfg, buildOptions{dryRun: dryRun})
		if err != nil {
			return err
		}
		defer deps.Close()

		var candidates []types.IssueEvent
		switch {
		case candidatesPath != "":
			if candidates, err = readIssues(cmd.InOrStdin(), candidatesPath); err != nil {
				return err
			}
		case !dryRun:
			candidates, err = deps.tracker.ListOpenIssues(ctx, 0)
			if err != nil {
				logger.Warn("listing duplicate candidates failed", "error", err)
			}
		}

		res := deps.orch.Run(ctx, event, deduplication.EarlierThan(event, candidates))
		if err := emit(cmd, res, func(w io.Writer) {
			printRun(w, res)
			if mem, ok := deps.tracker.(*tracker.Memory); ok && dryRun {
				printDryRun(w, mem, event.ID)
			}
		}); err != nil {
			return err
		}
		if res.Failed() {
			return errSilent
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("event", "", "Issue event JSON file (- for stdin)")
	runCmd.Flags().String("candidates", "", "JSON file of open issues to check for duplicates")
	runCmd.Flags().Bool("dry-run", false, "Use an in-memory tracker; nothing is labeled or commented")
	_ = runCmd.MarkFlagRequired("event")
	rootCmd.AddCommand(runCmd)
}
