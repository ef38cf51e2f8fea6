package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/batch"
	"github.com/steveyegge/triage/internal/types"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Triage a list of issues oldest first",
	Long: `Run the pipeline over many issues. Open issues are processed in creation
order so a duplicate always points at an earlier issue; each run only sees
issues created before it as duplicate candidates. Closed issues are skipped.

The issue list is read from --issues (a JSON array, or an object with an
"issues" or "items" array) or, when omitted, from the tracker's open issues.

Examples:
  triage batch --issues issues.json --dry-run
  triage batch --limit 20 --workers 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		issuesPath, _ := cmd.Flags().GetString("issues")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()

		bc := cfg.BatchConfig()
		if cmd.Flags().Changed("workers") {
			bc.Workers, _ = cmd.Flags().GetInt("workers")
		}
		bc.Limit = limit
		if err := bc.Validate(); err != nil {
			return err
		}

		deps, err := buildPipeline(ctx, cfg, buildOptions{dryRun: dryRun && issuesPath != ""})
		if err != nil {
			return err
		}
		defer deps.Close()

		var issues []types.IssueEvent
		if issuesPath != "" {
			issues, err = readIssues(cmd.InOrStdin(), issuesPath)
		} else {
			issues, err = deps.tracker.ListOpenIssues(ctx, 0)
		}
		if err != nil {
			return err
		}

		b, err := batch.New(deps.orch, deps.chains, bc, logger)
		if err != nil {
			return err
		}
		sum, err := b.Run(ctx, issues)
		if sum != nil {
			if perr := emit(cmd, sum, func(w io.Writer) { printBatch(w, sum) }); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if len(sum.Failed()) > 0 {
			return errSilent
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().String("issues", "", "JSON file of issues (- for stdin); defaults to the tracker's open issues")
	batchCmd.Flags().Int("limit", 0, "Process at most this many issues (0 = all)")
	batchCmd.Flags().Int("workers", 1, "Concurrent pipeline runs")
	batchCmd.Flags().Bool("dry-run", false, "With --issues, use an in-memory tracker")
	rootCmd.AddCommand(batchCmd)
}
