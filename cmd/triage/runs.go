package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/storage"
	"github.com/steveyegge/triage/internal/storage/sqlite"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs",
	Long: `List runs from the run database, newest first.

Examples:
  triage runs
  triage runs --issue 42
  triage runs --failed --limit 10
  triage runs show <run-id>
  triage runs prune --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		issue, _ := cmd.Flags().GetString("issue")
		failed, _ := cmd.Flags().GetBool("failed")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		runs, err := store.ListRuns(cmd.Context(), sqlite.RunFilter{IssueID: issue, FailedOnly: failed, Limit: limit})
		if err != nil {
			return err
		}
		return emit(cmd, runs, func(w io.Writer) { printRuns(w, runs) })
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		res, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) { printRun(w, res) })
	},
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if !cmd.Flags().Changed("older-than") {
			if cfg.Retention.RetentionDays == 0 {
				return fmt.Errorf("retention is disabled; pass --older-than")
			}
			olderThan = time.Duration(cfg.Retention.RetentionDays) * 24 * time.Hour
		}
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive (got %v)", olderThan)
		}
		keepFailed := cfg.Retention.KeepFailed
		if cmd.Flags().Changed("keep-failed") {
			keepFailed, _ = cmd.Flags().GetBool("keep-failed")
		}

		store, err := storage.Open(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan), keepFailed)
		if err != nil {
			return err
		}
		return emit(cmd, map[string]int64{"removed": n}, func(w io.Writer) {
			fmt.Fprintf(w, "%s removed %d run(s) older than %s\n", green("✓"), n, olderThan)
		})
	},
}

func init() {
	runsCmd.Flags().String("issue", "", "Only runs for this issue")
	runsCmd.Flags().Bool("failed", false, "Only failed runs")
	runsCmd.Flags().Int("limit", 50, "Maximum runs to show")
	runsPruneCmd.Flags().Duration("older-than", 0, "Delete runs started longer ago than this (default: retention.retention_days)")
	runsPruneCmd.Flags().Bool("keep-failed", true, "Keep failed runs regardless of age")
	runsCmd.AddCommand(runsShowCmd, runsPruneCmd)
	rootCmd.AddCommand(runsCmd)
}
