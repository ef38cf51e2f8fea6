package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/labels"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage the triage label catalog",
}

var labelsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create every triage label that does not exist yet",
	Long: `Make sure the tracker has every label triage can apply: issue types,
severities, security risk levels, Duplicate and the bypass label. Existing
labels are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := openTracker(cfg, false)
		if err != nil {
			return err
		}
		catalog := labels.Catalog(cfg.Security.BypassLabel)
		rep := labels.NewReconciler(t, logger).Ensure(cmd.Context(), catalog)

		err = emit(cmd, rep, func(w io.Writer) {
			fmt.Fprintf(w, "%s %d created, %d already present (%d in catalog)\n",
				green("✓"), len(rep.Created), len(rep.Existing), len(catalog))
			for _, name := range rep.Created {
				fmt.Fprintf(w, "  + %s\n", name)
			}
			for _, warn := range rep.Warnings {
				fmt.Fprintf(w, "  %s %s\n", yellow("⚠"), warn)
			}
		})
		if err != nil {
			return err
		}
		if len(rep.Warnings) > 0 {
			return errSilent
		}
		return nil
	},
}

var labelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the label catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := labels.Catalog(cfg.Security.BypassLabel)
		return emit(cmd, catalog, func(w io.Writer) {
			for _, spec := range catalog {
				fmt.Fprintf(w, "#%s  %-24s %s\n", spec.Color, spec.Name, gray(spec.Description))
			}
		})
	},
}

func init() {
	labelsCmd.AddCommand(labelsSyncCmd, labelsListCmd)
	rootCmd.AddCommand(labelsCmd)
}
