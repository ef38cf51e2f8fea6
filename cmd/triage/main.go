package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/triage/internal/config"
	"github.com/steveyegge/triage/internal/logging"
	"github.com/steveyegge/triage/internal/telemetry"
	"github.com/steveyegge/triage/internal/tracker"
)

// Version is set at build time
var Version = "dev"

var (
	cfg       *config.Config
	logger    *slog.Logger
	telem     *telemetry.Telemetry
	configArg string
	formatArg string
)

// errSilent makes main exit non-zero without printing; the command has
// already reported the problem.
var errSilent = errors.New("command failed")

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Screen, deduplicate, analyze and label new issues",
	Long: `triage runs new tracker issues through a staged pipeline:

  1. security screen for prompt injection (critical/high risk blocks the run)
  2. duplicate detection against earlier open issues
  3. AI analysis against a codebase snapshot
  4. type and severity labels plus a markdown report comment

Configuration is read from triage.yaml, .env and TRIAGE_* environment
variables; flags override all of them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if formatArg != "text" && formatArg != "json" {
			return fmt.Errorf("invalid --format %q (expected text or json)", formatArg)
		}

		loaded, err := config.Load(configArg)
		if err != nil {
			return err
		}
		applyFlags(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		// Telemetry first: the OTel log bridge needs its provider.
		cfg.Telemetry.ServiceVersion = Version
		telem, err = telemetry.Setup(cmd.Context(), cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		opts := cfg.LoggingOptions()
		opts.Output = cmd.ErrOrStderr()
		logger, err = logging.Setup(opts)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telem != nil {
			if err := telem.Shutdown(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: telemetry shutdown: %v\n", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configArg, "config", "c", "", "Config file (default triage.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&formatArg, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().String("repo", "", "Repository URL (overrides tracker.repository_url)")
	rootCmd.PersistentFlags().String("tracker", "", "Tracker kind: github, gitlab, memory or auto")
	rootCmd.PersistentFlags().String("model", "", "Model identifier (overrides ai.model)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("db", "", "Run database path (overrides storage.path)")
}

// applyFlags copies explicitly set persistent flags onto c
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dest *string) {
		if flags.Changed(name) {
			*dest, _ = flags.GetString(name)
		}
	}
	str("repo", &c.Tracker.RepositoryURL)
	str("model", &c.AI.Model)
	str("log-level", &c.Logging.Level)
	str("db", &c.Storage.Path)
	if flags.Changed("tracker") {
		kind, _ := flags.GetString("tracker")
		c.Tracker.Kind = tracker.Kind(kind)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
