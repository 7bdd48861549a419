package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	profile      string
	verbose      bool
	jsonOutput   bool
	dbPath       string
	policyPaths  []string
	policyBundle string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bakeplan",
		Short: "bakeplan - backward scheduler for bakery equipment",
		Long: `bakeplan reserves mixers, ovens, proofers and the rest of a bakery's
equipment for production activities. Each activity is placed in the latest
window that still meets its deadline, on one unit or split across several.

Features:
  - Fleet and activity files in YAML or CUE
  - Starlark scripts for unit priorities
  - Rego admission policies (maintenance, item restrictions)
  - SQLite persistence of unit ledgers and schedule runs
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "telemetry config file path")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "default", "telemetry preset when no --config is given (default, development, production)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/bakeplan.db", "ledger database path")
	rootCmd.PersistentFlags().StringSliceVarP(&policyPaths, "policy", "p", nil, "admission policy files or directories")
	rootCmd.PersistentFlags().StringVar(&policyBundle, "policy-bundle", "", "admission policy bundle (JSON)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newScheduleCommand())
	rootCmd.AddCommand(newReleaseCommand())
	rootCmd.AddCommand(newAgendaCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
