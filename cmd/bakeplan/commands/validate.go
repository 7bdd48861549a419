package commands

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/config"
)

type validationReport struct {
	Fleet      string   `json:"fleet"`
	Activities string   `json:"activities,omitempty"`
	Units      int      `json:"units"`
	Scheduled  int      `json:"activities_count"`
	Policies   []string `json:"policies"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <fleet> [activities]",
		Short: "Validate fleet and activity files",
		Long: `Validate fleet and activity files without scheduling anything.

This command checks:
  - YAML or CUE syntax
  - Schema conformance (CUE definitions and field rules)
  - Unit references by id or name
  - Priority scripts
  - Admission policies given with --policy or --policy-bundle`,
		Example: `  # Validate a fleet
  bakeplan validate fleet.yaml

  # Validate a fleet, its activities and custom policies
  bakeplan validate -p ./policies fleet.cue activities.yaml`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			report := validationReport{Fleet: args[0]}
			if len(args) > 1 {
				report.Activities = args[1]
			}

			log.Debug().
				Str("fleet", report.Fleet).
				Str("activities", report.Activities).
				Msg("Validating configuration")

			loader := config.NewLoader(config.WithLoaderLogger(log.Logger))
			res, err := resolveFiles(ctx, loader, report.Fleet, report.Activities)
			if err != nil {
				return err
			}
			report.Units = res.Pool.Len()
			report.Scheduled = len(res.Activities)

			policies, err := newPolicyEngine(ctx, log.Logger, nil)
			if err != nil {
				return err
			}
			for _, p := range policies.ListPolicies() {
				report.Policies = append(report.Policies, p.Name)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Fprintf(out, "✓ %s: %d units\n", report.Fleet, report.Units)
			if report.Activities != "" {
				fmt.Fprintf(out, "✓ %s: %d activities\n", report.Activities, report.Scheduled)
			}
			fmt.Fprintf(out, "✓ %d admission policies compiled\n", len(report.Policies))
			return nil
		},
	}

	return cmd
}
