package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/config"
	"github.com/openfroyo/bakeplan/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
		Long: `Commands for the Rego admission policies that exclude units before the
scheduler searches them. Custom policies are given with --policy or
--policy-bundle.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Example: `  # Built-in policies only
  bakeplan policy list

  # Built-ins plus a policy directory
  bakeplan policy list -p ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, err := newPolicyEngine(cmd.Context(), log.Logger, nil)
			if err != nil {
				return err
			}

			list := policies.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tSOURCE\tDESCRIPTION")
			for _, p := range list {
				source := "custom"
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Severity, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

// admission is the policy verdict for one activity and unit.
type admission struct {
	Activity string                   `json:"activity"`
	Unit     string                   `json:"unit"`
	Allowed  bool                     `json:"allowed"`
	Denials  []policy.PolicyViolation `json:"denials,omitempty"`
	Warnings []policy.PolicyViolation `json:"warnings,omitempty"`
}

func newPolicyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <fleet> <activities>",
		Short: "Evaluate policies for every activity and candidate unit",
		Long: `Show which candidate units each activity may use, and why the others are
excluded. Nothing is scheduled.`,
		Example: `  bakeplan policy check -p ./policies fleet.yaml activities.yaml`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader := config.NewLoader(config.WithLoaderLogger(log.Logger))
			res, err := resolveFiles(ctx, loader, args[0], args[1])
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, log.Logger, nil)
			if err != nil {
				return err
			}
			policies.SetDryRun(true)

			var verdicts []admission
			for _, act := range res.Activities {
				candidates, err := res.Pool.Candidates(act)
				if err != nil {
					return err
				}
				for _, unit := range candidates {
					result, err := policies.Evaluate(ctx, act, unit.Spec())
					if err != nil {
						return err
					}
					verdicts = append(verdicts, admission{
						Activity: act.Key().String(),
						Unit:     string(unit.ID()),
						Allowed:  result.Allowed,
						Denials:  result.Violations,
						Warnings: result.Warnings,
					})
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(verdicts)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTIVITY\tUNIT\tVERDICT\tREASONS")
			for _, v := range verdicts {
				verdict := "allowed"
				if !v.Allowed {
					verdict = "denied"
				}
				var reasons []string
				for _, d := range append(v.Denials, v.Warnings...) {
					reasons = append(reasons, fmt.Sprintf("[%s] %s", d.Severity, d.Message))
				}
				if len(reasons) == 0 {
					reasons = []string{"-"}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Activity, v.Unit, verdict, strings.Join(reasons, "; "))
			}
			return tw.Flush()
		},
	}
}
