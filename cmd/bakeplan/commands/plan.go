package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/config"
	"github.com/openfroyo/bakeplan/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		watch  bool
		withDB bool
	)

	cmd := &cobra.Command{
		Use:   "plan <fleet> <activities>",
		Short: "Dry-run the schedule",
		Long: `Schedule every activity in memory and print where each one would go.
Nothing is persisted.

With --with-db the ledgers already stored in the database are loaded first,
so the plan accounts for existing reservations. With --watch the plan is
recomputed whenever the fleet, activity or policy files change.`,
		Example: `  # Plan a day
  bakeplan plan fleet.yaml activities.yaml

  # Plan on top of the persisted ledgers, as JSON
  bakeplan plan --with-db --json fleet.yaml activities.yaml

  # Re-plan on every edit
  bakeplan plan --watch -p ./policies fleet.yaml activities.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			run := func(ctx context.Context) error {
				op := startCommand(ctx, tel, cmd, args[0])
				err := runPlan(op.Ctx, cmd.OutOrStdout(), tel, args[0], args[1], withDB)
				op.End(err)
				return err
			}

			if !watch {
				return run(cmd.Context())
			}

			if err := run(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("Planning failed")
			}

			paths := append([]string{args[0], args[1]}, policyPaths...)
			if policyBundle != "" {
				paths = append(paths, policyBundle)
			}
			watcher, err := config.NewWatcher(tel.Logger.Zerolog(), paths...)
			if err != nil {
				return err
			}

			log.Info().Strs("paths", paths).Msg("Watching for changes")
			return watcher.Run(cmd.Context(), func(ctx context.Context, changed []string) error {
				if err := tel.Events.PublishConfigReloaded(strings.Join(changed, ",")); err != nil {
					log.Warn().Err(err).Msg("Failed to publish reload event")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n--- %s changed, re-planning\n", strings.Join(changed, ", "))
				return run(ctx)
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-plan when files change")
	cmd.Flags().BoolVar(&withDB, "with-db", false, "start from the ledgers persisted in --db")

	return cmd
}

// runPlan resolves the files into a fresh pool and schedules every
// activity without persisting.
func runPlan(ctx context.Context, out io.Writer, tel *telemetry.Telemetry, fleetPath, activitiesPath string, withDB bool) error {
	ws, err := openWorkspace(ctx, tel, fleetPath, activitiesPath)
	if err != nil {
		return err
	}
	ws.policies.SetDryRun(true)

	if withDB {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		err = loadPersisted(ctx, store, ws.res.Pool)
		_ = store.Close()
		if err != nil {
			return err
		}
	}

	outcomes, err := ws.scheduleAll(ctx)
	if err != nil {
		return err
	}
	if err := printOutcomes(out, outcomes); err != nil {
		return err
	}

	allocated, failed := summarize(outcomes)
	log.Info().
		Int("allocated", allocated).
		Int("failed", failed).
		Msg("Plan computed")
	return nil
}
