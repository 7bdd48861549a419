package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/engine"
	"github.com/openfroyo/bakeplan/pkg/stores"
	"github.com/openfroyo/bakeplan/pkg/telemetry"
)

func newScheduleCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "schedule <fleet> <activities>",
		Short: "Schedule activities and persist the reservations",
		Long: `Schedule every activity in file order on top of the ledgers stored in the
database, then persist the new ledgers and one schedule run per activity.

Activities that cannot be placed are reported and recorded; they do not
prevent the others from being scheduled.

With --metrics the Prometheus endpoint stays up after scheduling until the
process is interrupted.`,
		Example: `  # Schedule a day's production
  bakeplan schedule --db ./data/bakeplan.db fleet.yaml activities.yaml

  # Schedule and keep serving metrics on :9464/metrics
  bakeplan schedule --metrics :9464 fleet.yaml activities.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			tel, err := newTelemetry(func(cfg *telemetry.Config) {
				if metricsAddr != "" {
					cfg.Metrics.Enabled = true
					cfg.Metrics.ListenAddress = metricsAddr
				}
			})
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			if metricsAddr != "" {
				if err := tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
			}

			op := startCommand(cmd.Context(), tel, cmd, args[0])
			defer func() { op.End(err) }()
			ctx := op.Ctx

			ws, err := openWorkspace(ctx, tel, args[0], args[1])
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, spec := range ws.res.Units {
				if err := store.UpsertUnit(ctx, spec); err != nil {
					return err
				}
			}
			if err := loadPersisted(ctx, store, ws.res.Pool); err != nil {
				return err
			}

			outcomes, schedErr := ws.scheduleAll(ctx)

			// Persist whatever was reserved, even when interrupted.
			persistCtx := context.WithoutCancel(ctx)
			for _, o := range outcomes {
				run := newScheduleRun(o)
				if err := store.RecordScheduleRun(persistCtx, run); err != nil {
					return err
				}
				op.Logger.WithActivity(o.Activity.Key()).WithScheduleRun(run.ID).
					Debug("Schedule run recorded")
			}
			if err := store.SaveSnapshot(persistCtx, ws.res.Pool.Snapshot()); err != nil {
				return err
			}
			if schedErr != nil {
				return schedErr
			}

			start, end := ws.horizon()
			ws.observer.ReportLedgers(ws.res.Pool, start, end)

			if err := printOutcomes(cmd.OutOrStdout(), outcomes); err != nil {
				return err
			}

			allocated, failed := summarize(outcomes)
			op.Logger.WithFields(map[string]interface{}{
				"allocated": allocated,
				"failed":    failed,
				"db":        dbPath,
			}).Info("Schedule persisted")

			if metricsAddr != "" {
				<-cmd.Context().Done()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address until interrupted")

	return cmd
}

// newScheduleRun converts an outcome into its audit record.
func newScheduleRun(o outcome) *stores.ScheduleRun {
	act := o.Activity
	run := &stores.ScheduleRun{
		ID:         uuid.NewString(),
		OrderID:    act.OrderID,
		RequestID:  act.RequestID,
		ActivityID: act.ID,
		ItemID:     act.ItemID,
		Quantity:   act.Quantity,
		State:      engine.StateExhausted,
		CreatedAt:  time.Now().UTC(),
	}

	if o.Result != nil {
		run.State = o.Result.State
		run.Algorithm = o.Result.Algorithm
		if units, err := json.Marshal(o.Result.Units()); err == nil {
			run.Units = string(units)
		}
		if diag, err := json.Marshal(o.Result.Diagnostics); err == nil {
			run.Diagnostics = string(diag)
		}
		if o.Result.Allocated() {
			start, end := o.Result.Start, o.Result.End
			run.WindowStart, run.WindowEnd = &start, &end
		}
	}

	if o.Err != nil {
		msg := o.Err.Error()
		kind := string(engine.KindOf(o.Err))
		run.Error = &msg
		if kind != "" {
			run.ErrorKind = &kind
		}
	}

	return run
}
