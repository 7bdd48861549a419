package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/config"
	"github.com/openfroyo/bakeplan/pkg/engine"
	"github.com/openfroyo/bakeplan/pkg/policy"
	"github.com/openfroyo/bakeplan/pkg/stores"
	"github.com/openfroyo/bakeplan/pkg/telemetry"
)

// workspace is everything a command needs to schedule against a fleet.
type workspace struct {
	tel       *telemetry.Telemetry
	loader    *config.Loader
	res       *config.Resolution
	observer  *telemetry.SchedulerObserver
	policies  *policy.Engine
	scheduler *engine.BackwardScheduler
}

// newTelemetry builds the telemetry stack from --config or the defaults.
// Overrides run after the global flags are applied.
func newTelemetry(overrides ...func(*telemetry.Config)) (*telemetry.Telemetry, error) {
	var cfg *telemetry.Config
	switch {
	case configPath != "":
		loaded, err := telemetry.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case profile == "development":
		cfg = telemetry.DevelopmentConfig()
	case profile == "production":
		cfg = telemetry.ProductionConfig()
	case profile == "" || profile == "default":
		cfg = telemetry.DefaultConfig()
	default:
		return nil, fmt.Errorf("unknown telemetry profile %q", profile)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" && configPath == "" {
		cfg.Logging.Level = level
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	for _, override := range overrides {
		override(cfg)
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if verbose {
		events := tel.Logger.NewComponentLogger("events")
		tel.Events.Subscribe(func(ev telemetry.Event) {
			events.WithFields(map[string]interface{}{
				"type":     ev.Type,
				"activity": ev.Activity,
				"unit":     ev.UnitID,
			}).Debug(ev.Message)
		}, nil)
	}

	return tel, nil
}

// startCommand starts the traced operation of one command. Its context
// carries the telemetry, so scheduler spans nest under the command span.
func startCommand(ctx context.Context, tel *telemetry.Telemetry, cmd *cobra.Command, fleet string) *telemetry.Operation {
	return telemetry.StartOperation(tel.WithContext(ctx), "bakeplan."+cmd.Name(),
		telemetry.AttrCommand.String(cmd.CommandPath()),
		telemetry.AttrFleet.String(fleet),
	)
}

// shutdownTelemetry flushes events and traces with a bounded wait.
func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
}

// resolveFiles loads a fleet file and an optional activities file.
func resolveFiles(ctx context.Context, loader *config.Loader, fleetPath, activitiesPath string) (*config.Resolution, error) {
	fleet, err := loader.LoadFleet(ctx, fleetPath)
	if err != nil {
		return nil, err
	}

	var acts *config.ActivitiesDocument
	if activitiesPath != "" {
		acts, err = loader.LoadActivities(ctx, activitiesPath)
		if err != nil {
			return nil, err
		}
	}

	return loader.Resolve(ctx, fleet, acts)
}

// newPolicyEngine loads the built-in policies plus --policy and
// --policy-bundle, and reports denials to observer.
func newPolicyEngine(ctx context.Context, logger zerolog.Logger, observer *telemetry.SchedulerObserver) (*policy.Engine, error) {
	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if observer != nil {
		policies.OnDeny(observer.Denied)
	}
	if len(policyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, policyPaths); err != nil {
			return nil, err
		}
	}
	if policyBundle != "" {
		if err := policies.LoadBundle(ctx, policyBundle); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// openWorkspace resolves the files and wires the scheduler to telemetry
// and admission policies.
func openWorkspace(ctx context.Context, tel *telemetry.Telemetry, fleetPath, activitiesPath string) (*workspace, error) {
	logger := tel.Logger.Zerolog()
	loader := config.NewLoader(config.WithLoaderLogger(logger))

	res, err := resolveFiles(ctx, loader, fleetPath, activitiesPath)
	if err != nil {
		return nil, err
	}

	observer := tel.Observe(res.Pool)
	policies, err := newPolicyEngine(ctx, logger, observer)
	if err != nil {
		return nil, err
	}

	opts := append(tel.SchedulerOptions(),
		engine.WithConfig(res.Scheduler),
		engine.WithAdmissionPolicy(policies),
	)

	return &workspace{
		tel:       tel,
		loader:    loader,
		res:       res,
		observer:  observer,
		policies:  policies,
		scheduler: engine.NewBackwardScheduler(res.Pool, opts...),
	}, nil
}

// outcome is the result of scheduling one activity.
type outcome struct {
	Activity *engine.Activity `json:"activity"`
	Result   *engine.Result   `json:"result"`
	Err      error            `json:"-"`
}

func (o outcome) MarshalJSON() ([]byte, error) {
	type alias outcome
	out := struct {
		alias
		Error string `json:"error,omitempty"`
		Kind  string `json:"error_kind,omitempty"`
	}{alias: alias(o)}
	if o.Err != nil {
		out.Error = o.Err.Error()
		out.Kind = string(engine.KindOf(o.Err))
	}
	return json.Marshal(out)
}

// scheduleAll schedules activities in order. A failed activity does not
// stop the others; a cancelled context does.
func (w *workspace) scheduleAll(ctx context.Context) ([]outcome, error) {
	outcomes := make([]outcome, 0, len(w.res.Activities))
	for _, act := range w.res.Activities {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		res, err := w.scheduler.Schedule(ctx, act)
		outcomes = append(outcomes, outcome{Activity: act, Result: res, Err: err})
	}
	return outcomes, nil
}

// horizon returns the span covered by the activities, for utilisation
// reports.
func (w *workspace) horizon() (time.Time, time.Time) {
	var start, end time.Time
	for i, act := range w.res.Activities {
		last := act.Deadline.Add(act.Slack)
		if i == 0 || act.EarliestStart.Before(start) {
			start = act.EarliestStart
		}
		if i == 0 || last.After(end) {
			end = last
		}
	}
	return start, end
}

// printOutcomes writes one line per activity, or a JSON array with --json.
func printOutcomes(w io.Writer, outcomes []outcome) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTIVITY\tNAME\tSTATE\tWINDOW\tUNITS\tDETAIL")
	for _, o := range outcomes {
		name := o.Activity.Name
		if name == "" {
			name = "-"
		}
		if o.Err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t%v\n", o.Activity.Key(), name, engine.StateExhausted, o.Err)
			continue
		}
		shares := make([]string, 0, len(o.Result.Allocations))
		for _, a := range o.Result.Allocations {
			share := fmt.Sprintf("%s=%g", a.Unit, a.Quantity)
			if len(a.Slots) > 0 {
				share += fmt.Sprintf("%v", a.Slots)
			}
			shares = append(shares, share)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s, %d iterations\n",
			o.Activity.Key(), name, o.Result.State,
			formatWindow(o.Result.Start, o.Result.End),
			strings.Join(shares, " "),
			o.Result.Algorithm, o.Result.Diagnostics.Iterations)
	}
	return tw.Flush()
}

func formatWindow(start, end time.Time) string {
	return start.UTC().Format("2006-01-02 15:04") + "-" + end.UTC().Format("15:04")
}

// summarize counts allocated and failed outcomes.
func summarize(outcomes []outcome) (allocated, failed int) {
	for _, o := range outcomes {
		if o.Err == nil && o.Result.Allocated() {
			allocated++
		} else {
			failed++
		}
	}
	return allocated, failed
}

// openStore opens and migrates the ledger database at --db.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database %s is not usable: %w", dbPath, err)
	}
	return store, nil
}

// loadPersisted restores the ledgers stored in store into pool.
func loadPersisted(ctx context.Context, store *stores.SQLiteStore, pool *engine.ResourcePool) error {
	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := pool.Restore(snap); err != nil {
		return err
	}
	log.Debug().Int("records", snap.RecordCount()).Msg("Ledgers restored from database")
	return nil
}

// audit records a ledger mutation made from the CLI.
func audit(ctx context.Context, store *stores.SQLiteStore, action, target string, details map[string]interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: actor()}
	if target != "" {
		entry.Target = &target
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func actor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "bakeplan"
}
