package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/config"
	"github.com/openfroyo/bakeplan/pkg/engine"
	"github.com/openfroyo/bakeplan/pkg/stores"
)

func newAgendaCommand() *cobra.Command {
	var (
		unit  string
		day   string
		runs  bool
		audit bool
		usage bool
		order int
		limit int
	)

	cmd := &cobra.Command{
		Use:   "agenda",
		Short: "Show the persisted reservations",
		Long: `Print the reservations stored in the ledger database, unit by unit in
chronological order.

With --runs the recent schedule runs are listed instead, with --audit the
audit trail of releases and restores. --usage summarises each unit over the
selected day: peak quantity per item and busy-time ratio.`,
		Example: `  # Everything
  bakeplan agenda

  # One oven on one day
  bakeplan agenda --unit deck-1 --day 2025-03-10

  # The last runs of an order
  bakeplan agenda --runs --order 100

  # How busy the fleet was on a day
  bakeplan agenda --usage --day 2025-03-10 fleet.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if usage && (len(args) != 1 || day == "") {
				return fmt.Errorf("--usage needs a fleet file and --day")
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if audit {
				entries, err := store.ListAuditEntries(ctx, nil, limit, 0)
				if err != nil {
					return err
				}
				return printAudit(out, entries)
			}

			if runs {
				filter := stores.RunFilter{Limit: limit}
				if cmd.Flags().Changed("order") {
					filter.OrderID = &order
				}
				list, err := store.ListScheduleRuns(ctx, filter)
				if err != nil {
					return err
				}
				return printRuns(out, list)
			}

			var from, to time.Time
			if day != "" {
				from, err = time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("invalid --day: %w", err)
				}
				to = from.Add(24 * time.Hour)
			}

			if usage {
				loader := config.NewLoader(config.WithLoaderLogger(log.Logger))
				res, err := resolveFiles(ctx, loader, args[0], "")
				if err != nil {
					return err
				}
				if err := loadPersisted(ctx, store, res.Pool); err != nil {
					return err
				}
				return printUsage(out, res.Pool, from, to)
			}

			ledgers, err := store.LoadLedgers(ctx)
			if err != nil {
				return err
			}

			filtered := make([]engine.UnitLedger, 0, len(ledgers))
			for _, l := range ledgers {
				if unit != "" && string(l.Unit) != unit {
					continue
				}
				if !from.IsZero() {
					records := l.Records[:0:0]
					for _, r := range l.Records {
						if r.Overlaps(from, to) {
							records = append(records, r)
						}
					}
					l.Records = records
				}
				filtered = append(filtered, l)
			}

			return printAgenda(out, filtered)
		},
	}

	cmd.Flags().StringVarP(&unit, "unit", "u", "", "only this unit")
	cmd.Flags().StringVar(&day, "day", "", "only records overlapping this day (YYYY-MM-DD, UTC)")
	cmd.Flags().BoolVar(&runs, "runs", false, "list schedule runs instead of reservations")
	cmd.Flags().BoolVar(&audit, "audit", false, "list the audit trail instead of reservations")
	cmd.Flags().BoolVar(&usage, "usage", false, "summarise unit usage over --day (needs the fleet file)")
	cmd.Flags().IntVar(&order, "order", 0, "with --runs, only this order")
	cmd.Flags().IntVar(&limit, "limit", 50, "with --runs or --audit, maximum number of entries")
	cmd.MarkFlagsMutuallyExclusive("runs", "audit", "usage")

	return cmd
}

func printAgenda(w io.Writer, ledgers []engine.UnitLedger) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ledgers)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tWINDOW\tACTIVITY\tITEM\tQUANTITY\tSLOT")
	for _, l := range ledgers {
		for _, r := range l.Records {
			slot := "-"
			if r.Slot != engine.NoSlot {
				slot = fmt.Sprintf("%d", r.Slot)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%g\t%s\n",
				l.Unit, formatWindow(r.Start, r.End), r.Key(), r.ItemID, r.Quantity, slot)
		}
		for _, win := range l.Windows {
			fmt.Fprintf(tw, "%s\t%s\ttemperature %d\t-\t-\t-\n", l.Unit, formatWindow(win.Start, win.End), win.Temperature)
		}
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []*stores.ScheduleRun) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tACTIVITY\tSTATE\tWINDOW\tUNITS\tERROR")
	for _, r := range runs {
		window := "-"
		if r.WindowStart != nil && r.WindowEnd != nil {
			window = formatWindow(*r.WindowStart, *r.WindowEnd)
		}
		errMsg := "-"
		if r.Error != nil {
			errMsg = *r.Error
		}
		key := engine.ActivityKey{OrderID: r.OrderID, RequestID: r.RequestID, ActivityID: r.ActivityID}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, key, r.State, window, r.Units, errMsg)
	}
	return tw.Flush()
}

func printAudit(w io.Writer, entries []*stores.AuditEntry) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
	for _, e := range entries {
		target, details := "-", "-"
		if e.Target != nil && *e.Target != "" {
			target = *e.Target
		}
		if e.Details != nil {
			details = *e.Details
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Action, e.Actor, target, details)
	}
	return tw.Flush()
}

// unitUsage is one unit's load over a reporting window.
type unitUsage struct {
	Unit        engine.UnitID   `json:"unit_id"`
	Records     int             `json:"records"`
	Utilisation float64         `json:"utilisation"`
	PeakByItem  map[int]float64 `json:"peak_by_item,omitempty"`
}

func printUsage(w io.Writer, pool *engine.ResourcePool, from, to time.Time) error {
	report := make([]unitUsage, 0, pool.Len())
	for _, u := range pool.Units() {
		n := 0
		for _, r := range u.Agenda() {
			if r.Overlaps(from, to) {
				n++
			}
		}
		report = append(report, unitUsage{
			Unit:        u.ID(),
			Records:     n,
			Utilisation: u.Utilisation(from, to),
			PeakByItem:  u.UsageByItem(from, to),
		})
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tRECORDS\tBUSY\tPEAK BY ITEM")
	for _, r := range report {
		items := make([]int, 0, len(r.PeakByItem))
		for item := range r.PeakByItem {
			items = append(items, item)
		}
		sort.Ints(items)
		peaks := make([]string, 0, len(items))
		for _, item := range items {
			peaks = append(peaks, fmt.Sprintf("%d=%g", item, r.PeakByItem[item]))
		}
		if len(peaks) == 0 {
			peaks = []string{"-"}
		}
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%s\n", r.Unit, r.Records, r.Utilisation*100, strings.Join(peaks, " "))
	}
	return tw.Flush()
}
