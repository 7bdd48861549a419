package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// releaseScope is one parsed release selector.
type releaseScope struct {
	name   string
	target string
	apply  func(pool *engine.ResourcePool) int
}

type releaseFlags struct {
	activity  string
	order     int
	request   int
	item      int
	olderThan string
	from      string
	to        string
	all       bool
}

// scope validates that exactly one selector is set and returns it.
func (f releaseFlags) scope(changed func(string) bool) (*releaseScope, error) {
	var scopes []*releaseScope

	if f.activity != "" {
		key, err := parseActivityKey(f.activity)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, &releaseScope{
			name: "activity", target: key.String(),
			apply: func(p *engine.ResourcePool) int { return p.ReleaseByActivity(key) },
		})
	}
	if changed("order") && !changed("request") {
		order := f.order
		scopes = append(scopes, &releaseScope{
			name: "order", target: strconv.Itoa(order),
			apply: func(p *engine.ResourcePool) int { return p.ReleaseByOrder(order) },
		})
	}
	if changed("request") {
		if !changed("order") {
			return nil, fmt.Errorf("--request needs --order")
		}
		order, request := f.order, f.request
		scopes = append(scopes, &releaseScope{
			name: "request", target: fmt.Sprintf("%d/%d", order, request),
			apply: func(p *engine.ResourcePool) int { return p.ReleaseByRequest(order, request) },
		})
	}
	if changed("item") {
		item := f.item
		scopes = append(scopes, &releaseScope{
			name: "item", target: strconv.Itoa(item),
			apply: func(p *engine.ResourcePool) int { return p.ReleaseByItem(item) },
		})
	}
	if f.olderThan != "" {
		cutoff, err := time.Parse(time.RFC3339, f.olderThan)
		if err != nil {
			return nil, fmt.Errorf("invalid --older-than: %w", err)
		}
		scopes = append(scopes, &releaseScope{
			name: "older_than", target: cutoff.UTC().Format(time.RFC3339),
			apply: func(p *engine.ResourcePool) int { return p.ReleaseOlderThan(cutoff) },
		})
	}
	if f.from != "" || f.to != "" {
		start, err := time.Parse(time.RFC3339, f.from)
		if err != nil {
			return nil, fmt.Errorf("invalid --from: %w", err)
		}
		end, err := time.Parse(time.RFC3339, f.to)
		if err != nil {
			return nil, fmt.Errorf("invalid --to: %w", err)
		}
		if !start.Before(end) {
			return nil, fmt.Errorf("--from must be before --to")
		}
		scopes = append(scopes, &releaseScope{
			name: "interval", target: formatWindow(start, end),
			apply: func(p *engine.ResourcePool) int { return p.ReleaseInterval(start, end) },
		})
	}
	if f.all {
		scopes = append(scopes, &releaseScope{
			name:  "all",
			apply: func(p *engine.ResourcePool) int { return p.ReleaseAll() },
		})
	}

	switch len(scopes) {
	case 0:
		return nil, fmt.Errorf("nothing to release: pass one of --activity, --order, --item, --older-than, --from/--to or --all")
	case 1:
		return scopes[0], nil
	default:
		return nil, fmt.Errorf("pass exactly one release selector")
	}
}

// parseActivityKey parses "order/request/activity".
func parseActivityKey(s string) (engine.ActivityKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return engine.ActivityKey{}, fmt.Errorf("invalid activity %q: want order/request/activity", s)
	}
	ids := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return engine.ActivityKey{}, fmt.Errorf("invalid activity %q: %w", s, err)
		}
		ids[i] = n
	}
	return engine.ActivityKey{OrderID: ids[0], RequestID: ids[1], ActivityID: ids[2]}, nil
}

func newReleaseCommand() *cobra.Command {
	var flags releaseFlags

	cmd := &cobra.Command{
		Use:   "release <fleet>",
		Short: "Release persisted reservations",
		Long: `Remove reservations from the persisted ledgers. Exactly one selector must
be given. Every release is written to the audit trail.`,
		Example: `  # Cancel one activity
  bakeplan release --activity 100/1/3 fleet.yaml

  # Cancel a whole order
  bakeplan release --order 100 fleet.yaml

  # Drop everything that finished before a date
  bakeplan release --older-than 2025-03-01T00:00:00Z fleet.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			scope, err := flags.scope(cmd.Flags().Changed)
			if err != nil {
				return err
			}

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			op := startCommand(cmd.Context(), tel, cmd, args[0])
			defer func() { op.End(err) }()
			ctx := op.Ctx

			ws, err := openWorkspace(ctx, tel, args[0], "")
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := loadPersisted(ctx, store, ws.res.Pool); err != nil {
				return err
			}

			removed := scope.apply(ws.res.Pool)
			if removed > 0 {
				if err := store.SaveSnapshot(ctx, ws.res.Pool.Snapshot()); err != nil {
					return err
				}
			}
			audit(ctx, store, "release."+scope.name, scope.target, map[string]interface{}{
				"removed": removed,
			})

			log.Info().
				Str("scope", scope.name).
				Str("target", scope.target).
				Int("removed", removed).
				Msg("Released reservations")
			fmt.Fprintf(cmd.OutOrStdout(), "Released %d records (%s %s)\n", removed, scope.name, scope.target)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.activity, "activity", "", "release one activity (order/request/activity)")
	cmd.Flags().IntVar(&flags.order, "order", 0, "release an order")
	cmd.Flags().IntVar(&flags.request, "request", 0, "release a request of --order")
	cmd.Flags().IntVar(&flags.item, "item", 0, "release every record of an item")
	cmd.Flags().StringVar(&flags.olderThan, "older-than", "", "release records that ended before this RFC 3339 time")
	cmd.Flags().StringVar(&flags.from, "from", "", "start of an interval to clear (RFC 3339)")
	cmd.Flags().StringVar(&flags.to, "to", "", "end of an interval to clear (RFC 3339)")
	cmd.Flags().BoolVar(&flags.all, "all", false, "release everything")

	return cmd
}
