package commands

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/config"
	"github.com/openfroyo/bakeplan/pkg/engine"
)

// readSnapshotFile reads a snapshot written by backup.
func readSnapshotFile(path string) (*engine.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress backup: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	return engine.ReadSnapshot(r)
}

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore <fleet>",
		Short: "Replace the persisted ledgers from a backup",
		Long: `Load a snapshot written by 'bakeplan backup' into the ledger database.

WARNING: This replaces every persisted reservation.

Every record is checked against the fleet before anything is written: the
unit must exist, quantities and slots must fit the unit, and records must
not conflict with each other.`,
		Example: `  # Restore into an empty database
  bakeplan restore --from ledgers.json fleet.yaml

  # Replace existing reservations
  bakeplan restore --from ledgers.json.gz --force fleet.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			snap, err := readSnapshotFile(backupFile)
			if err != nil {
				return err
			}

			loader := config.NewLoader(config.WithLoaderLogger(log.Logger))
			res, err := resolveFiles(ctx, loader, args[0], "")
			if err != nil {
				return err
			}
			if err := res.Pool.Restore(snap); err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			current, err := store.LoadSnapshot(ctx)
			if err != nil {
				return err
			}
			if n := current.RecordCount(); n > 0 && !force {
				return fmt.Errorf("database holds %d records; pass --force to replace them", n)
			}

			for _, spec := range res.Units {
				if err := store.UpsertUnit(ctx, spec); err != nil {
					return err
				}
			}
			if err := store.SaveSnapshot(ctx, res.Pool.Snapshot()); err != nil {
				return err
			}
			audit(ctx, store, "snapshot.restore", backupFile, map[string]interface{}{
				"records":  snap.RecordCount(),
				"replaced": current.RecordCount(),
				"taken_at": snap.TakenAt,
			})

			log.Info().
				Str("from", backupFile).
				Int("records", snap.RecordCount()).
				Msg("Ledgers restored")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Restored %d records from %s\n", snap.RecordCount(), backupFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "replace existing reservations")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}
