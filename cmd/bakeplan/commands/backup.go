package commands

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

func newBackupCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export the persisted ledgers",
		Long: `Export every persisted reservation and attribute window as a JSON
snapshot. Files ending in .gz are gzip-compressed.

The snapshot can be loaded into the same or another database with
'bakeplan restore'.`,
		Example: `  # Plain JSON snapshot
  bakeplan backup --out ledgers.json

  # Compressed snapshot
  bakeplan backup --out ledgers.json.gz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadSnapshot(ctx)
			if err != nil {
				return err
			}

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			defer f.Close()

			var w io.Writer = f
			var gz *gzip.Writer
			if strings.HasSuffix(outFile, ".gz") {
				gz = gzip.NewWriter(f)
				w = gz
			}

			if err := engine.WriteSnapshot(w, snap); err != nil {
				return err
			}
			if gz != nil {
				if err := gz.Close(); err != nil {
					return fmt.Errorf("failed to finish compression: %w", err)
				}
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write backup file: %w", err)
			}

			log.Info().
				Str("out", outFile).
				Int("units", len(snap.Units)).
				Int("records", snap.RecordCount()).
				Msg("Backup written")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d records of %d units to %s\n", snap.RecordCount(), len(snap.Units), outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "bakeplan-snapshot.json", "backup output file")

	return cmd
}
