package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/bakeplan/pkg/config"
)

const sampleActivities = `# Activities are scheduled in file order. Each one is placed in the latest
# window that ends by deadline + slack.
activities:
  - id: 1
    order_id: 100
    request_id: 1
    item_id: 2002
    name: Amasado baguette
    category: mixer
    quantity: 60000
    duration: 20m
    earliest_start: "2025-03-10T03:00:00Z"
    deadline: "2025-03-10T05:00:00Z"
    config:
      spiral-1: {speeds: [low, high]}
      spiral-2: {speeds: [low, high]}
    priority_script: |
      def rank(units):
          return {u["id"]: (1 if u["capacity"] >= 80000 else 2) for u in units}

      priorities = rank(units)

  - id: 2
    order_id: 100
    request_id: 1
    item_id: 2002
    name: Fermentación
    category: proofer
    quantity: 16
    duration: 90m
    earliest_start: "2025-03-10T03:00:00Z"
    deadline: "2025-03-10T06:45:00Z"

  - id: 3
    order_id: 100
    request_id: 1
    item_id: 2002
    name: Horneado
    units: [Horno de pisos]
    quantity: 3
    duration: 25m
    earliest_start: "2025-03-10T03:00:00Z"
    deadline: "2025-03-10T07:30:00Z"
    slack: 10m
    config:
      deck-1: {temperature: 240, steam: 2}
`

const samplePolicy = `# Keeps units with a pending cleaning off the night shift
# severity: error
package bakeplan.custom.cleaning

import rego.v1

deny contains msg if {
	input.unit.labels.cleaning == "pending"
	msg := sprintf("unit %s is waiting for cleaning", [input.unit.id])
}
`

// sampleFleet is a small central bakery: two spiral mixers, a proofer with
// rack slots and a four deck oven.
func sampleFleet() *config.FleetDocument {
	return &config.FleetDocument{
		Version: "1",
		Scheduler: &config.SchedulerDocument{
			MaxIterations: 1440,
		},
		Units: []config.UnitDocument{
			{
				ID:       "spiral-1",
				Name:     "Amasadora espiral 1",
				Category: "mixer",
				Capacity: &config.RangeDocument{Min: 5000, Max: 50000},
				Params:   &config.ParamSpecDocument{Speeds: []string{"low", "high"}},
			},
			{
				ID:       "spiral-2",
				Name:     "Amasadora espiral 2",
				Category: "mixer",
				Capacity: &config.RangeDocument{Min: 10000, Max: 80000},
				Params:   &config.ParamSpecDocument{Speeds: []string{"low", "high"}},
				Labels:   map[string]string{"blocked_items": "3100"},
			},
			{
				ID:           "proofer-1",
				Name:         "Cámara de fermentación",
				Category:     "proofer",
				SlotCount:    12,
				SlotCapacity: &config.RangeDocument{Min: 1, Max: 2},
			},
			{
				ID:        "deck-1",
				Name:      "Horno de pisos",
				Category:  "oven",
				SlotCount: 4,
				Params: &config.ParamSpecDocument{
					Temperature: &config.IntRangeDocument{Min: 150, Max: 280},
					Steam:       &config.IntRangeDocument{Min: 0, Max: 3},
				},
			},
		},
	}
}

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a bakeplan workspace",
		Long: `Initialize a workspace with a sample fleet, sample activities, an example
admission policy and an empty ledger database.`,
		Example: `  # Initialize in the current directory
  bakeplan init

  # Initialize elsewhere, overwriting existing samples
  bakeplan init --dir ./obrador --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("dir", dir).Msg("Initializing workspace")

			policyDir := filepath.Join(dir, "policies")
			if err := os.MkdirAll(policyDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", policyDir, err)
			}

			fleet, err := yaml.Marshal(sampleFleet())
			if err != nil {
				return fmt.Errorf("failed to encode sample fleet: %w", err)
			}

			files := []struct {
				path    string
				content []byte
			}{
				{filepath.Join(dir, "fleet.yaml"), append([]byte("# Equipment of the bakery.\n"), fleet...)},
				{filepath.Join(dir, "activities.yaml"), []byte(sampleActivities)},
				{filepath.Join(policyDir, "cleaning.rego"), []byte(samplePolicy)},
			}

			out := cmd.OutOrStdout()
			for _, f := range files {
				if _, err := os.Stat(f.path); err == nil && !force {
					fmt.Fprintf(out, "- Kept existing %s\n", f.path)
					continue
				}
				if err := os.WriteFile(f.path, f.content, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", f.path, err)
				}
				fmt.Fprintf(out, "✓ Created %s\n", f.path)
			}

			if !cmd.Flags().Changed("db") {
				dbPath = filepath.Join(dir, "data", "bakeplan.db")
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(out, "✓ Initialized ledger database: %s\n", dbPath)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  bakeplan validate %s %s\n",
				filepath.Join(dir, "fleet.yaml"), filepath.Join(dir, "activities.yaml"))
			fmt.Fprintf(out, "  bakeplan plan -p %s %s %s\n",
				policyDir, filepath.Join(dir, "fleet.yaml"), filepath.Join(dir, "activities.yaml"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "workspace directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing sample files")

	return cmd
}
