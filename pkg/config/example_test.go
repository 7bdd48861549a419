package config_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/bakeplan/pkg/config"
)

func ExampleLoader_Resolve() {
	loader := config.NewLoader()
	ctx := context.Background()

	fleet, err := loader.ParseFleet(ctx, []byte(`
units:
  - id: spiral-1
    name: Amasadora Espiral
    category: mixer
    capacity: {min: 5000, max: 50000}
  - id: deck-1
    category: oven
    slot_count: 4
    params:
      temperature: {min: 150, max: 280}
`), config.FormatYAML, "fleet.yaml")
	if err != nil {
		panic(err)
	}

	acts, err := loader.ParseActivities(ctx, []byte(`
activities: [{
	id: 1, order_id: 7, request_id: 1, item_id: 1001
	quantity: 2, duration: "35m"
	earliest_start: "2025-03-10T04:00:00Z"
	deadline: "2025-03-10T08:00:00Z"
	priorities: {"amasadora espiral": 2, "deck-1": 1}
	config: {"deck-1": {temperature: 230}}
}]
`), config.FormatCUE, "activities.cue")
	if err != nil {
		panic(err)
	}

	res, err := loader.Resolve(ctx, fleet, acts)
	if err != nil {
		panic(err)
	}

	act := res.Activities[0]
	fmt.Println(res.Pool.Len(), act.Key(), act.Duration)
	fmt.Println(act.Priorities["spiral-1"], act.Priorities["deck-1"])
	// Output:
	// 2 7/1/1 35m0s
	// 2 1
}

func ExampleFormatFromPath() {
	for _, path := range []string{"fleet.yaml", "activities.cue", "fleet.toml"} {
		format, err := config.FormatFromPath(path)
		fmt.Printf("%q %v\n", format, err != nil)
	}
	// Output:
	// "yaml" false
	// "cue" false
	// "" true
}
