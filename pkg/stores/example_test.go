package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/bakeplan/pkg/engine"
	"github.com/openfroyo/bakeplan/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveSnapshot persists a pool's ledgers and loads
// them back into a fresh pool.
func ExampleSQLiteStore_SaveSnapshot() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	spec := engine.UnitSpec{ID: "proofer-1", Category: engine.CategoryProofer, SlotCount: 8}
	pool, _ := engine.NewResourcePool(spec)

	deadline := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	_, err := engine.NewBackwardScheduler(pool).Schedule(ctx, &engine.Activity{
		ID:            1,
		OrderID:       12,
		ItemID:        3,
		Quantity:      3,
		Duration:      45 * time.Minute,
		EarliestStart: deadline.Add(-4 * time.Hour),
		Deadline:      deadline,
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := store.SaveSnapshot(ctx, pool.Snapshot()); err != nil {
		log.Fatal(err)
	}

	snap, _ := store.LoadSnapshot(ctx)
	fresh, _ := engine.NewResourcePool(spec)
	if err := fresh.Restore(snap); err != nil {
		log.Fatal(err)
	}

	unit, _ := fresh.Unit("proofer-1")
	for _, r := range unit.Agenda() {
		fmt.Println(r.Slot, r.Start.Format("15:04"), r.End.Format("15:04"))
	}
	// Output:
	// 0 08:15 09:00
	// 1 08:15 09:00
	// 2 08:15 09:00
}
