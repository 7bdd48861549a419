package engine

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPoolCandidates(t *testing.T) {
	pool, err := NewResourcePool(
		mixerSpec("mixer-a", 0, 1000),
		UnitSpec{ID: "oven-a", Category: CategoryOven, SlotCount: 4},
		mixerSpec("mixer-b", 0, 1000),
	)
	if err != nil {
		t.Fatalf("NewResourcePool failed: %v", err)
	}

	ids := func(units []*ResourceUnit) []UnitID {
		out := make([]UnitID, 0, len(units))
		for _, u := range units {
			out = append(out, u.ID())
		}
		return out
	}

	tests := []struct {
		name string
		act  *Activity
		want []UnitID
	}{
		{"all units", &Activity{}, []UnitID{"mixer-a", "oven-a", "mixer-b"}},
		{"by category", &Activity{Category: CategoryMixer}, []UnitID{"mixer-a", "mixer-b"}},
		{"explicit list in pool order", &Activity{Units: []UnitID{"mixer-b", "oven-a"}}, []UnitID{"oven-a", "mixer-b"}},
		{"priority keys", &Activity{Priorities: map[UnitID]int{"mixer-b": 1}}, []UnitID{"mixer-b"}},
		{"category keeps unranked units", &Activity{Category: CategoryMixer, Priorities: map[UnitID]int{"mixer-b": 1}}, []UnitID{"mixer-a", "mixer-b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pool.Candidates(tt.act)
			if err != nil {
				t.Fatalf("Candidates failed: %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("Candidates() = %v, want %v", ids(got), tt.want)
			}
		})
	}

	partial := &Activity{Units: []UnitID{"mixer-a", "mixer-b"}, Priorities: map[UnitID]int{"mixer-b": 5}}
	listed, _ := pool.Candidates(partial)
	if got := ids(OrderByPriority(listed, partial.Priorities)); !reflect.DeepEqual(got, []UnitID{"mixer-b", "mixer-a"}) {
		t.Errorf("unranked unit should sort last, got %v", got)
	}

	if _, err := pool.Candidates(&Activity{Units: []UnitID{"ghost"}}); !IsKind(err, KindUnitNotFound) {
		t.Errorf("expected UnitNotFound, got %v", err)
	}
	if _, err := pool.Add(mixerSpec("mixer-a", 0, 10)); err == nil {
		t.Error("expected duplicate unit id to be rejected")
	}
}

func TestPoolReleases(t *testing.T) {
	pool, _ := NewResourcePool(mixerSpec("mixer-a", 0, 1000), mixerSpec("mixer-b", 0, 1000))
	obs := newRecordingObserver()
	pool.SetObserver(obs)

	for _, u := range pool.Units() {
		mustReserve(t, u, ReserveRequest{OrderID: 7, RequestID: 1, ActivityID: 1, ItemID: 1, Quantity: 100, Start: at(0), End: at(10)})
		mustReserve(t, u, ReserveRequest{OrderID: 8, RequestID: 1, ActivityID: 2, ItemID: 1, Quantity: 100, Start: at(20), End: at(30)})
	}

	if n := pool.ReleaseByOrder(7); n != 2 {
		t.Errorf("ReleaseByOrder removed %d, want 2", n)
	}
	if n := pool.ReleaseByOrder(7); n != 0 {
		t.Errorf("second ReleaseByOrder removed %d, want 0", n)
	}
	if n := pool.ReleaseAll(); n != 2 {
		t.Errorf("ReleaseAll removed %d, want 2", n)
	}
	if obs.released["order"] != 2 || obs.released["all"] != 2 {
		t.Errorf("observer saw %v", obs.released)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	specs := []UnitSpec{mixerSpec("mixer-a", 0, 1000), ovenSpec("oven-a")}
	pool, _ := NewResourcePool(specs...)
	mixer, _ := pool.Unit("mixer-a")
	oven, _ := pool.Unit("oven-a")

	mustReserve(t, mixer, req(1, 1, 500, 0, 20))
	if err := oven.SetTemperature(180, at(0), at(60)); err != nil {
		t.Fatalf("SetTemperature failed: %v", err)
	}
	hot := req(2, 1, 50, 20, 50)
	hot.Params = TechnicalParams{Temperature: IntPtr(180)}
	mustReserve(t, oven, hot)

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, pool.Snapshot()); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	snap, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if snap.RecordCount() != 2 {
		t.Fatalf("snapshot has %d records, want 2", snap.RecordCount())
	}

	restored, _ := NewResourcePool(specs...)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	oven2, _ := restored.Unit("oven-a")
	if temp, ok := oven2.TemperatureIn(at(10), at(20)); !ok || temp != 180 {
		t.Errorf("restored temperature = %d, %v", temp, ok)
	}
	mixer2, _ := restored.Unit("mixer-a")
	if got := mixer2.Available(1, at(0), at(20)).Capacity; got != 500 {
		t.Errorf("restored availability = %g, want 500", got)
	}

	snap.Units = append(snap.Units, UnitLedger{Unit: "ghost"})
	fresh, _ := NewResourcePool(specs...)
	if err := fresh.Restore(snap); err == nil {
		t.Fatal("expected restore with unknown unit to fail")
	}
	freshMixer, _ := fresh.Unit("mixer-a")
	if len(freshMixer.Records()) != 0 {
		t.Error("failed restore mutated a ledger")
	}
}
