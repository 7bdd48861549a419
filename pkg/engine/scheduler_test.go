package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Mock admission policy for testing
type denyPolicy struct {
	deny map[UnitID]bool
	err  error
}

func (d *denyPolicy) Admit(ctx context.Context, act *Activity, unit UnitSpec) (bool, string, error) {
	if d.err != nil {
		return false, "", d.err
	}
	if d.deny[unit.ID] {
		return false, "under maintenance", nil
	}
	return true, "", nil
}

// Mock observer for testing
type recordingObserver struct {
	mu        sync.Mutex
	completed int
	reserved  []UnitID
	released  map[string]int
	lastErr   error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{released: make(map[string]int)}
}

func (o *recordingObserver) ScheduleCompleted(act *Activity, res *Result, err error, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
	o.lastErr = err
}

func (o *recordingObserver) Reserved(act *Activity, alloc Allocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reserved = append(o.reserved, alloc.Unit)
}

func (o *recordingObserver) Released(scope string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released[scope] += count
}

func newTestScheduler(t *testing.T, specs []UnitSpec, opts ...SchedulerOption) *BackwardScheduler {
	t.Helper()
	pool, err := NewResourcePool(specs...)
	if err != nil {
		t.Fatalf("NewResourcePool failed: %v", err)
	}
	opts = append([]SchedulerOption{WithLogger(zerolog.New(nil).Level(zerolog.Disabled))}, opts...)
	return NewBackwardScheduler(pool, opts...)
}

func TestScheduleFirstWindow(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 3000, 50000)})
	deadline := at(72 * 60)
	act := newActivity(1, 20000, 20*time.Minute, deadline.Add(-72*time.Hour), deadline)

	res, err := s.Schedule(context.Background(), act)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if res.State != StateAllocated || res.Algorithm != AlgorithmSingle {
		t.Fatalf("unexpected result: state=%s algorithm=%s", res.State, res.Algorithm)
	}
	if !res.End.Equal(deadline) || !res.Start.Equal(deadline.Add(-20*time.Minute)) {
		t.Errorf("window = [%s, %s), want the last 20 minutes before the deadline", res.Start, res.End)
	}
	if res.Diagnostics.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Diagnostics.Iterations)
	}
	if len(res.Allocations) != 1 || res.Allocations[0].Quantity != 20000 {
		t.Errorf("unexpected allocations: %+v", res.Allocations)
	}
}

func TestScheduleRetreatsPastConflict(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 3000, 50000)})
	unit, _ := s.Pool().Unit("mixer-1")
	mustReserve(t, unit, req(9, 2, 5000, 570, 600))

	act := newActivity(1, 20000, 20*time.Minute, at(0), at(600))
	res, err := s.Schedule(context.Background(), act)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !res.End.Equal(at(570)) || !res.Start.Equal(at(550)) {
		t.Errorf("window = [%s, %s), want [%s, %s)", res.Start, res.End, at(550), at(570))
	}
	if res.Diagnostics.Iterations != 31 {
		t.Errorf("iterations = %d, want 31", res.Diagnostics.Iterations)
	}
	if res.End.Sub(res.Start) != act.Duration || res.Start.Before(act.EarliestStart) || res.End.After(act.Deadline) {
		t.Error("allocation violates the activity bounds")
	}
}

func TestScheduleDistribution(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{
		mixerSpec("mixer-a", 3000, 30000),
		mixerSpec("mixer-b", 2000, 20000),
	})
	act := newActivity(1, 45000, 30*time.Minute, at(0), at(24*60))

	res, err := s.Schedule(context.Background(), act)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if len(res.Allocations) != 2 {
		t.Fatalf("expected both units, got %d allocations", len(res.Allocations))
	}
	if res.Total() < 45000-1 || res.Total() > 45000+1 {
		t.Errorf("allocated %g, want 45000", res.Total())
	}
	minimums := map[UnitID]float64{"mixer-a": 3000, "mixer-b": 2000}
	for _, a := range res.Allocations {
		if a.Quantity < minimums[a.Unit] {
			t.Errorf("unit %s got %g, below its minimum", a.Unit, a.Quantity)
		}
	}
	if res.Diagnostics.DistributionAttempts != 1 || res.Diagnostics.Algorithm == AlgorithmSingle {
		t.Errorf("unexpected diagnostics: %+v", res.Diagnostics)
	}
}

func TestScheduleStructuralRejection(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{
		mixerSpec("mixer-a", 3000, 30000),
		mixerSpec("mixer-b", 2000, 20000),
	})

	t.Run("below minimum", func(t *testing.T) {
		act := newActivity(1, 1000, 30*time.Minute, at(0), at(365*24*60))
		res, err := s.Schedule(context.Background(), act)
		if !IsKind(err, KindBelowMinimumQuantity) {
			t.Fatalf("expected BelowMinimumQuantity, got %v", err)
		}
		if res.State != StateExhausted || res.Diagnostics.Iterations != 0 || res.Diagnostics.EarlyExits != 1 {
			t.Errorf("expected no temporal search, got %+v", res.Diagnostics)
		}
		qc, ok := QuantityContextOf(err)
		if !ok || qc.Minimum != 2000 || qc.Deficit != 1000 {
			t.Errorf("unexpected quantity context: %+v", qc)
		}
	})

	t.Run("above maximum", func(t *testing.T) {
		act := newActivity(2, 90000, 30*time.Minute, at(0), at(365*24*60))
		res, err := s.Schedule(context.Background(), act)
		if !IsKind(err, KindAboveMaximumQuantity) {
			t.Fatalf("expected AboveMaximumQuantity, got %v", err)
		}
		if res.Diagnostics.Iterations != 0 {
			t.Errorf("iterations = %d, want 0", res.Diagnostics.Iterations)
		}
	})
}

func TestScheduleExhausted(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 0, 50000)})
	unit, _ := s.Pool().Unit("mixer-1")
	mustReserve(t, unit, req(9, 2, 5000, 540, 600))

	act := newActivity(1, 2000, 20*time.Minute, at(570), at(600))
	res, err := s.Schedule(context.Background(), act)
	if !IsKind(err, KindWindowExhausted) {
		t.Fatalf("expected WindowExhausted, got %v", err)
	}
	if res.State != StateExhausted || res.Diagnostics.Iterations != 11 {
		t.Errorf("state=%s iterations=%d, want EXHAUSTED after 11", res.State, res.Diagnostics.Iterations)
	}
	if len(unit.Records()) != 1 {
		t.Error("exhausted search left records behind")
	}
}

func TestScheduleIterationCap(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 0, 50000)},
		WithConfig(SchedulerConfig{MaxIterations: 5}))
	unit, _ := s.Pool().Unit("mixer-1")
	mustReserve(t, unit, req(9, 2, 5000, 0, 600))

	act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
	res, err := s.Schedule(context.Background(), act)
	if !IsKind(err, KindWindowExhausted) {
		t.Fatalf("expected WindowExhausted, got %v", err)
	}
	if !res.Diagnostics.IterationCapHit || res.Diagnostics.Iterations != 5 {
		t.Errorf("unexpected diagnostics: %+v", res.Diagnostics)
	}
}

func TestScheduleSlack(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 0, 50000)})
	act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
	act.Slack = 10 * time.Minute

	res, err := s.Schedule(context.Background(), act)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !res.End.Equal(at(610)) {
		t.Errorf("end = %s, want deadline plus slack", res.End)
	}
}

func TestSchedulePriorityAndAdmission(t *testing.T) {
	specs := []UnitSpec{mixerSpec("mixer-a", 0, 50000), mixerSpec("mixer-b", 0, 50000)}

	t.Run("priority map", func(t *testing.T) {
		s := newTestScheduler(t, specs)
		act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
		act.Priorities = map[UnitID]int{"mixer-b": 1, "mixer-a": 2}
		res, err := s.Schedule(context.Background(), act)
		if err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		if res.Allocations[0].Unit != "mixer-b" {
			t.Errorf("allocated on %s, want mixer-b", res.Allocations[0].Unit)
		}
	})

	t.Run("denied unit skipped", func(t *testing.T) {
		s := newTestScheduler(t, specs, WithAdmissionPolicy(&denyPolicy{deny: map[UnitID]bool{"mixer-a": true}}))
		act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
		res, err := s.Schedule(context.Background(), act)
		if err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
		if res.Allocations[0].Unit != "mixer-b" {
			t.Errorf("allocated on %s, want mixer-b", res.Allocations[0].Unit)
		}
	})

	t.Run("all denied", func(t *testing.T) {
		s := newTestScheduler(t, specs, WithAdmissionPolicy(&denyPolicy{deny: map[UnitID]bool{"mixer-a": true, "mixer-b": true}}))
		act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
		if _, err := s.Schedule(context.Background(), act); !IsKind(err, KindUnitNotFound) {
			t.Errorf("expected UnitNotFound, got %v", err)
		}
	})

	t.Run("policy error admits", func(t *testing.T) {
		s := newTestScheduler(t, specs, WithAdmissionPolicy(&denyPolicy{err: errors.New("policy store offline")}))
		act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
		if _, err := s.Schedule(context.Background(), act); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestScheduleCancelled(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 0, 50000)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
	res, err := s.Schedule(ctx, act)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.State != StateExhausted {
		t.Errorf("state = %s", res.State)
	}
}

func TestScheduleInvalidRequest(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{mixerSpec("mixer-1", 0, 50000)})

	tests := []struct {
		name   string
		mutate func(a *Activity)
	}{
		{"zero quantity", func(a *Activity) { a.Quantity = 0 }},
		{"zero duration", func(a *Activity) { a.Duration = 0 }},
		{"deadline before earliest start", func(a *Activity) { a.Deadline = a.EarliestStart.Add(-time.Minute) }},
		{"unknown category", func(a *Activity) { a.Category = "toaster" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := newActivity(1, 2000, 20*time.Minute, at(0), at(600))
			tt.mutate(act)
			if _, err := s.Schedule(context.Background(), act); !IsKind(err, KindInvalidRequest) {
				t.Errorf("expected InvalidRequest, got %v", err)
			}
		})
	}

	if _, err := s.Schedule(context.Background(), nil); !IsKind(err, KindInvalidRequest) {
		t.Errorf("expected InvalidRequest for nil activity, got %v", err)
	}
}

func TestScheduleNotifiesObserver(t *testing.T) {
	s := newTestScheduler(t, []UnitSpec{
		mixerSpec("mixer-a", 3000, 30000),
		mixerSpec("mixer-b", 2000, 20000),
	})
	obs := newRecordingObserver()
	s.Pool().SetObserver(obs)

	act := newActivity(1, 45000, 30*time.Minute, at(0), at(600))
	if _, err := s.Schedule(context.Background(), act); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if obs.completed != 1 || len(obs.reserved) != 2 {
		t.Errorf("completed=%d reserved=%v", obs.completed, obs.reserved)
	}

	if n := s.Pool().ReleaseByActivity(act.Key()); n != 2 {
		t.Errorf("released %d records, want 2", n)
	}
	if obs.released["activity"] != 2 {
		t.Errorf("observer saw %v", obs.released)
	}
}
