package engine

import (
	"context"
	"time"
)

// Observer receives scheduler and pool notifications. Implementations must
// be safe for concurrent use and must not call back into the pool.
type Observer interface {
	// ScheduleCompleted is called once per Schedule call with its outcome.
	ScheduleCompleted(act *Activity, res *Result, err error, elapsed time.Duration)

	// Reserved is called for every allocation of a successful schedule.
	Reserved(act *Activity, alloc Allocation)

	// Released is called after a release removed records.
	Released(scope string, count int)
}

// AdmissionPolicy decides whether a unit may be considered for an activity.
// It is consulted once per unit before the search starts.
type AdmissionPolicy interface {
	// Admit returns false and a reason to exclude unit.
	Admit(ctx context.Context, act *Activity, unit UnitSpec) (bool, string, error)
}

// Scheduler finds a window and units for an activity.
type Scheduler interface {
	// Schedule runs the backward search and reserves the result.
	Schedule(ctx context.Context, act *Activity) (*Result, error)
}

// Store persists ledgers between processes.
type Store interface {
	// SaveSnapshot replaces the persisted ledgers with snap.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LoadSnapshot reads the persisted ledgers.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

type nopObserver struct{}

func (nopObserver) ScheduleCompleted(*Activity, *Result, error, time.Duration) {}
func (nopObserver) Reserved(*Activity, Allocation) {}
func (nopObserver) Released(string, int) {}
