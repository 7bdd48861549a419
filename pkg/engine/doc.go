// Package engine provides the backward-scheduling resource allocator for the
// bakery equipment fleet.
//
// # Overview
//
// An Activity asks for a quantity of one item on a family of equipment for a
// fixed duration, finishing no later than its deadline. The BackwardScheduler
// tries windows starting at the deadline and stepping back one minute at a
// time. In each window it:
//
//  1. Ranks the candidate units by the activity's priority map (OrderByPriority)
//  2. Tries to place the whole quantity on one unit (UnitAllocator)
//  3. Otherwise splits the quantity across units (DistributionPlanner)
//  4. Otherwise retreats one minute
//
// The search ends ALLOCATED with the chosen units and window, or EXHAUSTED.
// Quantities no combination of units could hold are rejected before the
// first window with a BelowMinimumQuantity or AboveMaximumQuantity error
// carrying a QuantityContext.
//
// # Units and Ledgers
//
// A ResourceUnit holds the static UnitSpec and an occupancy ledger of
// OccupationRecords. Continuous ledgers track a single weight-like
// quantity; slotted ledgers track N independent fractions, levels or boxes.
// The SharingPolicy decides how records for the same item coexist:
//
//   - PolicyFlexibleOverlap: same-item records may overlap while the
//     sweep-line peak stays within capacity
//   - PolicyExactWindow: same-item records share only identical windows
//     with identical technical parameters
//
// Records for different items never overlap on a continuous ledger or on
// the same slot.
//
// # Distribution
//
// The planner computes a proportional split and a first-fit-decreasing
// split, keeps the plan using fewer units (then the more balanced one) and
// applies it atomically: if any reservation fails the ones already made are
// released.
//
// # Errors
//
// Failures are *AllocationError values classified as conflict (retryable in
// another window) or permanent:
//
//	res, err := scheduler.Schedule(ctx, act)
//	if engine.IsStructural(err) {
//	    qc, _ := engine.QuantityContextOf(err)
//	    fmt.Println(qc.TotalSystemCapacity, qc.Suggestions)
//	}
//
// # Concurrency
//
// Each unit guards its ledger with its own mutex. The scheduler serializes
// Schedule calls, so a distribution plan is applied without interleaving
// from another search; releases may run concurrently.
package engine
