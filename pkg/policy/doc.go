// Package policy provides Open Policy Agent (OPA) admission control for the
// scheduler.
//
// Before the scheduler searches a unit for an activity it asks an
// engine.AdmissionPolicy whether the unit may be used at all. Engine is
// that policy: it evaluates every enabled Rego policy against the activity
// and unit, and any blocking violation removes the unit from the
// activity's candidates.
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	policies, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	policies.OnDeny(observer.Denied)
//
//	sched := engine.NewBackwardScheduler(pool, engine.WithAdmissionPolicy(policies))
//
// Custom policies are loaded from .rego files, JSON policy definitions or
// directories of both. Loading replaces every previously loaded custom
// policy; the built-ins always stay:
//
//	err = policies.LoadPolicies(ctx, []string{"/etc/bakeplan/policies"})
//
// # Input
//
// Policies see the activity and the unit as `input`:
//
//	{
//	  "activity": {"id": 1, "order_id": 10, "request_id": 100, "item_id": 2002,
//	               "category": "mixer", "quantity": 40000, "duration_minutes": 20,
//	               "earliest_start": "2025-03-10T04:00:00Z",
//	               "deadline": "2025-03-10T08:00:00Z"},
//	  "unit": {"id": "spiral-1", "category": "mixer", "ledger": "continuous",
//	           "max_quantity": 80000, "slot_count": 0, "labels": {...}},
//	  "context": {"operation": "admit", "dry_run": false}
//	}
//
// # Built-in Policies
//
//  1. unit-maintenance - labels maintenance=true or maintenance_until
//  2. item-restrictions - labels allowed_items and blocked_items
//  3. category-guard - unit category must match the activity category
//  4. capacity-advisory - warns when the activity needs a split
//
// # Custom Policies
//
// A policy defines a `deny` set in its package. Elements are either a
// message or an object with "message" and "severity":
//
//	# Keeps the pastry line off the bread ovens
//	# severity: error
//	package bakeplan.custom.pastry
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.unit.labels.line == "bread"
//	    input.activity.item_id >= 5000
//	    msg := "pastry items must not use bread ovens"
//	}
//
// The leading comment becomes the description and the optional severity
// header sets the default severity, which is error when absent.
//
// # Severity Levels
//
//   - info, warning: logged, the unit stays a candidate
//   - error, critical: the unit is excluded
package policy
