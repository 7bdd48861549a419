// Package config loads bakery fleet and activity documents and resolves
// them into engine values.
//
// # Overview
//
// A fleet document lists the resource units of a bakery (mixers, ovens,
// proofers and so on) with their capacity, slot layout, technical parameter
// ranges and labels. An activities document lists the scheduling requests
// in submission order. Both may be written in YAML or CUE; the file
// extension picks the decoder.
//
// # Validation
//
// Every document is checked twice:
//
//   - against the CUE definitions #Fleet, #Unit, #Activities and #Activity
//     held by a SchemaRegistry, which also closes the documents to unknown
//     fields
//   - against the go-playground validator tags on the document structs
//
// Problems are reported as ValidationErrors with file, line and path
// information where available.
//
// # Resolution
//
// Loader.Resolve builds an engine.ResourcePool from the fleet and turns each
// activity into an engine.Activity. Unit references in priorities, unit
// lists and technical configuration may use unit ids or display names;
// names are matched case- and accent-insensitively and resolved to typed
// unit ids exactly once, here.
//
// An activity may carry a Starlark priority_script. The script receives the
// candidate units as `units` and the request as `activity`, and must define
// a `priorities` dict. Explicit priorities in the document override the
// script's entries.
//
// # Usage Example
//
//	loader := config.NewLoader(config.WithLoaderLogger(logger))
//
//	fleet, err := loader.LoadFleet(ctx, "fleet.yaml")
//	if err != nil {
//	    return err
//	}
//	acts, err := loader.LoadActivities(ctx, "activities.cue")
//	if err != nil {
//	    return err
//	}
//
//	res, err := loader.Resolve(ctx, fleet, acts)
//	if err != nil {
//	    return err
//	}
//	scheduler := engine.NewBackwardScheduler(res.Pool, engine.WithConfig(res.Scheduler))
//
// # Watching
//
// Watcher observes configuration and policy paths with fsnotify and calls
// back once per burst of changes, after a quiet period.
package config
