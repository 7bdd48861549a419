package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/bakeplan/pkg/engine"
)

// StarlarkEvaluator executes priority scripts with a bounded run time.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a Starlark script with the given input and returns the
// script's exported globals. The thread is cancelled when ctx is done or the
// timeout elapses.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := predeclaredHelpers()
	for key, val := range input {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	start := time.Now()
	globals, err := se.exec(ctx, script, predeclared)
	result := &StarlarkResult{ExecutionTime: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Output = make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		v, err := fromStarlark(val)
		if err != nil {
			err = fmt.Errorf("failed to convert output %s: %w", name, err)
			result.Error = err.Error()
			return result, err
		}
		result.Output[name] = v
	}
	return result, nil
}

// exec runs script on a fresh thread that is cancelled with ctx or after
// the evaluator timeout.
func (se *StarlarkEvaluator) exec(ctx context.Context, script string, predeclared starlark.StringDict) (starlark.StringDict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "bakeplan",
		Print: func(*starlark.Thread, string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, "priorities.star", script, predeclared)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	return globals, nil
}

// EvaluatePriorities runs a priority script against the candidate units of
// one activity and returns its priorities dict, keyed by unit reference.
//
// The script sees two globals: units, a list of dicts with id, name,
// category, capacity, slots and labels; and activity, a dict with id,
// order_id, request_id, item_id, quantity, category and duration_minutes.
func (se *StarlarkEvaluator) EvaluatePriorities(ctx context.Context, script string, activity *engine.Activity, candidates []*engine.ResourceUnit) (map[string]int, error) {
	units := make([]starlark.Value, 0, len(candidates))
	for _, u := range candidates {
		units = append(units, unitValue(u))
	}

	predeclared := predeclaredHelpers()
	predeclared["units"] = starlark.NewList(units)
	predeclared["activity"] = activityValue(activity)

	globals, err := se.exec(ctx, script, predeclared)
	if err != nil {
		return nil, err
	}

	raw, ok := globals["priorities"]
	if !ok {
		return nil, fmt.Errorf("priority script must define a priorities dict")
	}
	dict, ok := raw.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("priorities must be a dict, got %s", raw.Type())
	}

	out := make(map[string]int, dict.Len())
	for _, item := range dict.Items() {
		ref, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("priority keys must be unit references, got %s", item[0].Type())
		}
		var p int
		if err := starlark.AsInt(item[1], &p); err != nil {
			return nil, fmt.Errorf("priority of %q must be an int, got %s", ref, item[1].Type())
		}
		out[ref] = p
	}
	return out, nil
}

func unitValue(u *engine.ResourceUnit) starlark.Value {
	spec := u.Spec()
	labels := starlark.NewDict(len(spec.Labels))
	for k, v := range spec.Labels {
		_ = labels.SetKey(starlark.String(k), starlark.String(v))
	}

	d := starlark.NewDict(6)
	_ = d.SetKey(starlark.String("id"), starlark.String(spec.ID))
	_ = d.SetKey(starlark.String("name"), starlark.String(spec.Name))
	_ = d.SetKey(starlark.String("category"), starlark.String(spec.Category))
	_ = d.SetKey(starlark.String("capacity"), starlark.Float(u.MaxQuantity()))
	_ = d.SetKey(starlark.String("slots"), starlark.MakeInt(spec.SlotCount))
	_ = d.SetKey(starlark.String("labels"), labels)
	return d
}

func activityValue(a *engine.Activity) starlark.Value {
	d := starlark.NewDict(7)
	_ = d.SetKey(starlark.String("id"), starlark.MakeInt(a.ID))
	_ = d.SetKey(starlark.String("order_id"), starlark.MakeInt(a.OrderID))
	_ = d.SetKey(starlark.String("request_id"), starlark.MakeInt(a.RequestID))
	_ = d.SetKey(starlark.String("item_id"), starlark.MakeInt(a.ItemID))
	_ = d.SetKey(starlark.String("quantity"), starlark.Float(a.Quantity))
	_ = d.SetKey(starlark.String("category"), starlark.String(a.Category))
	_ = d.SetKey(starlark.String("duration_minutes"), starlark.MakeInt(int(a.Duration/time.Minute)))
	return d
}

// predeclaredHelpers returns the builtins available to every script, on
// top of the Starlark universe (range, enumerate, sorted, zip, ...).
func predeclaredHelpers() starlark.StringDict {
	return starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"rank_by": starlark.NewBuiltin("rank_by", builtinRankBy),
		"label":   starlark.NewBuiltin("label", builtinLabel),
	}
}

// builtinRankBy implements rank_by(units, field, descending=False). It
// returns a priorities dict ranking units 1..n by a numeric field; ties keep
// the order of units.
func builtinRankBy(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		units      *starlark.List
		field      string
		descending bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "units", &units, "field", &field, "descending?", &descending); err != nil {
		return nil, err
	}

	type ranked struct {
		id    starlark.Value
		value float64
	}
	entries := make([]ranked, 0, units.Len())
	for i := 0; i < units.Len(); i++ {
		unit, ok := units.Index(i).(starlark.Mapping)
		if !ok {
			return nil, fmt.Errorf("%s: unit %d is a %s, want dict", b.Name(), i, units.Index(i).Type())
		}
		id, found, err := unit.Get(starlark.String("id"))
		if err != nil || !found {
			return nil, fmt.Errorf("%s: unit %d has no id", b.Name(), i)
		}
		raw, found, err := unit.Get(starlark.String(field))
		if err != nil || !found {
			return nil, fmt.Errorf("%s: unit %s has no field %q", b.Name(), id, field)
		}
		n, ok := starlark.AsFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%s: field %q of unit %s is not a number", b.Name(), field, id)
		}
		entries = append(entries, ranked{id: id, value: n})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if descending {
			return entries[i].value > entries[j].value
		}
		return entries[i].value < entries[j].value
	})

	out := starlark.NewDict(len(entries))
	for i, e := range entries {
		if err := out.SetKey(e.id, starlark.MakeInt(i+1)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// builtinLabel implements label(unit, key, default=""), reading a unit label
// without failing on units that lack it.
func builtinLabel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		unit starlark.Mapping
		key  string
		def  starlark.Value = starlark.String("")
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "unit", &unit, "key", &key, "default?", &def); err != nil {
		return nil, err
	}

	labels, found, err := unit.Get(starlark.String("labels"))
	if err != nil || !found {
		return def, nil
	}
	m, ok := labels.(starlark.Mapping)
	if !ok {
		return def, nil
	}
	v, found, err := m.Get(starlark.String(key))
	if err != nil || !found {
		return def, nil
	}
	return v, nil
}

// toStarlark converts script input. Only JSON-shaped values are accepted.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case map[string]string:
		d := starlark.NewDict(len(val))
		for k, s := range val {
			_ = d.SetKey(starlark.String(k), starlark.String(s))
		}
		return d, nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// fromStarlark converts a script global back to Go. Lists, tuples and sets
// become []interface{}; dicts and structs become map[string]interface{}.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = gv
		}
		return out, nil
	case starlark.Iterable:
		var out []interface{}
		iter := val.Iterate()
		defer iter.Done()
		var item starlark.Value
		for iter.Next(&item) {
			gv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		if out == nil {
			out = []interface{}{}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
}
