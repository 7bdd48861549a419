package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, def := range builtinDefinitions {
		if err := sr.RegisterSchema(name, builtinSchemas, def); err != nil {
			// The built-in source is a constant; failing here is a programming error.
			panic(err)
		}
	}

	return sr
}

var builtinDefinitions = map[string]string{
	"unit":       "#Unit",
	"activity":   "#Activity",
	"fleet":      "#Fleet",
	"activities": "#Activities",
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a registered schema must be built in the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unify unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema. The data
// is encoded through its JSON form so omitempty fields stay optional.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	dataVal := sr.ctx.CompileBytes(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	_, err = sr.Unify(schemaName, dataVal)
	return err
}

// ValidateUnit validates a unit document against the unit schema.
func (sr *SchemaRegistry) ValidateUnit(ctx context.Context, unit UnitDocument) error {
	return sr.ValidateAgainstSchema(ctx, "unit", unit)
}

// ValidateActivity validates an activity document against the activity schema.
func (sr *SchemaRegistry) ValidateActivity(ctx context.Context, activity ActivityDocument) error {
	return sr.ValidateAgainstSchema(ctx, "activity", activity)
}

const builtinSchemas = `
#Category: "mixer" | "beater" | "hot_mixer" | "stove" | "oven" | "proofer" |
	"fryer" | "divider" | "bench" | "cold_room" | "freezer" | "scale" |
	"packer" | "shaper"

#Range: {
	min?: number & >=0
	max?: number & >=0
}

#IntRange: {
	min: int
	max: int
}

#ParamSpec: {
	temperature?: #IntRange
	velocity?:    #IntRange
	steam?:       #IntRange
	speeds?: [...string]
	mixture_types?: [...string]
	flames?: [...string]
	pressures?: [...string]
}

#Unit: {
	id:        string & =~"^[a-zA-Z0-9_.-]+$"
	name?:     string
	category:  #Category
	ledger?:   "continuous" | "slotted"
	policy?:   "flexible_overlap" | "exact_window"
	capacity?: #Range
	slot_count?:    int & >=0
	slot_capacity?: #Range
	params?: #ParamSpec
	labels?: {[string]: string}
}

#TechnicalParams: {
	temperature?:  int
	velocity?:     int
	steam?:        int
	speeds?: [...string]
	mixture_type?: string
	flame?:        string
	pressures?: [...string]
}

#Activity: {
	id:         int & >=0
	order_id:   int & >=0
	request_id: int & >=0
	item_id:    int & >=0
	name?:      string
	category?:  #Category
	units?: [...string]
	quantity:       number & >0
	duration:       string
	earliest_start: string
	deadline:       string
	slack?:         string
	priorities?: {[string]: int}
	priority_script?: string
	config?: {[string]: #TechnicalParams}
}

#Scheduler: {
	max_iterations?:   int & >=0
	tolerance?:        number & >=0 & <=1
	quantity_epsilon?: number & >=0
}

#Fleet: {
	version?:   string
	scheduler?: #Scheduler
	units: [...#Unit]
}

#Activities: {
	version?: string
	activities: [...#Activity]
}
`
