package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Shift: {
	name:  string
	hours: int & >0 & <=12
}
`

	if err := sr.RegisterSchema("shift", customSchema, "#Shift"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("shift")
	if !ok {
		t.Fatal("expected to find shift schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "shift", map[string]interface{}{"name": "night", "hours": 8}); err != nil {
		t.Errorf("expected valid shift, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "shift", map[string]interface{}{"name": "double", "hours": 16}); err == nil {
		t.Error("expected hours out of range to fail")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#Broken: {", "#Broken"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#Other: string", "#Missing"); err == nil {
		t.Error("expected missing definition error")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{"activities", "activity", "fleet", "unit"}
	got := sr.ListSchemas()
	if len(got) != len(want) {
		t.Fatalf("expected schemas %v, got %v", want, got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("schema %d: expected %s, got %s", i, name, got[i])
		}
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateUnit(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		unit    UnitDocument
		wantErr bool
	}{
		{
			name: "continuous mixer",
			unit: UnitDocument{
				ID:       "spiral-1",
				Category: "mixer",
				Capacity: &RangeDocument{Min: 5000, Max: 50000},
			},
		},
		{
			name: "slotted oven with params",
			unit: UnitDocument{
				ID:           "deck-1",
				Name:         "Deck oven",
				Category:     "oven",
				SlotCount:    4,
				SlotCapacity: &RangeDocument{Max: 12},
				Params: &ParamSpecDocument{
					Temperature: &IntRangeDocument{Min: 150, Max: 280},
					Steam:       &IntRangeDocument{Min: 0, Max: 3},
				},
				Labels: map[string]string{"line": "bread"},
			},
		},
		{
			name:    "unknown category",
			unit:    UnitDocument{ID: "x", Category: "toaster"},
			wantErr: true,
		},
		{
			name:    "invalid id",
			unit:    UnitDocument{ID: "deck 1", Category: "oven"},
			wantErr: true,
		},
		{
			name:    "unknown policy",
			unit:    UnitDocument{ID: "b1", Category: "beater", Policy: "first_come"},
			wantErr: true,
		},
		{
			name:    "negative slot count",
			unit:    UnitDocument{ID: "p1", Category: "proofer", SlotCount: -2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateUnit(ctx, tt.unit)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUnit() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateActivity(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := ActivityDocument{
		ID:            1,
		OrderID:       10,
		RequestID:     1,
		ItemID:        1001,
		Quantity:      20000,
		Duration:      "20m",
		EarliestStart: "2025-03-10T04:00:00Z",
		Deadline:      "2025-03-10T08:00:00Z",
		Priorities:    map[string]int{"spiral-1": 1},
		Config: map[string]TechnicalParamsDocument{
			"spiral-1": {Speeds: []string{"low", "high"}},
		},
	}

	tests := []struct {
		name    string
		mutate  func(*ActivityDocument)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ActivityDocument) {}},
		{name: "fractional quantity", mutate: func(a *ActivityDocument) { a.Quantity = 0.5 }},
		{name: "zero quantity", mutate: func(a *ActivityDocument) { a.Quantity = 0 }, wantErr: true},
		{name: "negative item", mutate: func(a *ActivityDocument) { a.ItemID = -1 }, wantErr: true},
		{name: "unknown category", mutate: func(a *ActivityDocument) { a.Category = "grill" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := valid
			tt.mutate(&act)
			err := sr.ValidateActivity(ctx, act)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateActivity() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
