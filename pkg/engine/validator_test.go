package engine

import (
	"testing"
)

func ovenSpec(id UnitID) UnitSpec {
	return UnitSpec{
		ID:       id,
		Category: CategoryOven,
		Capacity: Range{Min: 0, Max: 100},
		Params: ParamSpec{
			TemperatureRange: &IntRange{Min: 100, Max: 250},
			SteamRange:       &IntRange{Min: 0, Max: 5},
		},
	}
}

func TestCompatibilityFlexibleOverlap(t *testing.T) {
	u := newTestUnit(t, mixerSpec("mixer-1", 0, 10000))
	first := req(1, 1, 1000, 0, 20)
	first.Params = TechnicalParams{Velocity: IntPtr(2), MixtureType: "dough"}
	mustReserve(t, u, first)

	v := NewCompatibilityValidator()
	tests := []struct {
		name       string
		params     TechnicalParams
		start, end int
		wantOK     bool
	}{
		{"same velocity", TechnicalParams{Velocity: IntPtr(2)}, 10, 30, true},
		{"different velocity overlapping", TechnicalParams{Velocity: IntPtr(3)}, 10, 30, false},
		{"different velocity after", TechnicalParams{Velocity: IntPtr(3)}, 20, 40, true},
		{"no velocity declared", TechnicalParams{}, 10, 30, true},
		{"different mixture type", TechnicalParams{Velocity: IntPtr(2), MixtureType: "batter"}, 0, 20, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(u, 1, tt.params, at(tt.start), at(tt.end))
			if tt.wantOK && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.wantOK && !IsKind(err, KindParameterIncompatible) {
				t.Errorf("expected ParameterIncompatible, got %v", err)
			}
		})
	}
}

func TestCompatibilityExactWindow(t *testing.T) {
	u := newTestUnit(t, UnitSpec{ID: "beater-1", Category: CategoryBeater, Capacity: Range{Max: 5000}})
	first := req(1, 1, 1000, 0, 20)
	first.Params = TechnicalParams{Velocity: IntPtr(2), MixtureType: "cream"}
	mustReserve(t, u, first)

	v := NewCompatibilityValidator()
	if !v.Compatible(u, 1, TechnicalParams{Velocity: IntPtr(2), MixtureType: "cream"}, at(0), at(20)) {
		t.Error("identical params in identical window should be compatible")
	}
	if v.Compatible(u, 1, TechnicalParams{Velocity: IntPtr(2), MixtureType: "meringue"}, at(0), at(20)) {
		t.Error("different mixture type in identical window should be incompatible")
	}
}

func TestSetTemperature(t *testing.T) {
	u := newTestUnit(t, ovenSpec("oven-1"))

	if err := u.SetTemperature(300, at(0), at(60)); !IsKind(err, KindParameterIncompatible) {
		t.Errorf("expected out of range rejection, got %v", err)
	}
	if err := u.SetTemperature(180, at(0), at(60)); err != nil {
		t.Fatalf("SetTemperature failed: %v", err)
	}
	if err := u.SetTemperature(200, at(30), at(90)); !IsKind(err, KindParameterIncompatible) {
		t.Errorf("expected overlapping window rejection, got %v", err)
	}
	if len(u.Windows()) != 1 {
		t.Fatalf("expected 1 window after rejection, got %d", len(u.Windows()))
	}
	if temp, ok := u.TemperatureIn(at(10), at(20)); !ok || temp != 180 {
		t.Errorf("TemperatureIn() = %d, %v", temp, ok)
	}

	hot := req(1, 1, 50, 10, 40)
	hot.Params = TechnicalParams{Temperature: IntPtr(200)}
	if _, err := u.Reserve(hot); !IsKind(err, KindParameterIncompatible) {
		t.Errorf("expected reservation to disagree with window, got %v", err)
	}
	hot.Params = TechnicalParams{Temperature: IntPtr(180)}
	mustReserve(t, u, hot)

	busy := req(2, 1, 50, 100, 120)
	busy.Params = TechnicalParams{Temperature: IntPtr(220)}
	mustReserve(t, u, busy)
	if err := u.SetTemperature(200, at(90), at(110)); !IsKind(err, KindParameterIncompatible) {
		t.Errorf("expected active record rejection, got %v", err)
	}

	if n := u.ReleaseInterval(at(0), at(60)); n != 1 {
		t.Errorf("ReleaseInterval removed %d records, want 1", n)
	}
	if len(u.Windows()) != 0 {
		t.Errorf("expected windows to be released, got %d", len(u.Windows()))
	}

	mixer := newTestUnit(t, mixerSpec("mixer-1", 0, 100))
	if err := mixer.SetTemperature(30, at(0), at(10)); !IsKind(err, KindParameterIncompatible) {
		t.Errorf("expected unit without temperature control to reject, got %v", err)
	}
}

func TestParamSpecCheck(t *testing.T) {
	spec := ParamSpec{
		VelocityRange: &IntRange{Min: 1, Max: 3},
		Speeds:        []string{"low", "high"},
		MixtureTypes:  []string{"dough"},
	}

	tests := []struct {
		name    string
		params  TechnicalParams
		present bool
		wantErr bool
	}{
		{"missing config", TechnicalParams{}, false, true},
		{"velocity in range", TechnicalParams{Velocity: IntPtr(2)}, true, false},
		{"velocity above range", TechnicalParams{Velocity: IntPtr(5)}, true, true},
		{"unknown speed", TechnicalParams{Speeds: []string{"turbo"}}, true, true},
		{"supported mixture", TechnicalParams{MixtureType: "dough", Speeds: []string{"low"}}, true, false},
		{"temperature unsupported", TechnicalParams{Temperature: IntPtr(40)}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := spec.Check(tt.params, tt.present)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := (ParamSpec{}).Check(TechnicalParams{}, false); err != nil {
		t.Errorf("empty spec should accept missing config: %v", err)
	}
}
