package hvac

import (
	"testing"

	"go.uber.org/zap"
)

func TestDetect_Heating(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	d := NewDetector(0.5, nil, logger)

	// duct=22, room=20 => diff +2, above threshold
	mode := d.Detect([]Reading{
		{DuctTempC: 22, RoomTempC: 20},
		{DuctTempC: 22.5, RoomTempC: 20.2},
	})
	if mode != ModeHeating {
		t.Errorf("expected heating, got %s", mode)
	}
}

func TestDetect_Cooling(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	d := NewDetector(0.5, nil, logger)

	// duct=18, room=21 => diff -3, below -threshold
	mode := d.Detect([]Reading{
		{DuctTempC: 18, RoomTempC: 21},
	})
	if mode != ModeCooling {
		t.Errorf("expected cooling, got %s", mode)
	}
}

func TestDetect_WithinThresholdNoFallback(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	d := NewDetector(0.5, nil, logger)

	mode := d.Detect([]Reading{
		{DuctTempC: 20.2, RoomTempC: 20},
	})
	if mode != ModeIdle {
		t.Errorf("expected idle, got %s", mode)
	}
}

func TestDetect_EmptyUsesPlantStateFallback(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	tests := []struct {
		state string
		want  Mode
	}{
		{"heating", ModeHeating},
		{"pending heat", ModeHeating},
		{"cooling", ModeCooling},
		{"pending cool", ModeCooling},
		{"fan only", ModeIdle},
		{"", ModeIdle},
	}

	for _, tt := range tests {
		state := tt.state
		d := NewDetector(0.5, []Fallback{
			PlantStateFallback{State: func() string { return state }},
			IdleFallback{},
		}, logger)

		mode := d.Detect(nil)
		if mode != tt.want {
			t.Errorf("state %q: expected %s, got %s", tt.state, tt.want, mode)
		}
	}
}

func TestDetect_FallbackOrder(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// Plant state unavailable, chain must terminate at idle.
	d := NewDetector(0.5, []Fallback{
		PlantStateFallback{State: nil},
		IdleFallback{},
	}, logger)

	if mode := d.Detect(nil); mode != ModeIdle {
		t.Errorf("expected idle, got %s", mode)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
		ok     bool
	}{
		{"empty", nil, 0, false},
		{"single", []float64{3}, 3, true},
		{"odd", []float64{3, 1, 2}, 2, true},
		{"even", []float64{4, 1, 3, 2}, 2.5, true},
		{"negative", []float64{-3, -1, -2}, -2, true},
	}

	for _, tt := range tests {
		got, ok := Median(tt.values)
		if ok != tt.ok {
			t.Errorf("%s: expected ok=%v, got %v", tt.name, tt.ok, ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("%s: expected %.2f, got %.2f", tt.name, tt.want, got)
		}
	}
}

func TestUnits(t *testing.T) {
	if f := CToF(0); f != 32 {
		t.Errorf("expected 32, got %.1f", f)
	}
	if f := CToF(100); f != 212 {
		t.Errorf("expected 212, got %.1f", f)
	}
	if c := FToC(32); c != 0 {
		t.Errorf("expected 0, got %.1f", c)
	}
	if d := DeltaCToF(5); d != 9 {
		t.Errorf("expected 9, got %.1f", d)
	}
}
