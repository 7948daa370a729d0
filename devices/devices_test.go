package devices

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestQuantize(t *testing.T) {
	tests := []struct {
		name        string
		percent     float64
		granularity float64
		want        float64
	}{
		{"no granularity", 37.4, 0, 37.4},
		{"round down", 37.4, 5, 35},
		{"round up", 38, 5, 40},
		{"clamp high", 140, 5, 100},
		{"clamp low", -3, 5, 0},
		{"coarse", 62, 25, 50},
		{"exact multiple", 75, 25, 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Quantize(tt.percent, tt.granularity); got != tt.want {
				t.Errorf("Quantize(%v, %v) = %v, want %v", tt.percent, tt.granularity, got, tt.want)
			}
		})
	}
}

func TestSimControllerRead(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := NewSimController([]SimRoom{
		{RoomID: "r1", RoomName: "Living Room", VentID: "v1", TempC: 24, SetpointC: 22, Active: true, CoolRatePerMin: 0.2},
		{RoomID: "r2", RoomName: "Bedroom", VentID: "v2", TempC: 23, SetpointC: 21, Active: true, CoolRatePerMin: 0.15},
	}, 5, logger)

	snap, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(snap.Rooms) != 2 || len(snap.Vents) != 2 {
		t.Fatalf("snapshot has %d rooms, %d vents, want 2 and 2", len(snap.Rooms), len(snap.Vents))
	}
	if snap.Plant.PlantState != "idle" {
		t.Errorf("PlantState = %q, want idle", snap.Plant.PlantState)
	}
	if snap.Vents[0].PercentOpen != 100 {
		t.Errorf("initial vent position = %v, want 100", snap.Vents[0].PercentOpen)
	}
}

func TestSimControllerSetVent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := NewSimController([]SimRoom{
		{RoomID: "r1", VentID: "v1", TempC: 24},
	}, 5, logger)

	if err := c.SetVent(context.Background(), "v1", 42); err != nil {
		t.Fatalf("SetVent() error: %v", err)
	}
	snap, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if snap.Vents[0].PercentOpen != 40 {
		t.Errorf("PercentOpen = %v, want 40 (quantized)", snap.Vents[0].PercentOpen)
	}

	if err := c.SetVent(context.Background(), "missing", 50); err == nil {
		t.Error("SetVent() on unknown vent should fail")
	}
}

func TestSimControllerPlantState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	c := NewSimController([]SimRoom{{RoomID: "r1", VentID: "v1", TempC: 24}}, 0, logger)

	c.SetPlantState("cooling")
	snap, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !snap.Plant.FanRunning {
		t.Error("fan should run while cooling")
	}
	if snap.Vents[0].DuctTempC >= 20 {
		t.Errorf("duct temp = %v, want cold supply air", snap.Vents[0].DuctTempC)
	}
}
