package devices

import (
	"context"
	"math"
	"time"
)

// RoomReading is a single room thermometer sample.
type RoomReading struct {
	RoomID      string
	RoomName    string
	TempCelsius float64
	SetpointC   float64
	Active      bool
	ObservedAt  time.Time
}

// VentReading is a single vent's reported state.
type VentReading struct {
	VentID      string
	RoomID      string
	DuctTempC   float64
	PercentOpen float64
	Override    *float64
	ObservedAt  time.Time
}

// PlantSnapshot is what the HVAC plant reports about itself. PlantState is
// the raw state string from the equipment ("heating", "pending cool", ...).
type PlantSnapshot struct {
	PlantState string
	FanRunning bool
	ObservedAt time.Time
}

// Snapshot bundles one poll of the whole system.
type Snapshot struct {
	Rooms []RoomReading
	Vents []VentReading
	Plant PlantSnapshot
}

// Controller reads the current system state and commands vent positions.
type Controller interface {
	Read(ctx context.Context) (Snapshot, error)
	SetVent(ctx context.Context, ventID string, percentOpen float64) error
}

// Quantize rounds percent to the nearest multiple of granularity, clamped
// to [0, 100]. Granularity <= 0 means no quantization.
func Quantize(percent, granularity float64) float64 {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if granularity <= 0 {
		return percent
	}
	q := math.Round(percent/granularity) * granularity
	if q > 100 {
		q = 100
	}
	if q < 0 {
		q = 0
	}
	return q
}
