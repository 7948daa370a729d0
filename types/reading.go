package types

import (
	"time"

	"github.com/airbalance/dabctl/hvac"
)

// ReadingType identifies the type of metric reading.
type ReadingType string

const (
	ReadingTypeRoom       ReadingType = "room"
	ReadingTypeVent       ReadingType = "vent"
	ReadingTypeCycleEvent ReadingType = "cycle_event"
)

// Reading is a union type that can hold different kinds of metric readings
// flowing from the control loop to the Prometheus pusher.
type Reading struct {
	Type       ReadingType
	Room       *RoomSample
	Vent       *VentSample
	CycleEvent *CycleEvent
}

// RoomSample captures one room's thermal state at a poll.
type RoomSample struct {
	Timestamp          time.Time
	RoomID             string
	RoomName           string
	TemperatureCelsius float64
	SetpointCelsius    float64
	Active             bool
}

// VentSample captures one vent's commanded position and learned rate.
type VentSample struct {
	Timestamp   time.Time
	VentID      string
	RoomID      string
	PercentOpen float64
	LearnedRate float64
	Mode        hvac.Mode
}

// CycleEvent marks a cycle lifecycle transition (start, rebalance, end).
type CycleEvent struct {
	Timestamp       time.Time
	CycleID         string
	Mode            hvac.Mode
	Event           string
	DurationSeconds float64
}

// GetTimestamp returns the timestamp of the reading regardless of type.
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeRoom:
		return r.Room.Timestamp
	case ReadingTypeVent:
		return r.Vent.Timestamp
	case ReadingTypeCycleEvent:
		return r.CycleEvent.Timestamp
	default:
		return time.Time{}
	}
}
