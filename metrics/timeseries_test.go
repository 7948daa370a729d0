package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/prometheus/prompb"

	"github.com/airbalance/dabctl/hvac"
	"github.com/airbalance/dabctl/types"
)

func metricName(ts prompb.TimeSeries) string {
	for _, l := range ts.Labels {
		if l.Name == "__name__" {
			return l.Value
		}
	}
	return ""
}

func TestBuildRoomTimeSeries(t *testing.T) {
	now := time.Now()
	readings := []types.Reading{
		{Type: types.ReadingTypeRoom, Room: &types.RoomSample{
			Timestamp: now, RoomID: "r1", RoomName: "Living Room",
			TemperatureCelsius: 22.5, SetpointCelsius: 21, Active: true,
		}},
		{Type: types.ReadingTypeRoom, Room: &types.RoomSample{
			Timestamp: now.Add(time.Minute), RoomID: "r1", RoomName: "Living Room",
			TemperatureCelsius: 22.1, SetpointCelsius: 21, Active: true,
		}},
		{Type: types.ReadingTypeVent, Vent: &types.VentSample{Timestamp: now, VentID: "v1"}},
	}

	series, err := BuildRoomTimeSeries(context.Background(), readings)
	if err != nil {
		t.Fatalf("BuildRoomTimeSeries() error: %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("got %d series, want 3 (temperature, setpoint, active)", len(series))
	}

	names := map[string]int{}
	for _, ts := range series {
		names[metricName(ts)] = len(ts.Samples)
	}
	for _, want := range []string{
		"dab_room_temperature_celsius",
		"dab_room_setpoint_celsius",
		"dab_room_active",
	} {
		if names[want] != 2 {
			t.Errorf("series %s has %d samples, want 2", want, names[want])
		}
	}
}

func TestBuildVentTimeSeriesGroupsByVent(t *testing.T) {
	now := time.Now()
	readings := []types.Reading{
		{Type: types.ReadingTypeVent, Vent: &types.VentSample{
			Timestamp: now, VentID: "v1", RoomID: "r1", PercentOpen: 40, Mode: hvac.ModeCooling,
		}},
		{Type: types.ReadingTypeVent, Vent: &types.VentSample{
			Timestamp: now, VentID: "v2", RoomID: "r1", PercentOpen: 100, Mode: hvac.ModeCooling,
		}},
	}

	series, err := BuildVentTimeSeries(context.Background(), readings)
	if err != nil {
		t.Fatalf("BuildVentTimeSeries() error: %v", err)
	}
	// 2 vents x (open percent + learned rate)
	if len(series) != 4 {
		t.Fatalf("got %d series, want 4", len(series))
	}
}

func TestBuildCycleEventTimeSeries(t *testing.T) {
	now := time.Now()
	readings := []types.Reading{
		{Type: types.ReadingTypeCycleEvent, CycleEvent: &types.CycleEvent{
			Timestamp: now, CycleID: "c1", Mode: hvac.ModeCooling, Event: "finalized", DurationSeconds: 1200,
		}},
	}

	series, err := BuildCycleEventTimeSeries(context.Background(), readings)
	if err != nil {
		t.Fatalf("BuildCycleEventTimeSeries() error: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("got %d series, want 1", len(series))
	}
	if got := series[0].Samples[0].Value; got != 1200 {
		t.Errorf("duration sample = %v, want 1200", got)
	}
}

func TestCombineBuilders(t *testing.T) {
	now := time.Now()
	readings := []types.Reading{
		{Type: types.ReadingTypeRoom, Room: &types.RoomSample{Timestamp: now, RoomID: "r1"}},
		{Type: types.ReadingTypeVent, Vent: &types.VentSample{Timestamp: now, VentID: "v1"}},
	}

	combined := CombineBuilders(BuildRoomTimeSeries, nil, BuildVentTimeSeries)
	series, err := combined(context.Background(), readings)
	if err != nil {
		t.Fatalf("combined builder error: %v", err)
	}
	// 3 room series + 2 vent series
	if len(series) != 5 {
		t.Fatalf("got %d series, want 5", len(series))
	}
}
