package metrics

import (
	"context"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/airbalance/dabctl/types"
)

// BuildRoomTimeSeries creates temperature, setpoint and active series per room.
func BuildRoomTimeSeries(ctx context.Context, readings []types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildRoomTimeSeries")
	defer span.End()

	type roomKey struct {
		id   string
		name string
	}
	grouped := make(map[roomKey][]*types.RoomSample)
	for _, r := range readings {
		if r.Type == types.ReadingTypeRoom && r.Room != nil {
			key := roomKey{id: r.Room.RoomID, name: r.Room.RoomName}
			grouped[key] = append(grouped[key], r.Room)
		}
	}
	if len(grouped) == 0 {
		span.SetStatus(codes.Ok, "no room readings")
		return nil, nil
	}

	var timeSeries []prompb.TimeSeries
	for key, samples := range grouped {
		labels := []prompb.Label{
			{Name: "room_id", Value: key.id},
			{Name: "room_name", Value: key.name},
		}

		var temp, setpoint, active []prompb.Sample
		for _, s := range samples {
			ts := s.Timestamp.UnixMilli()
			temp = append(temp, prompb.Sample{Value: s.TemperatureCelsius, Timestamp: ts})
			setpoint = append(setpoint, prompb.Sample{Value: s.SetpointCelsius, Timestamp: ts})
			activeVal := 0.0
			if s.Active {
				activeVal = 1
			}
			active = append(active, prompb.Sample{Value: activeVal, Timestamp: ts})
		}

		timeSeries = append(timeSeries,
			prompb.TimeSeries{
				Labels:  append(labels, prompb.Label{Name: "__name__", Value: "dab_room_temperature_celsius"}),
				Samples: temp,
			},
			prompb.TimeSeries{
				Labels:  append(labels, prompb.Label{Name: "__name__", Value: "dab_room_setpoint_celsius"}),
				Samples: setpoint,
			},
			prompb.TimeSeries{
				Labels:  append(labels, prompb.Label{Name: "__name__", Value: "dab_room_active"}),
				Samples: active,
			},
		)
	}

	span.SetAttributes(attribute.Int("metrics.room_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "room time series built")
	return timeSeries, nil
}

// BuildVentTimeSeries creates open-percentage and learned-rate series per vent.
func BuildVentTimeSeries(ctx context.Context, readings []types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildVentTimeSeries")
	defer span.End()

	type ventKey struct {
		ventID string
		roomID string
		mode   string
	}
	grouped := make(map[ventKey][]*types.VentSample)
	for _, r := range readings {
		if r.Type == types.ReadingTypeVent && r.Vent != nil {
			key := ventKey{ventID: r.Vent.VentID, roomID: r.Vent.RoomID, mode: string(r.Vent.Mode)}
			grouped[key] = append(grouped[key], r.Vent)
		}
	}
	if len(grouped) == 0 {
		span.SetStatus(codes.Ok, "no vent readings")
		return nil, nil
	}

	var timeSeries []prompb.TimeSeries
	for key, samples := range grouped {
		labels := []prompb.Label{
			{Name: "vent_id", Value: key.ventID},
			{Name: "room_id", Value: key.roomID},
			{Name: "mode", Value: key.mode},
		}

		var open, rate []prompb.Sample
		for _, s := range samples {
			ts := s.Timestamp.UnixMilli()
			open = append(open, prompb.Sample{Value: s.PercentOpen, Timestamp: ts})
			rate = append(rate, prompb.Sample{Value: s.LearnedRate, Timestamp: ts})
		}

		timeSeries = append(timeSeries,
			prompb.TimeSeries{
				Labels:  append(labels, prompb.Label{Name: "__name__", Value: "dab_vent_open_percent"}),
				Samples: open,
			},
			prompb.TimeSeries{
				Labels:  append(labels, prompb.Label{Name: "__name__", Value: "dab_vent_learned_rate"}),
				Samples: rate,
			},
		)
	}

	span.SetAttributes(attribute.Int("metrics.vent_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "vent time series built")
	return timeSeries, nil
}

// BuildCycleEventTimeSeries creates one duration series per cycle event kind.
func BuildCycleEventTimeSeries(ctx context.Context, readings []types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildCycleEventTimeSeries")
	defer span.End()

	type eventKey struct {
		mode  string
		event string
	}
	grouped := make(map[eventKey][]*types.CycleEvent)
	for _, r := range readings {
		if r.Type == types.ReadingTypeCycleEvent && r.CycleEvent != nil {
			key := eventKey{mode: string(r.CycleEvent.Mode), event: r.CycleEvent.Event}
			grouped[key] = append(grouped[key], r.CycleEvent)
		}
	}
	if len(grouped) == 0 {
		span.SetStatus(codes.Ok, "no cycle events")
		return nil, nil
	}

	var timeSeries []prompb.TimeSeries
	for key, events := range grouped {
		var samples []prompb.Sample
		for _, e := range events {
			samples = append(samples, prompb.Sample{
				Value:     e.DurationSeconds,
				Timestamp: e.Timestamp.UnixMilli(),
			})
		}
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: "dab_cycle_event_duration_seconds"},
				{Name: "mode", Value: key.mode},
				{Name: "event", Value: key.event},
			},
			Samples: samples,
		})
	}

	span.SetAttributes(attribute.Int("metrics.cycle_event_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "cycle event time series built")
	return timeSeries, nil
}

// CombineBuilders runs each builder over the readings and concatenates the
// resulting series.
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []types.Reading) ([]prompb.TimeSeries, error) {
		var all []prompb.TimeSeries
		for _, builder := range builders {
			if builder == nil {
				continue
			}
			ts, err := builder(ctx, readings)
			if err != nil {
				return nil, err
			}
			all = append(all, ts...)
		}
		return all, nil
	}
}
