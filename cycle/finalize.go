package cycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/airbalance/dabctl/devices"
	"github.com/airbalance/dabctl/hvac"
)

// Finalize computes each room's observed rate for the finished cycle and
// writes it into the rate store. It runs at most once per cycle: a retried
// callback finds the record gone (or a different cycle) and returns.
func (o *Orchestrator) Finalize(ctx context.Context, cycleID string) {
	rec := o.record
	if rec == nil || rec.ID != cycleID || rec.Finalized {
		return
	}

	tracer := otel.Tracer("cycle")
	ctx, span := tracer.Start(ctx, "cycle.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("cycle.id", cycleID))

	if rec.StartedRunning == nil {
		// A cycle that never ran must not feed the learned history.
		o.abort("cycle record has no startedRunning timestamp")
		return
	}
	if err := o.reconstruct(rec); err != nil {
		o.abort(err.Error())
		return
	}

	snap, err := o.deps.Controller.Read(ctx)
	if err != nil {
		o.counters.ReadErrors++
		o.abort(fmt.Sprintf("final snapshot read failed: %v", err))
		return
	}

	now := o.now()
	rec.Finalized = true
	elapsed := rec.FinishedRunning.Sub(*rec.StartedCycle).Minutes()
	if elapsed < o.cfg.MinCycleMinutes {
		o.logger.Info("Cycle too short to learn from",
			zap.String("cycle_id", rec.ID),
			zap.Float64("elapsed_minutes", elapsed))
	} else {
		o.learnFromCycle(snap, *rec.StartedCycle, *rec.FinishedRunning)
	}

	o.counters.CyclesFinalized++
	o.logOutcome(rec.ID, Outcome{
		Mode:            rec.Mode,
		Result:          "finalized",
		StartedRunning:  rec.StartedRunning,
		FinishedRunning: rec.FinishedRunning,
		ElapsedMinutes:  elapsed,
	})
	o.emitEvent(rec.ID, rec.Mode, "finalized", rec.FinishedRunning.Sub(*rec.StartedRunning).Seconds(), now)
	o.logger.Info("Cycle finalized",
		zap.String("cycle_id", rec.ID),
		zap.String("mode", string(rec.Mode)),
		zap.Float64("elapsed_minutes", elapsed))

	o.deps.Scheduler.CancelPrefix("cycle:")
	o.record = nil
	o.persist()
}

// reconstruct fills missing record fields from what is still available.
// It fails when the record cannot be made finalizable, in which case the
// cycle is aborted rather than learned from incomplete data.
func (o *Orchestrator) reconstruct(rec *Record) error {
	if rec.Mode != hvac.ModeHeating && rec.Mode != hvac.ModeCooling {
		return fmt.Errorf("cycle %s has no usable mode %q", rec.ID, rec.Mode)
	}
	if rec.StartedCycle == nil {
		// The settle-delay solve never ran; the plant-on timestamp is the
		// best remaining approximation.
		o.logger.Warn("Reconstructing startedCycle from startedRunning",
			zap.String("cycle_id", rec.ID))
		rec.StartedCycle = rec.StartedRunning
	}
	if rec.FinishedRunning == nil {
		now := o.now()
		o.logger.Warn("Reconstructing finishedRunning as now",
			zap.String("cycle_id", rec.ID))
		rec.FinishedRunning = &now
	}
	if len(rec.StartTemps) == 0 {
		return fmt.Errorf("cycle %s has no start temperatures", rec.ID)
	}
	return nil
}

// abort discards the cycle without learning from it: log, clear pending
// scheduled work, clear cycle state, continue from the next transition.
func (o *Orchestrator) abort(reason string) {
	id := ""
	if o.record != nil {
		id = o.record.ID
		o.logOutcome(id, Outcome{
			Mode:           o.record.Mode,
			Result:         "aborted",
			Reason:         reason,
			StartedRunning: o.record.StartedRunning,
		})
	}
	o.counters.CyclesAborted++
	o.logger.Error("Aborting cycle",
		zap.String("cycle_id", id),
		zap.String("reason", reason))
	o.deps.Scheduler.CancelPrefix("cycle:")
	o.record = nil
	o.persist()
}

// logOutcome appends this cycle's outcome to the persisted cycle log with a
// partial update, leaving earlier cycles' entries untouched.
func (o *Orchestrator) logOutcome(cycleID string, out Outcome) {
	if err := o.deps.Store.UpdateMapValue(docCycleLog, cycleID, out); err != nil {
		o.logger.Warn("Recording cycle outcome failed",
			zap.String("cycle_id", cycleID),
			zap.Error(err))
	}
}

// learnFromCycle computes per-room observed rates between startedAt and
// endedAt and appends them to the rate store, keyed by the hour the cycle
// started. One bad room is logged and skipped so it cannot block learning
// for the rest, unless FailFast is set.
func (o *Orchestrator) learnFromCycle(snap devices.Snapshot, startedAt, endedAt time.Time) {
	rec := o.record
	elapsed := endedAt.Sub(startedAt).Minutes()
	if elapsed <= 0 {
		return
	}
	hour := startedAt.Hour()
	sp := setpointC(snap)

	roomOpen := map[string]float64{}
	for _, v := range snap.Vents {
		roomOpen[v.RoomID] += rec.PlannedPercent[v.VentID]
	}
	for roomID, open := range roomOpen {
		if open > 100 {
			roomOpen[roomID] = 100
		}
	}

	// Rooms sharing a name reuse the first computed rate.
	rateByName := map[string]float64{}

	for _, room := range snap.Rooms {
		err := o.learnRoom(room, rec, roomOpen[room.RoomID], elapsed, hour, sp, rateByName)
		if err != nil {
			o.counters.RoomErrors++
			if o.cfg.FailFast {
				o.logger.Error("Room finalize failed, fail-fast stops the pass",
					zap.String("room_id", room.RoomID),
					zap.Error(err))
				return
			}
			o.logger.Warn("Room finalize failed, continuing with remaining rooms",
				zap.String("room_id", room.RoomID),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) learnRoom(room devices.RoomReading, rec *Record, percentOpen, elapsed float64, hour int, sp *float64, rateByName map[string]float64) error {
	mode := rec.Mode
	prior := o.deps.Rates.Average(room.RoomID, mode, hour)

	if prev, ok := rateByName[room.RoomName]; ok && room.RoomName != "" {
		return o.pushRate(room.RoomID, mode, hour, prev, prior, percentOpen)
	}

	startTemp, ok := rec.StartTemps[room.RoomID]
	if !ok {
		return fmt.Errorf("no start temperature for room %s", room.RoomID)
	}
	deltaT := math.Abs(room.TempCelsius - startTemp)

	setpoint := room.SetpointC
	if setpoint == 0 && sp != nil {
		setpoint = *sp
	}
	reached := setpoint != 0 && roomReached(mode, setpoint, room.TempCelsius, o.cfg.ReachedToleranceC)

	var value float64
	switch {
	case deltaT >= o.cfg.NoiseFloorC && percentOpen > 0:
		value = deltaT / elapsed * (100 / percentOpen)
	case reached && prior > 0:
		// Arrived and holding: no measurable change is expected, keep
		// the learned rate.
		value = prior
	case percentOpen > 0:
		// Open but no measurable change: the room is slower than the
		// sensor can resolve.
		value = o.cfg.MinRate
	default:
		o.logger.Debug("No evidence for room this cycle, skipping",
			zap.String("room_id", room.RoomID),
			zap.Float64("delta_c", deltaT),
			zap.Float64("percent_open", percentOpen))
		return nil
	}
	value = clampRate(value, o.cfg.MinRate, o.cfg.MaxRate)

	if room.RoomName != "" {
		rateByName[room.RoomName] = value
	}
	return o.pushRate(room.RoomID, mode, hour, value, prior, percentOpen)
}

// pushRate blends the observed value into the prior via the bounded rolling
// average and appends the result to the rate store, recording an adaptive
// mark when a prediction existed to compare against.
func (o *Orchestrator) pushRate(roomID string, mode hvac.Mode, hour int, value, prior, percentOpen float64) error {
	merged := value
	if prior > 0 {
		openW := percentOpen / 100
		if openW > 1 {
			openW = 1
		}
		blended := value*openW + prior*(1-openW)
		merged = prior + (blended-prior)/o.cfg.BlendWindow

		deviation := math.Abs(value-prior) / prior
		if err := o.deps.Rates.AppendMark(roomID, mode, hour, deviation); err != nil {
			o.logger.Warn("Recording adaptive mark failed",
				zap.String("room_id", roomID),
				zap.Error(err))
		}
	}
	merged = clampRate(merged, o.cfg.MinRate, o.cfg.MaxRate)

	o.logger.Debug("Learned rate",
		zap.String("room_id", roomID),
		zap.String("mode", string(mode)),
		zap.Int("hour", hour),
		zap.Float64("observed", value),
		zap.Float64("prior", prior),
		zap.Float64("merged", merged))
	return o.deps.Rates.Append(roomID, mode, hour, merged)
}

func clampRate(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
