// Package cycle owns the per-cycle lifecycle: start detection, vent plan
// application, periodic rebalancing and finalization into the learned-rate
// store. One Tick is one scheduled evaluation; the scheduler serializes
// callbacks so the orchestrator never runs two mutations concurrently.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/airbalance/dabctl/buffer"
	"github.com/airbalance/dabctl/cooling"
	"github.com/airbalance/dabctl/devices"
	"github.com/airbalance/dabctl/hvac"
	"github.com/airbalance/dabctl/rates"
	"github.com/airbalance/dabctl/sched"
	"github.com/airbalance/dabctl/solver"
	"github.com/airbalance/dabctl/store"
	"github.com/airbalance/dabctl/types"
)

// Config holds the orchestrator's tuning knobs.
type Config struct {
	SettleDelay       time.Duration `yaml:"settleDelay" env:"DAB_SETTLE_DELAY" env-default:"45s"`
	RebalanceInterval time.Duration `yaml:"rebalanceInterval" env:"DAB_REBALANCE_INTERVAL" env-default:"5m"`
	MinRuntime        time.Duration `yaml:"minRuntime" env:"DAB_MIN_RUNTIME" env-default:"5m"`
	BackstopInterval  time.Duration `yaml:"backstopInterval" env:"DAB_BACKSTOP_INTERVAL" env-default:"30m"`
	FinalizeDelay     time.Duration `yaml:"finalizeDelay" env:"DAB_FINALIZE_DELAY" env-default:"90s"`

	MinCycleMinutes   float64 `yaml:"minCycleMinutes" env:"DAB_MIN_CYCLE_MINUTES" env-default:"1"`
	ReachedToleranceC float64 `yaml:"reachedToleranceC" env:"DAB_REACHED_TOLERANCE_C" env-default:"0.5"`
	NoiseFloorC       float64 `yaml:"noiseFloorC" env:"DAB_NOISE_FLOOR_C" env-default:"0.15"`
	MinRate           float64 `yaml:"minRate" env:"DAB_MIN_RATE" env-default:"0.001"`
	MaxRate           float64 `yaml:"maxRate" env:"DAB_MAX_RATE" env-default:"2"`
	BlendWindow       float64 `yaml:"blendWindow" env:"DAB_BLEND_WINDOW" env-default:"4"`

	ModeThresholdC float64 `yaml:"modeThresholdC" env:"DAB_MODE_THRESHOLD_C" env-default:"0.5"`
	Granularity    float64 `yaml:"granularity" env:"DAB_VENT_GRANULARITY" env-default:"5"`

	// FailFast re-raises per-room finalize errors instead of isolating
	// them. Diagnostic use only.
	FailFast bool `yaml:"failFast" env:"DAB_FAIL_FAST" env-default:"false"`

	TransitionLogSize int `yaml:"transitionLogSize" env:"DAB_TRANSITION_LOG_SIZE" env-default:"200"`

	// VentWeights splits a room-level target among a room's vents.
	// Missing vents default to 1.0.
	VentWeights map[string]float64 `yaml:"ventWeights"`
}

// Normalize fills unset fields with the documented defaults.
func (c *Config) Normalize() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 45 * time.Second
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 5 * time.Minute
	}
	if c.MinRuntime <= 0 {
		c.MinRuntime = 5 * time.Minute
	}
	if c.BackstopInterval <= 0 {
		c.BackstopInterval = 30 * time.Minute
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = 90 * time.Second
	}
	if c.MinCycleMinutes <= 0 {
		c.MinCycleMinutes = 1
	}
	if c.ReachedToleranceC <= 0 {
		c.ReachedToleranceC = 0.5
	}
	if c.NoiseFloorC <= 0 {
		c.NoiseFloorC = 0.15
	}
	if c.MinRate <= 0 {
		c.MinRate = 0.001
	}
	if c.MaxRate <= 0 {
		c.MaxRate = 2
	}
	if c.BlendWindow < 1 {
		c.BlendWindow = 4
	}
	if c.ModeThresholdC <= 0 {
		c.ModeThresholdC = hvac.DefaultThresholdC
	}
	if c.TransitionLogSize <= 0 {
		c.TransitionLogSize = 200
	}
}

// Persisted document names.
const (
	docCycleRecord  = "cycle_record"
	docCoolingState = "cooling_state"
	docRateHistory  = "rate_history"
	docTransitions  = "transitions"
	docCounters     = "counters"
	docCycleLog     = "cycle_log"
)

// Deps are the orchestrator's injected collaborators.
type Deps struct {
	Controller devices.Controller
	Solver     *solver.Solver
	Rates      *rates.Store
	Scheduler  *sched.Scheduler
	Store      store.Store
	// Readings, when non-nil, receives room/vent/event samples for the
	// metrics pipeline.
	Readings *buffer.RingBuffer[types.Reading]
	Logger   *zap.Logger
}

// Orchestrator threads data between the detector, the cooling-end machine,
// the solver and the rate store. All entry points (Tick and scheduled
// callbacks) run serialized through the scheduler.
type Orchestrator struct {
	cfg  Config
	deps Deps

	detector *hvac.Detector

	mode       hvac.Mode
	plantState string

	record  *Record
	cooling *cooling.Machine

	transitions []Transition
	counters    Counters

	logger *zap.Logger
	now    func() time.Time
}

// New creates an orchestrator and restores any persisted cycle state so a
// restart mid-cycle resumes where it left off.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.Normalize()
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		mode:   hvac.ModeIdle,
		logger: deps.Logger,
		now:    time.Now,
	}
	o.detector = hvac.NewDetector(cfg.ModeThresholdC, []hvac.Fallback{
		hvac.PlantStateFallback{State: func() string { return o.plantState }},
		hvac.IdleFallback{},
	}, deps.Logger)

	if err := o.restore(); err != nil {
		return nil, err
	}
	return o, nil
}

// WithNow overrides the clock, for tests.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) restore() error {
	var rec Record
	switch err := o.deps.Store.Load(docCycleRecord, &rec); {
	case err == nil:
		o.record = &rec
		o.mode = rec.Mode
		o.logger.Info("Restored cycle record",
			zap.String("cycle_id", rec.ID),
			zap.String("mode", string(rec.Mode)),
			zap.String("phase", string(rec.Phase())))
		id := rec.ID
		switch {
		case rec.FinishedRunning != nil:
			o.deps.Scheduler.After("cycle:finalize:"+id, o.cfg.FinalizeDelay, func() {
				o.Finalize(context.Background(), id)
			})
		case rec.StartedCycle == nil:
			// Died during the settle window; re-arm the initial solve or
			// the cycle would stay Initializing until an abort.
			o.deps.Scheduler.After("cycle:init:"+id, o.cfg.SettleDelay, func() {
				o.initialize(context.Background(), id)
			})
			o.scheduleCycleJobs(id)
		default:
			o.scheduleCycleJobs(id)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("restore cycle record: %w", err)
	}

	var m cooling.Machine
	switch err := o.deps.Store.Load(docCoolingState, &m); {
	case err == nil:
		m.SetLogger(o.logger)
		o.cooling = &m
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("restore cooling state: %w", err)
	}

	if err := o.deps.Store.Load(docTransitions, &o.transitions); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("restore transitions: %w", err)
	}
	if err := o.deps.Store.Load(docCounters, &o.counters); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("restore counters: %w", err)
	}
	return nil
}

// Tick runs one evaluation: read the system, classify the mode, drive the
// cycle lifecycle. Errors are absorbed; the system self-heals next tick.
func (o *Orchestrator) Tick(ctx context.Context) {
	tracer := otel.Tracer("cycle")
	ctx, span := tracer.Start(ctx, "cycle.tick")
	defer span.End()

	o.counters.Ticks++
	now := o.now()

	snap, err := o.deps.Controller.Read(ctx)
	if err != nil {
		o.counters.ReadErrors++
		o.logger.Warn("Reading system snapshot failed, skipping tick", zap.Error(err))
		o.persist()
		return
	}
	o.plantState = snap.Plant.PlantState
	o.emitSamples(snap, now)

	mode := o.classify(snap, now)
	if mode != o.mode {
		span.SetAttributes(
			attribute.String("mode.from", string(o.mode)),
			attribute.String("mode.to", string(mode)),
		)
		o.logger.Info("Mode transition",
			zap.String("from", string(o.mode)),
			zap.String("to", string(mode)))
		o.logTransition(Transition{At: now, From: o.mode, To: mode, Source: "detector"})
		o.mode = mode
	}

	if o.record != nil && o.record.FinishedRunning == nil && o.record.Mode != mode {
		o.endCycle(now)
	}
	if mode != hvac.ModeIdle && o.record == nil {
		o.startCycle(mode, now)
	}

	if o.record != nil && o.record.Phase() == PhaseRunning {
		o.checkRebalance(ctx, snap, now)
	}

	o.persist()
}

// classify runs the coarse detector and, while cooling, refines the result
// through the cooling-end machine.
func (o *Orchestrator) classify(snap devices.Snapshot, now time.Time) hvac.Mode {
	readings := make([]hvac.Reading, 0, len(snap.Vents))
	roomTemp := map[string]float64{}
	for _, r := range snap.Rooms {
		roomTemp[r.RoomID] = r.TempCelsius
	}
	for _, v := range snap.Vents {
		t, ok := roomTemp[v.RoomID]
		if !ok {
			continue
		}
		readings = append(readings, hvac.Reading{DuctTempC: v.DuctTempC, RoomTempC: t})
	}

	mode := o.detector.Detect(readings)

	if mode != hvac.ModeCooling {
		if o.cooling != nil {
			o.logger.Debug("discarding cooling machine", zap.String("mode", string(mode)))
			o.cooling = nil
		}
		return mode
	}

	if o.cooling == nil {
		o.cooling = cooling.New(now, o.logger)
		o.logger.Info("Cooling start confirmed", zap.Time("started_at", now))
	}

	res := o.cooling.Poll(o.coolingSample(snap), now)
	if res.Ended {
		o.cooling = nil
		return hvac.ModeIdle
	}
	return hvac.ModeCooling
}

func (o *Orchestrator) coolingSample(snap devices.Snapshot) cooling.Sample {
	ducts := make([]float64, 0, len(snap.Vents))
	for _, v := range snap.Vents {
		ducts = append(ducts, v.DuctTempC)
	}
	medianC, _ := hvac.Median(ducts)

	sample := cooling.Sample{MedianDuctF: hvac.CToF(medianC)}
	if sp := setpointC(snap); sp != nil {
		hottest := 0.0
		for _, r := range snap.Rooms {
			if d := r.TempCelsius - *sp; d > hottest {
				hottest = d
			}
		}
		sample.HottestRoomDeltaF = hvac.DeltaCToF(hottest)
	}
	return sample
}

func (o *Orchestrator) logTransition(t Transition) {
	o.transitions = append(o.transitions, t)
	if len(o.transitions) > o.cfg.TransitionLogSize {
		o.transitions = o.transitions[len(o.transitions)-o.cfg.TransitionLogSize:]
	}
}

// startCycle records the plant turning on and schedules the initial solve
// after a settle delay, so duct temperatures are representative.
func (o *Orchestrator) startCycle(mode hvac.Mode, now time.Time) {
	started := now
	o.record = &Record{
		ID:             uuid.New().String(),
		Mode:           mode,
		StartedRunning: &started,
		StartTemps:     map[string]float64{},
		PlannedPercent: map[string]float64{},
	}
	o.counters.CyclesStarted++
	o.logger.Info("Cycle started",
		zap.String("cycle_id", o.record.ID),
		zap.String("mode", string(mode)),
		zap.Duration("settle_delay", o.cfg.SettleDelay))
	o.emitEvent(o.record.ID, mode, "started", 0, now)

	id := o.record.ID
	o.deps.Scheduler.After("cycle:init:"+id, o.cfg.SettleDelay, func() {
		o.initialize(context.Background(), id)
	})
	o.scheduleCycleJobs(id)
}

func (o *Orchestrator) scheduleCycleJobs(id string) {
	if err := o.deps.Scheduler.Every("cycle:backstop:"+id, o.cfg.BackstopInterval, func() {
		o.backstopRebalance(context.Background(), id)
	}); err != nil {
		o.logger.Warn("Scheduling backstop rebalance failed", zap.Error(err))
	}
}

// initialize is the Initializing sub-phase: snapshot starting temperatures,
// solve and apply the first vent plan.
func (o *Orchestrator) initialize(ctx context.Context, cycleID string) {
	if o.record == nil || o.record.ID != cycleID {
		return
	}
	snap, err := o.deps.Controller.Read(ctx)
	if err != nil {
		o.counters.ReadErrors++
		o.logger.Warn("Initial solve skipped, snapshot read failed", zap.Error(err))
		o.persist()
		return
	}
	now := o.now()
	for _, r := range snap.Rooms {
		o.record.StartTemps[r.RoomID] = r.TempCelsius
	}
	if o.solveAndApply(ctx, snap, now) {
		o.record.StartedCycle = &now
	}
	o.persist()
}

// solveAndApply computes a plan and writes it to the vents. The plan is
// computed fully before the first actuator write so failures never leave a
// partially intended state, only partially delivered writes that the next
// rebalance repairs.
func (o *Orchestrator) solveAndApply(ctx context.Context, snap devices.Snapshot, now time.Time) bool {
	sp := setpointC(snap)
	if sp == nil {
		o.logger.Warn("No setpoint available, skipping solve")
		o.counters.SolveErrors++
		return false
	}

	plan, err := o.deps.Solver.Solve(o.record.Mode, sp, o.ventInputs(snap, now))
	if err != nil {
		o.counters.SolveErrors++
		o.logger.Warn("Solve failed", zap.Error(err))
		return false
	}

	applied := 0
	for ventID, pct := range plan.Targets {
		q := devices.Quantize(pct, o.cfg.Granularity)
		if err := o.deps.Controller.SetVent(ctx, ventID, q); err != nil {
			o.counters.ApplyErrors++
			o.logger.Warn("Commanding vent failed",
				zap.String("vent_id", ventID),
				zap.Float64("percent", q),
				zap.Error(err))
			continue
		}
		o.record.PlannedPercent[ventID] = q
		applied++
	}

	o.logger.Info("Vent plan applied",
		zap.String("cycle_id", o.record.ID),
		zap.Int("vents", applied),
		zap.Bool("all_settled", plan.AllSettled),
		zap.Bool("iteration_cap", plan.IterationCapReached),
		zap.Float64("longest_minutes", plan.LongestMinutes))
	return applied > 0 || len(plan.Targets) == 0
}

func (o *Orchestrator) ventInputs(snap devices.Snapshot, now time.Time) []solver.VentInput {
	rooms := map[string]devices.RoomReading{}
	for _, r := range snap.Rooms {
		rooms[r.RoomID] = r
	}
	inputs := make([]solver.VentInput, 0, len(snap.Vents))
	for _, v := range snap.Vents {
		room, ok := rooms[v.RoomID]
		if !ok {
			continue
		}
		weight := 1.0
		if w, ok := o.cfg.VentWeights[v.VentID]; ok && w > 0 {
			weight = w
		}
		inputs = append(inputs, solver.VentInput{
			VentID:     v.VentID,
			RoomID:     v.RoomID,
			Weight:     weight,
			Rate:       o.deps.Rates.Average(v.RoomID, o.record.Mode, now.Hour()),
			RoomTempC:  room.TempCelsius,
			RoomActive: room.Active,
			Override:   v.Override,
		})
	}
	return inputs
}

// checkRebalance runs the setpoint-reached evaluation on the rebalance
// cadence and triggers a full rebalance once any active room has arrived,
// throttled by the minimum-runtime interval.
func (o *Orchestrator) checkRebalance(ctx context.Context, snap devices.Snapshot, now time.Time) {
	rec := o.record
	if rec.LastEvaluated != nil && now.Sub(*rec.LastEvaluated) < o.cfg.RebalanceInterval {
		return
	}
	evaluated := now
	rec.LastEvaluated = &evaluated

	if now.Sub(*rec.StartedCycle) < o.cfg.MinRuntime {
		return
	}
	if rec.LastRebalance != nil && now.Sub(*rec.LastRebalance) < o.cfg.MinRuntime {
		return
	}

	sp := setpointC(snap)
	if sp == nil {
		return
	}
	reached := false
	for _, r := range snap.Rooms {
		if r.Active && roomReached(rec.Mode, *sp, r.TempCelsius, o.cfg.ReachedToleranceC) {
			reached = true
			break
		}
	}
	if !reached {
		return
	}
	o.rebalance(ctx, snap, now, "setpoint-reached")
}

func (o *Orchestrator) backstopRebalance(ctx context.Context, cycleID string) {
	if o.record == nil || o.record.ID != cycleID || o.record.Phase() != PhaseRunning {
		return
	}
	snap, err := o.deps.Controller.Read(ctx)
	if err != nil {
		o.counters.ReadErrors++
		o.logger.Warn("Backstop rebalance skipped, snapshot read failed", zap.Error(err))
		return
	}
	o.rebalance(ctx, snap, o.now(), "backstop")
	o.persist()
}

// rebalance folds the partial cycle's learning into the rate store, then
// re-solves against fresh temperatures.
func (o *Orchestrator) rebalance(ctx context.Context, snap devices.Snapshot, now time.Time, reason string) {
	rec := o.record
	o.counters.Rebalances++
	o.logger.Info("Rebalancing cycle",
		zap.String("cycle_id", rec.ID),
		zap.String("reason", reason))
	o.emitEvent(rec.ID, rec.Mode, "rebalance", now.Sub(*rec.StartedCycle).Seconds(), now)

	o.learnFromCycle(snap, *rec.StartedCycle, now)

	for _, r := range snap.Rooms {
		rec.StartTemps[r.RoomID] = r.TempCelsius
	}
	restarted := now
	rec.StartedCycle = &restarted
	rec.LastRebalance = &restarted
	o.solveAndApply(ctx, snap, now)
}

// endCycle records the plant turning off and schedules the delayed
// finalize so residual duct heat dissipates before final readings.
func (o *Orchestrator) endCycle(now time.Time) {
	rec := o.record
	finished := now
	rec.FinishedRunning = &finished
	o.logger.Info("Cycle ended, scheduling finalize",
		zap.String("cycle_id", rec.ID),
		zap.Duration("finalize_delay", o.cfg.FinalizeDelay))

	id := rec.ID
	o.deps.Scheduler.Cancel("cycle:init:" + id)
	o.deps.Scheduler.Cancel("cycle:backstop:" + id)
	o.deps.Scheduler.After("cycle:finalize:"+id, o.cfg.FinalizeDelay, func() {
		o.Finalize(context.Background(), id)
	})
}

func (o *Orchestrator) emitSamples(snap devices.Snapshot, now time.Time) {
	if o.deps.Readings == nil {
		return
	}
	sp := 0.0
	if p := setpointC(snap); p != nil {
		sp = *p
	}
	for _, r := range snap.Rooms {
		set := r.SetpointC
		if set == 0 {
			set = sp
		}
		o.deps.Readings.Add(types.Reading{
			Type: types.ReadingTypeRoom,
			Room: &types.RoomSample{
				Timestamp:          now,
				RoomID:             r.RoomID,
				RoomName:           r.RoomName,
				TemperatureCelsius: r.TempCelsius,
				SetpointCelsius:    set,
				Active:             r.Active,
			},
		})
	}
	mode := o.mode
	for _, v := range snap.Vents {
		o.deps.Readings.Add(types.Reading{
			Type: types.ReadingTypeVent,
			Vent: &types.VentSample{
				Timestamp:   now,
				VentID:      v.VentID,
				RoomID:      v.RoomID,
				PercentOpen: v.PercentOpen,
				LearnedRate: o.deps.Rates.Average(v.RoomID, mode, now.Hour()),
				Mode:        mode,
			},
		})
	}
}

func (o *Orchestrator) emitEvent(cycleID string, mode hvac.Mode, event string, durationSec float64, now time.Time) {
	if o.deps.Readings == nil {
		return
	}
	o.deps.Readings.Add(types.Reading{
		Type: types.ReadingTypeCycleEvent,
		CycleEvent: &types.CycleEvent{
			Timestamp:       now,
			CycleID:         cycleID,
			Mode:            mode,
			Event:           event,
			DurationSeconds: durationSec,
		},
	})
}

// persist writes all mutable state back to the store at callback exit.
func (o *Orchestrator) persist() {
	if o.record != nil {
		if err := o.deps.Store.Save(docCycleRecord, o.record); err != nil {
			o.logger.Error("Persisting cycle record failed", zap.Error(err))
		}
	} else if err := o.deps.Store.Delete(docCycleRecord); err != nil {
		o.logger.Error("Clearing cycle record failed", zap.Error(err))
	}

	if o.cooling != nil {
		if err := o.deps.Store.Save(docCoolingState, o.cooling); err != nil {
			o.logger.Error("Persisting cooling state failed", zap.Error(err))
		}
	} else if err := o.deps.Store.Delete(docCoolingState); err != nil {
		o.logger.Error("Clearing cooling state failed", zap.Error(err))
	}

	if err := o.deps.Store.Save(docRateHistory, o.deps.Rates.History()); err != nil {
		o.logger.Error("Persisting rate history failed", zap.Error(err))
	}
	if err := o.deps.Store.Save(docTransitions, o.transitions); err != nil {
		o.logger.Error("Persisting transition log failed", zap.Error(err))
	}
	if err := o.deps.Store.Save(docCounters, o.counters); err != nil {
		o.logger.Error("Persisting counters failed", zap.Error(err))
	}
}

// Snapshot returns the diagnostics view of the orchestrator.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		Phase:       o.record.Phase(),
		Mode:        o.mode,
		Transitions: append([]Transition(nil), o.transitions...),
		Counters:    o.counters,
	}
	if o.record != nil {
		rec := *o.record
		s.Record = &rec
	}
	if o.cooling != nil {
		d := o.cooling.Snapshot()
		s.Cooling = &d
	}
	return s
}

// setpointC picks the global setpoint: the median of the active rooms'
// setpoints, falling back to the median across all rooms. Nil when no room
// reports one.
func setpointC(snap devices.Snapshot) *float64 {
	var active, all []float64
	for _, r := range snap.Rooms {
		if r.SetpointC == 0 {
			continue
		}
		all = append(all, r.SetpointC)
		if r.Active {
			active = append(active, r.SetpointC)
		}
	}
	if m, ok := hvac.Median(active); ok {
		return &m
	}
	if m, ok := hvac.Median(all); ok {
		return &m
	}
	return nil
}

func roomReached(mode hvac.Mode, setpoint, temp, tolerance float64) bool {
	switch mode {
	case hvac.ModeCooling:
		return temp <= setpoint+tolerance
	case hvac.ModeHeating:
		return temp >= setpoint-tolerance
	}
	return false
}
