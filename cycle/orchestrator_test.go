package cycle

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/airbalance/dabctl/devices"
	"github.com/airbalance/dabctl/hvac"
	"github.com/airbalance/dabctl/rates"
	"github.com/airbalance/dabctl/sched"
	"github.com/airbalance/dabctl/solver"
	"github.com/airbalance/dabctl/store"
)

type fakeController struct {
	snap     devices.Snapshot
	readErr  error
	commands map[string]float64
}

func (f *fakeController) Read(ctx context.Context) (devices.Snapshot, error) {
	return f.snap, f.readErr
}

func (f *fakeController) SetVent(ctx context.Context, ventID string, percentOpen float64) error {
	if f.commands == nil {
		f.commands = map[string]float64{}
	}
	f.commands[ventID] = percentOpen
	return nil
}

func heatingSnapshot() devices.Snapshot {
	return devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 20, SetpointC: 22, Active: true},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", DuctTempC: 45, PercentOpen: 100},
		},
		Plant: devices.PlantSnapshot{PlantState: "heating"},
	}
}

func idleSnapshot() devices.Snapshot {
	return devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 21, SetpointC: 22, Active: true},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", DuctTempC: 21, PercentOpen: 100},
		},
		Plant: devices.PlantSnapshot{PlantState: "idle"},
	}
}

func newTestOrchestrator(t *testing.T, ctrl devices.Controller) *Orchestrator {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	s := sched.New(logger)
	t.Cleanup(s.Stop)

	rs := rates.NewStore(rates.Config{}, rates.NewHistory(), logger)
	o, err := New(Config{}, Deps{
		Controller: ctrl,
		Solver:     solver.New(solver.Config{}, logger),
		Rates:      rs,
		Scheduler:  s,
		Store:      store.NewMemoryStore(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return o
}

func TestTickStartsHeatingCycle(t *testing.T) {
	ctrl := &fakeController{snap: heatingSnapshot()}
	o := newTestOrchestrator(t, ctrl)

	o.Tick(context.Background())

	if o.record == nil {
		t.Fatal("cycle record should exist after heating detected")
	}
	if o.record.Mode != hvac.ModeHeating {
		t.Errorf("record mode = %s, want heating", o.record.Mode)
	}
	if o.record.StartedRunning == nil {
		t.Error("StartedRunning should be set")
	}
	if got := o.record.Phase(); got != PhaseInitializing {
		t.Errorf("phase = %s, want initializing", got)
	}
	if o.counters.CyclesStarted != 1 {
		t.Errorf("CyclesStarted = %d, want 1", o.counters.CyclesStarted)
	}

	// The settle-delay job has not fired yet; drive the initial solve.
	o.initialize(context.Background(), o.record.ID)

	if o.record.StartedCycle == nil {
		t.Fatal("StartedCycle should be set after initialize")
	}
	if o.record.StartedCycle.Before(*o.record.StartedRunning) {
		t.Error("StartedCycle must not precede StartedRunning")
	}
	if o.record.StartTemps["r1"] != 20 {
		t.Errorf("StartTemps[r1] = %v, want 20", o.record.StartTemps["r1"])
	}
	pct, ok := ctrl.commands["v1"]
	if !ok {
		t.Fatal("vent v1 was never commanded")
	}
	if pct < 0 || pct > 100 {
		t.Errorf("commanded percent = %v, out of range", pct)
	}
}

func TestTickIdleStartsNothing(t *testing.T) {
	ctrl := &fakeController{snap: idleSnapshot()}
	o := newTestOrchestrator(t, ctrl)

	o.Tick(context.Background())

	if o.record != nil {
		t.Error("no cycle should start while idle")
	}
	if o.mode != hvac.ModeIdle {
		t.Errorf("mode = %s, want idle", o.mode)
	}
}

func TestTickCoolingCreatesMachine(t *testing.T) {
	snap := heatingSnapshot()
	snap.Vents[0].DuctTempC = 12
	snap.Plant.PlantState = "cooling"
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	o.Tick(context.Background())

	if o.cooling == nil {
		t.Fatal("cooling machine should exist after cooling detected")
	}
	if o.record == nil || o.record.Mode != hvac.ModeCooling {
		t.Fatal("cooling cycle record should exist")
	}
	diag := o.Snapshot()
	if diag.Cooling == nil {
		t.Error("diagnostics should expose cooling debug state")
	}
}

func TestModeChangeEndsCycle(t *testing.T) {
	ctrl := &fakeController{snap: heatingSnapshot()}
	o := newTestOrchestrator(t, ctrl)

	o.Tick(context.Background())
	id := o.record.ID

	ctrl.snap = idleSnapshot()
	o.Tick(context.Background())

	if o.record == nil || o.record.ID != id {
		t.Fatal("record should survive until finalize")
	}
	if o.record.FinishedRunning == nil {
		t.Error("FinishedRunning should be set when mode returns to idle")
	}
	if got := o.record.Phase(); got != PhaseFinalizing {
		t.Errorf("phase = %s, want finalizing", got)
	}
}

func TestFinalizeLearnsObservedRate(t *testing.T) {
	// startTemp 24, current 22, 20 minutes, 50% open: 2/20 * 100/50 = 0.2.
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 22, SetpointC: 21, Active: true},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", DuctTempC: 22, PercentOpen: 50},
		},
	}
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	o.record = &Record{
		ID:              "c1",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		StartedCycle:    &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 50},
	}

	o.Finalize(context.Background(), "c1")

	if o.record != nil {
		t.Error("record should be cleared after finalize")
	}
	if o.counters.CyclesFinalized != 1 {
		t.Errorf("CyclesFinalized = %d, want 1", o.counters.CyclesFinalized)
	}
	got := o.deps.Rates.Average("r1", hvac.ModeCooling, 14)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("learned rate = %v, want 0.2", got)
	}
}

func TestFinalizeBlendsIntoPrior(t *testing.T) {
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 22, SetpointC: 21, Active: true},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", DuctTempC: 22, PercentOpen: 50},
		},
	}
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	if err := o.deps.Rates.Append("r1", hvac.ModeCooling, 14, 0.4); err != nil {
		t.Fatalf("seeding prior rate: %v", err)
	}

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	o.record = &Record{
		ID:              "c2",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		StartedCycle:    &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 50},
	}

	o.Finalize(context.Background(), "c2")

	// observed 0.2, prior 0.4, open weight 0.5:
	// blended = 0.2*0.5 + 0.4*0.5 = 0.3; merged = 0.4 + (0.3-0.4)/4 = 0.375.
	hist := o.deps.Rates.History()
	if len(hist.Log) != 2 {
		t.Fatalf("log has %d entries, want 2", len(hist.Log))
	}
	if got := hist.Log[1].Rate; math.Abs(got-0.375) > 1e-9 {
		t.Errorf("merged rate = %v, want 0.375", got)
	}
	if len(hist.Marks) != 1 {
		t.Fatalf("marks = %d, want 1 adaptive mark", len(hist.Marks))
	}
	// deviation = |0.2-0.4|/0.4 = 0.5
	if got := hist.Marks[0].DeviationRatio; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("deviation ratio = %v, want 0.5", got)
	}
}

func TestFinalizeAtMostOnce(t *testing.T) {
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 22, SetpointC: 21},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", PercentOpen: 50},
		},
	}
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	o.record = &Record{
		ID:              "c3",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		StartedCycle:    &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 50},
	}

	o.Finalize(context.Background(), "c3")
	o.Finalize(context.Background(), "c3")

	if got := len(o.deps.Rates.History().Log); got != 1 {
		t.Errorf("log has %d entries after replayed finalize, want 1", got)
	}
	if o.counters.CyclesFinalized != 1 {
		t.Errorf("CyclesFinalized = %d, want 1", o.counters.CyclesFinalized)
	}
}

func TestFinalizeRefusesCycleThatNeverRan(t *testing.T) {
	ctrl := &fakeController{snap: idleSnapshot()}
	o := newTestOrchestrator(t, ctrl)

	o.record = &Record{
		ID:         "c4",
		Mode:       hvac.ModeCooling,
		StartTemps: map[string]float64{"r1": 24},
	}

	o.Finalize(context.Background(), "c4")

	if o.record != nil {
		t.Error("record should be cleared by abort")
	}
	if o.counters.CyclesAborted != 1 {
		t.Errorf("CyclesAborted = %d, want 1", o.counters.CyclesAborted)
	}
	if got := len(o.deps.Rates.History().Log); got != 0 {
		t.Errorf("log has %d entries, want 0 after abort", got)
	}
}

func TestFinalizeReconstructsStartedCycle(t *testing.T) {
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 22, SetpointC: 21},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", PercentOpen: 50},
		},
	}
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	o.record = &Record{
		ID:              "c5",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 50},
	}

	o.Finalize(context.Background(), "c5")

	if o.counters.CyclesAborted != 0 {
		t.Error("reconstructable cycle should not abort")
	}
	if o.counters.CyclesFinalized != 1 {
		t.Errorf("CyclesFinalized = %d, want 1", o.counters.CyclesFinalized)
	}
	if got := len(o.deps.Rates.History().Log); got != 1 {
		t.Errorf("log has %d entries, want 1", got)
	}
}

func TestFinalizeTooShortCycleLearnsNothing(t *testing.T) {
	ctrl := &fakeController{snap: idleSnapshot()}
	o := newTestOrchestrator(t, ctrl)

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Second)
	o.record = &Record{
		ID:              "c6",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		StartedCycle:    &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 50},
	}

	o.Finalize(context.Background(), "c6")

	if got := len(o.deps.Rates.History().Log); got != 0 {
		t.Errorf("log has %d entries, want 0 for an unmeasurable cycle", got)
	}
	if o.counters.CyclesFinalized != 1 {
		t.Error("short cycle still counts as finalized")
	}
}

func TestRoomWithClosedVentAndNoChangeSkipped(t *testing.T) {
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 24.05, SetpointC: 21},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", PercentOpen: 0},
		},
	}
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	o.record = &Record{
		ID:              "c7",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		StartedCycle:    &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 0},
	}

	o.Finalize(context.Background(), "c7")

	if got := len(o.deps.Rates.History().Log); got != 0 {
		t.Errorf("log has %d entries, want 0: closed vent with no change is no evidence", got)
	}
}

func TestSetpointMedian(t *testing.T) {
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", SetpointC: 20, Active: true},
			{RoomID: "r2", SetpointC: 22, Active: true},
			{RoomID: "r3", SetpointC: 26, Active: false},
		},
	}
	sp := setpointC(snap)
	if sp == nil || *sp != 21 {
		t.Errorf("setpointC = %v, want 21 (median of active rooms)", sp)
	}

	if sp := setpointC(devices.Snapshot{}); sp != nil {
		t.Errorf("setpointC with no rooms = %v, want nil", *sp)
	}
}

func TestRoomReached(t *testing.T) {
	tests := []struct {
		name      string
		mode      hvac.Mode
		setpoint  float64
		temp      float64
		tolerance float64
		want      bool
	}{
		{"cooling reached", hvac.ModeCooling, 22, 21.8, 0.5, true},
		{"cooling within tolerance", hvac.ModeCooling, 22, 22.4, 0.5, true},
		{"cooling not reached", hvac.ModeCooling, 22, 23.1, 0.5, false},
		{"heating reached", hvac.ModeHeating, 21, 21.2, 0.5, true},
		{"heating not reached", hvac.ModeHeating, 21, 20.2, 0.5, false},
		{"idle never reached", hvac.ModeIdle, 21, 21, 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roomReached(tt.mode, tt.setpoint, tt.temp, tt.tolerance); got != tt.want {
				t.Errorf("roomReached() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRebalanceEvaluatesOnCadence(t *testing.T) {
	snap := heatingSnapshot()
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	base := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	clock := base
	o.WithNow(func() time.Time { return clock })

	start := base.Add(-10 * time.Minute)
	o.record = &Record{
		ID:             "c10",
		Mode:           hvac.ModeHeating,
		StartedRunning: &start,
		StartedCycle:   &start,
		StartTemps:     map[string]float64{"r1": 18},
		PlannedPercent: map[string]float64{"v1": 100},
	}

	// Room below setpoint: the evaluation runs but finds nothing to do.
	o.Tick(context.Background())
	if o.record.LastEvaluated == nil || !o.record.LastEvaluated.Equal(base) {
		t.Fatalf("LastEvaluated = %v, want %v", o.record.LastEvaluated, base)
	}
	if o.counters.Rebalances != 0 {
		t.Fatalf("Rebalances = %d before any room reached setpoint", o.counters.Rebalances)
	}

	// Room reaches setpoint one minute later: still inside the evaluation
	// interval, so nothing happens yet.
	ctrl.snap.Rooms[0].TempCelsius = 22
	clock = base.Add(time.Minute)
	o.Tick(context.Background())
	if o.counters.Rebalances != 0 {
		t.Errorf("Rebalances = %d inside the evaluation interval, want 0", o.counters.Rebalances)
	}

	// Past the interval the evaluation runs again and triggers the rebalance.
	clock = base.Add(6 * time.Minute)
	o.Tick(context.Background())
	if o.counters.Rebalances != 1 {
		t.Errorf("Rebalances = %d after the evaluation interval elapsed, want 1", o.counters.Rebalances)
	}
}

func TestRestoreResumesCycle(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := sched.New(logger)
	t.Cleanup(s.Stop)
	mem := store.NewMemoryStore()

	start := time.Now().Add(-10 * time.Minute)
	rec := Record{
		ID:             "c8",
		Mode:           hvac.ModeHeating,
		StartedRunning: &start,
		StartedCycle:   &start,
		StartTemps:     map[string]float64{"r1": 20},
		PlannedPercent: map[string]float64{"v1": 60},
	}
	if err := mem.Save("cycle_record", rec); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	o, err := New(Config{}, Deps{
		Controller: &fakeController{snap: heatingSnapshot()},
		Solver:     solver.New(solver.Config{}, logger),
		Rates:      rates.NewStore(rates.Config{}, rates.NewHistory(), logger),
		Scheduler:  s,
		Store:      mem,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if o.record == nil || o.record.ID != "c8" {
		t.Fatal("restart should restore the persisted cycle record")
	}
	if o.mode != hvac.ModeHeating {
		t.Errorf("restored mode = %s, want heating", o.mode)
	}
}

func TestRestoreReArmsSettleWindow(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := sched.New(logger)
	t.Cleanup(s.Stop)
	mem := store.NewMemoryStore()

	// Died before the settle delay fired: StartedCycle is still unset.
	start := time.Now().Add(-30 * time.Second)
	rec := Record{
		ID:             "c9",
		Mode:           hvac.ModeHeating,
		StartedRunning: &start,
		StartTemps:     map[string]float64{},
		PlannedPercent: map[string]float64{},
	}
	if err := mem.Save("cycle_record", rec); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	o, err := New(Config{}, Deps{
		Controller: &fakeController{snap: heatingSnapshot()},
		Solver:     solver.New(solver.Config{}, logger),
		Rates:      rates.NewStore(rates.Config{}, rates.NewHistory(), logger),
		Scheduler:  s,
		Store:      mem,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if got := o.record.Phase(); got != PhaseInitializing {
		t.Fatalf("restored phase = %s, want initializing", got)
	}
	if !s.Pending("cycle:init:c9") {
		t.Error("initial solve should be rescheduled for a cycle restored mid-settle")
	}
	if !s.Pending("cycle:backstop:c9") {
		t.Error("backstop rebalance should be scheduled for a cycle restored mid-settle")
	}
}

func TestFinalizeRecordsOutcome(t *testing.T) {
	snap := devices.Snapshot{
		Rooms: []devices.RoomReading{
			{RoomID: "r1", RoomName: "Living Room", TempCelsius: 22, SetpointC: 21},
		},
		Vents: []devices.VentReading{
			{VentID: "v1", RoomID: "r1", PercentOpen: 50},
		},
	}
	ctrl := &fakeController{snap: snap}
	o := newTestOrchestrator(t, ctrl)

	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	o.record = &Record{
		ID:              "c11",
		Mode:            hvac.ModeCooling,
		StartedRunning:  &start,
		StartedCycle:    &start,
		FinishedRunning: &end,
		StartTemps:      map[string]float64{"r1": 24},
		PlannedPercent:  map[string]float64{"v1": 50},
	}

	o.Finalize(context.Background(), "c11")

	var log map[string]Outcome
	if err := o.deps.Store.Load("cycle_log", &log); err != nil {
		t.Fatalf("loading cycle log: %v", err)
	}
	out, ok := log["c11"]
	if !ok {
		t.Fatal("cycle log has no entry for the finalized cycle")
	}
	if out.Result != "finalized" {
		t.Errorf("outcome result = %q, want finalized", out.Result)
	}
	if out.Mode != hvac.ModeCooling {
		t.Errorf("outcome mode = %s, want cooling", out.Mode)
	}
	if math.Abs(out.ElapsedMinutes-20) > 1e-9 {
		t.Errorf("outcome elapsed = %v minutes, want 20", out.ElapsedMinutes)
	}
}

func TestAbortRecordsOutcome(t *testing.T) {
	ctrl := &fakeController{snap: idleSnapshot()}
	o := newTestOrchestrator(t, ctrl)

	o.record = &Record{
		ID:         "c12",
		Mode:       hvac.ModeCooling,
		StartTemps: map[string]float64{"r1": 24},
	}

	o.Finalize(context.Background(), "c12")

	if o.counters.CyclesAborted != 1 {
		t.Fatalf("CyclesAborted = %d, want 1", o.counters.CyclesAborted)
	}
	var log map[string]Outcome
	if err := o.deps.Store.Load("cycle_log", &log); err != nil {
		t.Fatalf("loading cycle log: %v", err)
	}
	out, ok := log["c12"]
	if !ok {
		t.Fatal("cycle log has no entry for the aborted cycle")
	}
	if out.Result != "aborted" {
		t.Errorf("outcome result = %q, want aborted", out.Result)
	}
	if out.Reason == "" {
		t.Error("aborted outcome should carry a reason")
	}
}
