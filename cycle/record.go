package cycle

import (
	"time"

	"github.com/airbalance/dabctl/cooling"
	"github.com/airbalance/dabctl/hvac"
)

// Phase of the orchestrator's lifecycle.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseRunning      Phase = "running"
	PhaseFinalizing   Phase = "finalizing"
)

// Record is the persisted state of one continuous plant run.
//
// StartedRunning is set when the plant is first detected on; StartedCycle
// when the solver was first invoked after the settle delay, so
// StartedCycle >= StartedRunning always holds. A record without
// StartedRunning is never finalized.
type Record struct {
	ID   string    `json:"id"`
	Mode hvac.Mode `json:"mode"`

	StartedRunning  *time.Time `json:"startedRunning,omitempty"`
	StartedCycle    *time.Time `json:"startedCycle,omitempty"`
	FinishedRunning *time.Time `json:"finishedRunning,omitempty"`

	// StartTemps holds each room's temperature at plan time, Celsius.
	StartTemps map[string]float64 `json:"startTemps"`
	// PlannedPercent holds the open percentage last commanded per vent.
	PlannedPercent map[string]float64 `json:"plannedPercent"`

	// LastEvaluated is when the setpoint-reached check last ran; the check
	// runs on the rebalance-interval cadence, not on every poll.
	LastEvaluated *time.Time `json:"lastEvaluated,omitempty"`
	LastRebalance *time.Time `json:"lastRebalance,omitempty"`
	Finalized     bool       `json:"finalized"`
}

// Phase derives the lifecycle phase from the record's timestamps.
func (r *Record) Phase() Phase {
	switch {
	case r == nil:
		return PhaseIdle
	case r.FinishedRunning != nil:
		return PhaseFinalizing
	case r.StartedCycle == nil:
		return PhaseInitializing
	default:
		return PhaseRunning
	}
}

// Outcome summarizes how one cycle ended. Outcomes accumulate per cycle id
// in the cycle log document via partial map updates.
type Outcome struct {
	Mode            hvac.Mode  `json:"mode"`
	Result          string     `json:"result"`
	Reason          string     `json:"reason,omitempty"`
	StartedRunning  *time.Time `json:"startedRunning,omitempty"`
	FinishedRunning *time.Time `json:"finishedRunning,omitempty"`
	ElapsedMinutes  float64    `json:"elapsedMinutes"`
}

// Transition is one entry of the mode-transition log.
type Transition struct {
	At     time.Time `json:"at"`
	From   hvac.Mode `json:"from"`
	To     hvac.Mode `json:"to"`
	Source string    `json:"source"`
}

// Counters are cumulative diagnostics counts, persisted across restarts.
type Counters struct {
	Ticks           int `json:"ticks"`
	ReadErrors      int `json:"readErrors"`
	CyclesStarted   int `json:"cyclesStarted"`
	CyclesFinalized int `json:"cyclesFinalized"`
	CyclesAborted   int `json:"cyclesAborted"`
	Rebalances      int `json:"rebalances"`
	SolveErrors     int `json:"solveErrors"`
	ApplyErrors     int `json:"applyErrors"`
	RoomErrors      int `json:"roomErrors"`
}

// Snapshot is the read-only diagnostics view exported over the API.
type Snapshot struct {
	Phase       Phase          `json:"phase"`
	Mode        hvac.Mode      `json:"mode"`
	Record      *Record        `json:"record,omitempty"`
	Cooling     *cooling.Debug `json:"cooling,omitempty"`
	Transitions []Transition   `json:"transitions"`
	Counters    Counters       `json:"counters"`
}
