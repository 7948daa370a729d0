// Package solver turns learned rates, current temperatures and a target
// setpoint into a concrete vent-opening plan for a cycle. It performs no
// I/O; the orchestrator feeds it a snapshot and applies the plan.
package solver

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/airbalance/dabctl/hvac"
)

// UnmanagedPolicy decides how unmanaged standard vents count toward the
// combined-airflow capacity.
type UnmanagedPolicy string

const (
	// UnmanagedAssumedOpen counts each unmanaged vent at the configured
	// assumed open percentage.
	UnmanagedAssumedOpen UnmanagedPolicy = "assumedOpen"
	// UnmanagedFullyOpen counts each unmanaged vent at 100%.
	UnmanagedFullyOpen UnmanagedPolicy = "fullyOpen"
)

// Config holds the solver's tuning knobs.
type Config struct {
	MaxRunningTimeMin  float64 `yaml:"maxRunningTimeMin" env:"DAB_MAX_RUNNING_TIME_MIN" env-default:"60"`
	MinAirflowPercent  float64 `yaml:"minAirflowPercent" env:"DAB_MIN_AIRFLOW_PERCENT" env-default:"30"`
	IncrementFactor    float64 `yaml:"incrementFactor" env:"DAB_AIRFLOW_INCREMENT_FACTOR" env-default:"1.5"`
	MaxIterations      int     `yaml:"maxIterations" env:"DAB_AIRFLOW_MAX_ITERATIONS" env-default:"500"`
	MinPercentOpen     float64 `yaml:"minPercentOpen" env:"DAB_MIN_PERCENT_OPEN" env-default:"10"`
	AllowFullClose     bool    `yaml:"allowFullClose" env:"DAB_ALLOW_FULL_CLOSE" env-default:"false"`
	CloseInactiveRooms bool    `yaml:"closeInactiveRooms" env:"DAB_CLOSE_INACTIVE_ROOMS" env-default:"true"`
	ReachedToleranceC  float64 `yaml:"reachedToleranceC" env:"DAB_REACHED_TOLERANCE_C" env-default:"0"`
	MinRate            float64 `yaml:"minRate" env:"DAB_MIN_RATE" env-default:"0.001"`

	UnmanagedVents       int             `yaml:"unmanagedVents" env:"DAB_UNMANAGED_VENTS" env-default:"0"`
	UnmanagedPolicy      UnmanagedPolicy `yaml:"unmanagedPolicy" env:"DAB_UNMANAGED_POLICY" env-default:"assumedOpen"`
	UnmanagedOpenPercent float64         `yaml:"unmanagedOpenPercent" env:"DAB_UNMANAGED_OPEN_PERCENT" env-default:"50"`
}

// Normalize fills unset fields with the documented defaults.
func (c *Config) Normalize() {
	if c.MaxRunningTimeMin <= 0 {
		c.MaxRunningTimeMin = 60
	}
	if c.MinAirflowPercent <= 0 {
		c.MinAirflowPercent = 30
	}
	if c.IncrementFactor <= 0 {
		c.IncrementFactor = 1.5
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 500
	}
	if c.MinPercentOpen <= 0 && !c.AllowFullClose {
		c.MinPercentOpen = 10
	}
	if c.MinRate <= 0 {
		c.MinRate = 0.001
	}
	if c.UnmanagedPolicy != UnmanagedFullyOpen {
		c.UnmanagedPolicy = UnmanagedAssumedOpen
	}
	if c.UnmanagedOpenPercent <= 0 {
		c.UnmanagedOpenPercent = 50
	}
}

// VentInput is one managed vent's state going into a solve.
type VentInput struct {
	VentID     string
	RoomID     string
	Weight     float64
	Rate       float64
	RoomTempC  float64
	RoomActive bool
	// Override, when non-nil, is an operator-pinned open percentage that
	// bypasses the computed plan for this vent.
	Override *float64
}

// Plan is the solver output: target open percentage per vent, in [0, 100].
type Plan struct {
	Targets map[string]float64
	// AllSettled reports that every included vent had already reached
	// setpoint, so the caller fell back to fully opening everything.
	AllSettled bool
	// IterationCapReached flags a best-effort minimum-airflow result.
	IterationCapReached bool
	// LongestMinutes is the clamped longest time-to-target used for the
	// proportional split, for diagnostics.
	LongestMinutes float64
}

// Solver computes vent plans.
type Solver struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a solver.
func New(cfg Config, logger *zap.Logger) *Solver {
	cfg.Normalize()
	return &Solver{cfg: cfg, logger: logger}
}

// Solve produces the vent plan for one cycle of the given mode toward the
// global setpoint. A missing setpoint aborts with no plan; zero vents
// yields an empty plan.
func (s *Solver) Solve(mode hvac.Mode, setpointC *float64, vents []VentInput) (*Plan, error) {
	if len(vents) == 0 {
		return &Plan{Targets: map[string]float64{}}, nil
	}
	if setpointC == nil {
		return nil, fmt.Errorf("no setpoint available, refusing to plan")
	}
	target := *setpointC

	weighted := s.weightedVents(vents)

	longest, anyIncluded := s.longestTimeToTarget(mode, target, weighted)

	plan := &Plan{
		Targets:        make(map[string]float64, len(vents)),
		LongestMinutes: longest,
	}

	if !anyIncluded {
		// Everything already reached setpoint: open every vent fully so
		// the plant keeps a safe airflow path.
		plan.AllSettled = true
		for _, v := range weighted {
			plan.Targets[v.VentID] = 100
		}
		s.applyOverrides(plan, weighted)
		return plan, nil
	}

	for _, v := range weighted {
		if v.excluded {
			plan.Targets[v.VentID] = 0
			continue
		}
		requiredRate := math.Abs(target-v.RoomTempC) / longest
		percent := requiredRate / v.weightedRate * 100
		plan.Targets[v.VentID] = clampPercent(percent)
	}

	s.enforceMinimumAirflow(plan, weighted, target)
	s.applyOverrides(plan, weighted)
	s.applyFloors(plan, weighted)

	return plan, nil
}

type weightedVent struct {
	VentInput
	weightedRate float64
	excluded     bool
	reached      bool
}

// weightedVents splits each room's learned rate across its vents by
// configured weight and floors the result at the minimum detectable rate.
func (s *Solver) weightedVents(vents []VentInput) []weightedVent {
	roomWeight := make(map[string]float64)
	for _, v := range vents {
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		roomWeight[v.RoomID] += w
	}

	out := make([]weightedVent, 0, len(vents))
	for _, v := range vents {
		w := v.Weight
		if w <= 0 {
			w = 1
		}
		rate := v.Rate * (w / roomWeight[v.RoomID])
		if rate < s.cfg.MinRate {
			rate = s.cfg.MinRate
		}
		out = append(out, weightedVent{VentInput: v, weightedRate: rate})
	}
	return out
}

// longestTimeToTarget computes max |setpoint − temp| / rate in minutes over
// non-excluded vents, clamped to [0, MaxRunningTimeMin]. The second return
// is false when every vent was excluded or already settled.
func (s *Solver) longestTimeToTarget(mode hvac.Mode, target float64, vents []weightedVent) (float64, bool) {
	longest := 0.0
	anyIncluded := false

	for i := range vents {
		v := &vents[i]

		if s.cfg.CloseInactiveRooms && !v.RoomActive {
			v.excluded = true
			continue
		}
		if reachedSetpoint(mode, target, v.RoomTempC, s.cfg.ReachedToleranceC) {
			v.reached = true
			v.excluded = true
			continue
		}

		anyIncluded = true
		minutes := math.Abs(target-v.RoomTempC) / v.weightedRate
		if minutes > longest {
			longest = minutes
		}
	}

	if longest > s.cfg.MaxRunningTimeMin {
		longest = s.cfg.MaxRunningTimeMin
	}
	if longest <= 0 {
		// Included vents sitting exactly at the tolerance edge: treat as
		// settled rather than dividing by zero downstream.
		return 0, false
	}
	return longest, anyIncluded
}

// reachedSetpoint reports whether temp is at/past the setpoint in the
// mode's sense, offset by tolerance.
func reachedSetpoint(mode hvac.Mode, target, temp, tolerance float64) bool {
	if mode == hvac.ModeCooling {
		return temp <= target+tolerance
	}
	return temp >= target-tolerance
}

func (s *Solver) applyOverrides(plan *Plan, vents []weightedVent) {
	for _, v := range vents {
		if v.Override != nil {
			plan.Targets[v.VentID] = clampPercent(*v.Override)
		}
	}
}

// applyFloors raises every non-overridden vent to the configured minimum.
func (s *Solver) applyFloors(plan *Plan, vents []weightedVent) {
	if s.cfg.AllowFullClose {
		return
	}
	for _, v := range vents {
		if v.Override != nil {
			continue
		}
		if plan.Targets[v.VentID] < s.cfg.MinPercentOpen {
			plan.Targets[v.VentID] = s.cfg.MinPercentOpen
		}
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
