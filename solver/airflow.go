package solver

import (
	"math"

	"go.uber.org/zap"
)

// enforceMinimumAirflow raises vent targets until the combined flow meets
// the configured minimum share of total capacity. Adjustable vents (below
// 100% and not settled away to zero-capacity rooms) grow in proportion to
// their temperature-difference magnitude. The iteration cap is a
// computational timeout, not an error: hitting it returns best effort.
func (s *Solver) enforceMinimumAirflow(plan *Plan, vents []weightedVent, target float64) {
	capacity := float64(len(vents)+s.cfg.UnmanagedVents) * 100
	if capacity == 0 {
		return
	}

	combined := func() float64 {
		total := s.unmanagedFlow() * float64(s.cfg.UnmanagedVents)
		for _, v := range vents {
			total += plan.Targets[v.VentID]
		}
		return total / capacity * 100
	}

	if combined() >= s.cfg.MinAirflowPercent {
		return
	}

	for iter := 0; iter < s.cfg.MaxIterations; iter++ {
		current := combined()
		if current >= s.cfg.MinAirflowPercent {
			return
		}
		shortfall := s.cfg.MinAirflowPercent - current

		// Proportional share of the temperature-difference magnitude
		// across all vents still below 100%.
		var totalDiff float64
		adjustable := 0
		for _, v := range vents {
			if plan.Targets[v.VentID] >= 100 {
				continue
			}
			adjustable++
			totalDiff += math.Abs(target - v.RoomTempC)
		}
		if adjustable == 0 {
			return
		}

		for _, v := range vents {
			cur := plan.Targets[v.VentID]
			if cur >= 100 {
				continue
			}
			share := 1.0 / float64(adjustable)
			if totalDiff > 0 {
				share = math.Abs(target-v.RoomTempC) / totalDiff
			}
			next := cur + share*shortfall*s.cfg.IncrementFactor
			plan.Targets[v.VentID] = clampPercent(next)
		}
	}

	plan.IterationCapReached = true
	s.logger.Warn("minimum airflow iteration cap reached, returning best effort",
		zap.Float64("combined_percent", combined()),
		zap.Float64("minimum_percent", s.cfg.MinAirflowPercent),
		zap.Int("iterations", s.cfg.MaxIterations),
	)
}

// unmanagedFlow is the assumed open percentage of one unmanaged vent under
// the configured policy.
func (s *Solver) unmanagedFlow() float64 {
	if s.cfg.UnmanagedPolicy == UnmanagedFullyOpen {
		return 100
	}
	return s.cfg.UnmanagedOpenPercent
}
