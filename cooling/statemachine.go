// Package cooling refines the coarse "cooling" classification into a
// reliable end-of-cycle signal. Duct temperature lags the compressor, so the
// instantaneous median threshold chatters near zero-crossing during
// wind-down; this state machine watches thermal inertia instead.
package cooling

import (
	"time"

	"go.uber.org/zap"
)

// State of the end-detection machine.
type State string

const (
	StateStabilizing State = "stabilizing"
	StateTracking    State = "tracking"
	StateConfirming  State = "confirming"
	StateEnded       State = "ended"
)

const (
	emaAlpha   = 0.25
	windowSize = 5

	stabilizationPolls = 2
	minCycleDuration   = 180 * time.Second
	confirmationsToEnd = 2

	baseRisePrimaryF   = 3.0
	baseRiseSecondaryF = 2.0
	collapseRatio      = 0.55
	collapseMaxDeltaF  = 0.8
	fastRiseF          = 5.0
	trendSlopeFPerPoll = 0.5
)

// Sample is one poll's observation, already converted to Fahrenheit.
type Sample struct {
	// MedianDuctF is the median duct temperature across vents.
	MedianDuctF float64
	// HottestRoomDeltaF is max over vents of (room temp − global setpoint).
	HottestRoomDeltaF float64
}

// Result reports the outcome of one poll.
type Result struct {
	Ended  bool
	Reason string
	// RiseF is the measured duct rise above the cycle minimum when Ended.
	RiseF float64
	// Collapse is the measured delta-collapse ratio when Ended via that path.
	Collapse float64
}

// Machine tracks one cooling cycle. The zero value is not usable; create
// with New when a cooling start is confirmed, discard when the mode switches
// to heating or idle. Fields are exported so the machine round-trips through
// the persisted-state store between callbacks.
type Machine struct {
	StartedAt time.Time `json:"startedAt"`
	PollCount int       `json:"pollCount"`

	MinDuctF   float64 `json:"minDuctF"`
	EMADuctF   float64 `json:"emaDuctF"`
	EMADeltaF  float64 `json:"emaDeltaF"`
	HasSamples bool    `json:"hasSamples"`

	DuctWindow  []float64 `json:"ductWindow"`
	DeltaWindow []float64 `json:"deltaWindow"`

	StabilizationLeft int `json:"stabilizationLeft"`
	Confirmations     int `json:"confirmations"`

	FirstDeltaF float64 `json:"firstDeltaF"`

	logger *zap.Logger
}

// New creates a machine for a cooling cycle that started at startedAt.
func New(startedAt time.Time, logger *zap.Logger) *Machine {
	return &Machine{
		StartedAt:         startedAt,
		StabilizationLeft: stabilizationPolls,
		logger:            logger,
	}
}

// SetLogger re-attaches a logger after the machine was decoded from the
// persisted state store.
func (m *Machine) SetLogger(logger *zap.Logger) {
	m.logger = logger
}

// State derives the current state for diagnostics.
func (m *Machine) State() State {
	switch {
	case m.StabilizationLeft > 0:
		return StateStabilizing
	case m.Confirmations >= confirmationsToEnd:
		return StateEnded
	case m.Confirmations > 0:
		return StateConfirming
	default:
		return StateTracking
	}
}

// Poll feeds one observation into the machine and reports whether the
// cooling cycle is confirmed ended. Ending requires two consecutive polls
// on which at least one end-detection path fires.
func (m *Machine) Poll(s Sample, now time.Time) Result {
	m.PollCount++

	prevDuct, hadPrev := m.lastDuct()

	if !m.HasSamples {
		m.HasSamples = true
		m.MinDuctF = s.MedianDuctF
		m.EMADuctF = s.MedianDuctF
		m.EMADeltaF = s.HottestRoomDeltaF
		m.FirstDeltaF = s.HottestRoomDeltaF
	} else {
		if s.MedianDuctF < m.MinDuctF {
			m.MinDuctF = s.MedianDuctF
		}
		m.EMADuctF = emaAlpha*s.MedianDuctF + (1-emaAlpha)*m.EMADuctF
		m.EMADeltaF = emaAlpha*s.HottestRoomDeltaF + (1-emaAlpha)*m.EMADeltaF
	}

	m.DuctWindow = pushWindow(m.DuctWindow, s.MedianDuctF)
	m.DeltaWindow = pushWindow(m.DeltaWindow, s.HottestRoomDeltaF)

	if m.StabilizationLeft > 0 {
		m.StabilizationLeft--
		m.logger.Debug("cooling machine stabilizing",
			zap.Int("polls_left", m.StabilizationLeft),
		)
		return Result{}
	}

	if now.Sub(m.StartedAt) < minCycleDuration {
		// Too short to be a real cycle end.
		return Result{}
	}

	reason, rise, collapse := m.evaluatePaths(s, prevDuct, hadPrev)
	if reason == "" {
		m.Confirmations = 0
		return Result{}
	}

	m.Confirmations++
	m.logger.Debug("cooling end path fired",
		zap.String("path", reason),
		zap.Int("confirmations", m.Confirmations),
		zap.Float64("rise_f", rise),
		zap.Float64("collapse", collapse),
	)

	if m.Confirmations < confirmationsToEnd {
		return Result{}
	}

	m.logger.Info("cooling cycle end confirmed",
		zap.String("reason", reason),
		zap.Float64("duct_rise_f", rise),
		zap.Float64("delta_collapse", collapse),
		zap.Int("poll_count", m.PollCount),
		zap.Duration("cycle_duration", now.Sub(m.StartedAt)),
	)
	return Result{Ended: true, Reason: reason, RiseF: rise, Collapse: collapse}
}

// evaluatePaths checks the four independent end-detection paths in order.
// First match wins for this poll.
func (m *Machine) evaluatePaths(s Sample, prevDuct float64, hadPrev bool) (reason string, rise, collapse float64) {
	// Sustained rise: the duct EMA has climbed off the cycle minimum.
	rise = m.EMADuctF - m.MinDuctF
	if rise >= baseRisePrimaryF || rise >= baseRiseSecondaryF {
		return "base-rise", rise, 0
	}

	// Delta collapse: the hottest room closed most of its starting gap.
	if len(m.DeltaWindow) >= 3 && m.FirstDeltaF > 0 {
		current := m.DeltaWindow[len(m.DeltaWindow)-1]
		collapse = (m.FirstDeltaF - current) / m.FirstDeltaF
		if collapse >= collapseRatio && current <= collapseMaxDeltaF {
			return "delta-collapse", rise, collapse
		}
	}

	// Fast rise versus the immediately preceding poll.
	if hadPrev && s.MedianDuctF-prevDuct >= fastRiseF {
		return "fast-rise", s.MedianDuctF - prevDuct, 0
	}

	// Trend slope over the full window.
	if len(m.DuctWindow) == windowSize {
		slope := (m.DuctWindow[windowSize-1] - m.DuctWindow[0]) / windowSize
		if slope > trendSlopeFPerPoll {
			return "trend-slope", rise, 0
		}
	}

	return "", 0, 0
}

// lastDuct returns the duct sample from the previous poll, before the
// current sample was pushed.
func (m *Machine) lastDuct() (float64, bool) {
	if len(m.DuctWindow) == 0 {
		return 0, false
	}
	return m.DuctWindow[len(m.DuctWindow)-1], true
}

func pushWindow(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > windowSize {
		w = w[len(w)-windowSize:]
	}
	return w
}

// Debug exposes the machine internals for the diagnostics API.
type Debug struct {
	State             State     `json:"state"`
	StartedAt         time.Time `json:"startedAt"`
	PollCount         int       `json:"pollCount"`
	MinDuctF          float64   `json:"minDuctF"`
	EMADuctF          float64   `json:"emaDuctF"`
	EMADeltaF         float64   `json:"emaDeltaF"`
	DuctWindow        []float64 `json:"ductWindow"`
	DeltaWindow       []float64 `json:"deltaWindow"`
	StabilizationLeft int       `json:"stabilizationLeft"`
	Confirmations     int       `json:"confirmations"`
}

// Snapshot captures the machine state for diagnostics.
func (m *Machine) Snapshot() Debug {
	return Debug{
		State:             m.State(),
		StartedAt:         m.StartedAt,
		PollCount:         m.PollCount,
		MinDuctF:          m.MinDuctF,
		EMADuctF:          m.EMADuctF,
		EMADeltaF:         m.EMADeltaF,
		DuctWindow:        append([]float64(nil), m.DuctWindow...),
		DeltaWindow:       append([]float64(nil), m.DeltaWindow...),
		StabilizationLeft: m.StabilizationLeft,
		Confirmations:     m.Confirmations,
	}
}
