package hvac

import (
	"sort"

	"go.uber.org/zap"
)

// Mode is the coarse plant classification derived from sensor deltas.
type Mode string

const (
	ModeHeating Mode = "heating"
	ModeCooling Mode = "cooling"
	ModeIdle    Mode = "idle"
)

// DefaultThresholdC is the duct-minus-room median threshold for declaring
// the plant active, in Celsius.
const DefaultThresholdC = 0.5

// Reading is one vent's paired duct and room temperature sample.
// Vents missing either sensor must not be passed to Detect.
type Reading struct {
	DuctTempC float64
	RoomTempC float64
}

// Fallback infers a mode when the sensor median is unavailable.
// Fallbacks are tried in order; the first one that reports ok wins.
type Fallback interface {
	Name() string
	Infer() (Mode, bool)
}

// PlantStateFallback maps the plant's reported operating state string to a
// mode. Unknown states report not-ok so the next fallback can run.
type PlantStateFallback struct {
	// State returns the current reported operating state, e.g. "heating",
	// "pending cool". Empty string means unavailable.
	State func() string
}

func (f PlantStateFallback) Name() string { return "plant-state" }

func (f PlantStateFallback) Infer() (Mode, bool) {
	if f.State == nil {
		return ModeIdle, false
	}
	switch f.State() {
	case "heating", "pending heat":
		return ModeHeating, true
	case "cooling", "pending cool":
		return ModeCooling, true
	}
	return ModeIdle, false
}

// IdleFallback always reports idle. It terminates every fallback chain.
type IdleFallback struct{}

func (IdleFallback) Name() string        { return "idle" }
func (IdleFallback) Infer() (Mode, bool) { return ModeIdle, true }

// Detector classifies the plant state from a snapshot of vent readings.
// It is a pure function of its inputs; callers diff against the previous
// mode and log transitions themselves.
type Detector struct {
	thresholdC float64
	fallbacks  []Fallback
	logger     *zap.Logger
}

// NewDetector creates a detector with the given threshold and ordered
// fallback chain. A nil or empty chain gets a terminating IdleFallback.
func NewDetector(thresholdC float64, fallbacks []Fallback, logger *zap.Logger) *Detector {
	if thresholdC <= 0 {
		thresholdC = DefaultThresholdC
	}
	if len(fallbacks) == 0 {
		fallbacks = []Fallback{IdleFallback{}}
	}
	return &Detector{
		thresholdC: thresholdC,
		fallbacks:  fallbacks,
		logger:     logger,
	}
}

// Detect computes median(duct − room) across the readings and classifies:
// median above +threshold is heating, below −threshold is cooling,
// otherwise the fallback chain decides.
func (d *Detector) Detect(readings []Reading) Mode {
	diffs := make([]float64, 0, len(readings))
	for _, r := range readings {
		diffs = append(diffs, r.DuctTempC-r.RoomTempC)
	}

	median, ok := Median(diffs)
	if !ok {
		d.logger.Debug("no duct/room sample pairs, using fallback chain")
		return d.fallback()
	}

	switch {
	case median > d.thresholdC:
		return ModeHeating
	case median < -d.thresholdC:
		return ModeCooling
	}

	d.logger.Debug("median within threshold, using fallback chain",
		zap.Float64("median_c", median),
		zap.Float64("threshold_c", d.thresholdC),
	)
	return d.fallback()
}

func (d *Detector) fallback() Mode {
	for _, f := range d.fallbacks {
		if mode, ok := f.Infer(); ok {
			d.logger.Debug("fallback strategy decided mode",
				zap.String("strategy", f.Name()),
				zap.String("mode", string(mode)),
			)
			return mode
		}
	}
	return ModeIdle
}

// Median returns the median of values, or false when values is empty.
func Median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}
