package rates

import (
	"time"

	"go.uber.org/zap"

	"github.com/airbalance/dabctl/hvac"
)

// maxAdaptiveMarks caps the persisted mark history.
const maxAdaptiveMarks = 5000

// AdaptiveMark records one cycle where a room's realized rate deviated
// materially from its learned rate.
type AdaptiveMark struct {
	Timestamp      time.Time `json:"timestamp"`
	RoomID         string    `json:"roomId"`
	Mode           hvac.Mode `json:"mode"`
	Hour           int       `json:"hour"`
	DeviationRatio float64   `json:"deviationRatio"`
}

// AdaptiveConfig tunes the boost computed from recent marks. Disabled by
// default: the deviation-ratio producer lives in the cycle finalizer and
// operators opt in once they trust its signal.
type AdaptiveConfig struct {
	Enabled          bool    `yaml:"enabled" env:"DAB_ADAPTIVE_ENABLED" env-default:"false"`
	LookbackPeriods  int     `yaml:"lookbackPeriods" env:"DAB_ADAPTIVE_LOOKBACK" env-default:"3"`
	ThresholdPercent float64 `yaml:"thresholdPercent" env:"DAB_ADAPTIVE_THRESHOLD_PCT" env-default:"25"`
	BoostPercent     float64 `yaml:"boostPercent" env:"DAB_ADAPTIVE_BOOST_PCT" env-default:"12.5"`
	MaxBoostPercent  float64 `yaml:"maxBoostPercent" env:"DAB_ADAPTIVE_MAX_BOOST_PCT" env-default:"25"`
}

func (c *AdaptiveConfig) normalize() {
	if c.LookbackPeriods <= 0 {
		c.LookbackPeriods = 3
	}
	if c.ThresholdPercent <= 0 {
		c.ThresholdPercent = 25
	}
	if c.BoostPercent <= 0 {
		c.BoostPercent = 12.5
	}
	if c.MaxBoostPercent <= 0 {
		c.MaxBoostPercent = 25
	}
}

// AppendMark records a deviation mark, evicting the oldest beyond the cap.
func (s *Store) AppendMark(roomID string, mode hvac.Mode, hour int, deviationRatio float64) error {
	if roomID == "" || mode == "" || hour < 0 || hour > 23 {
		s.logger.Error("rejecting adaptive mark with invalid key",
			zap.String("room_id", roomID),
			zap.String("mode", string(mode)),
			zap.Int("hour", hour),
		)
		return errInvalidKey(roomID, mode, hour)
	}

	s.hist.Marks = append(s.hist.Marks, AdaptiveMark{
		Timestamp:      s.now(),
		RoomID:         roomID,
		Mode:           mode,
		Hour:           hour,
		DeviationRatio: deviationRatio,
	})
	if len(s.hist.Marks) > maxAdaptiveMarks {
		s.hist.Marks = s.hist.Marks[len(s.hist.Marks)-maxAdaptiveMarks:]
	}
	return nil
}

// adaptiveBoost scans the most recent marks for the room/mode, looking back
// up to lookbackPeriods distinct hour-offsets from hour. Each offset whose
// recorded deviation (as a percentage) meets the threshold counts one hit;
// total boost is boostPercent per hit, clamped to maxBoostPercent, returned
// as a fraction.
func (s *Store) adaptiveBoost(roomID string, mode hvac.Mode, hour int) float64 {
	cfg := s.cfg.Adaptive

	hits := 0
	for offset := 0; offset < cfg.LookbackPeriods; offset++ {
		h := ((hour-offset)%24 + 24) % 24
		// Newest mark for this room/mode/hour decides the hit.
		for i := len(s.hist.Marks) - 1; i >= 0; i-- {
			m := s.hist.Marks[i]
			if m.RoomID != roomID || m.Mode != mode || m.Hour != h {
				continue
			}
			if m.DeviationRatio*100 >= cfg.ThresholdPercent {
				hits++
			}
			break
		}
	}
	if hits == 0 {
		return 0
	}

	boost := cfg.BoostPercent * float64(hits)
	if boost > cfg.MaxBoostPercent {
		boost = cfg.MaxBoostPercent
	}
	return boost / 100
}
