// Package rates maintains the learned thermal-rate history: per room, HVAC
// mode and hour-of-day buckets of observed degrees-per-minute-per-percent
// rates, with outlier rejection, optional exponential smoothing and an
// adaptive correction that pre-boosts chronically under-predicted rooms.
package rates

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/airbalance/dabctl/hvac"
)

// OutlierMode selects what happens to a sample outside the MAD bounds.
type OutlierMode string

const (
	// OutlierReject drops the sample silently.
	OutlierReject OutlierMode = "reject"
	// OutlierClip replaces the sample with the nearest bound.
	OutlierClip OutlierMode = "clip"
)

// Config holds the tuning knobs for the store. Zero values are filled with
// the documented defaults by Normalize.
type Config struct {
	RetentionDays int `yaml:"retentionDays" env:"DAB_RATE_RETENTION_DAYS" env-default:"10"`

	OutlierEnabled bool        `yaml:"outlierEnabled" env:"DAB_OUTLIER_ENABLED" env-default:"true"`
	OutlierK       float64     `yaml:"outlierK" env:"DAB_OUTLIER_K" env-default:"3"`
	OutlierMode    OutlierMode `yaml:"outlierMode" env:"DAB_OUTLIER_MODE" env-default:"reject"`

	SmoothingEnabled bool    `yaml:"smoothingEnabled" env:"DAB_SMOOTHING_ENABLED" env-default:"false"`
	HalfLifeDays     float64 `yaml:"halfLifeDays" env:"DAB_SMOOTHING_HALF_LIFE_DAYS" env-default:"3"`

	CarryForward bool `yaml:"carryForward" env:"DAB_CARRY_FORWARD" env-default:"true"`

	Adaptive AdaptiveConfig `yaml:"adaptive"`
}

// Normalize fills unset fields with defaults and clamps invalid values.
func (c *Config) Normalize() {
	if c.RetentionDays < 1 {
		c.RetentionDays = 10
	}
	if c.OutlierK <= 0 {
		c.OutlierK = 3
	}
	if c.OutlierMode != OutlierClip {
		c.OutlierMode = OutlierReject
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = 3
	}
	c.Adaptive.normalize()
}

// Entry is one observed rate appended to the history log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RoomID    string    `json:"roomId"`
	Mode      hvac.Mode `json:"mode"`
	Hour      int       `json:"hour"`
	Rate      float64   `json:"rate"`
}

// History is the persisted document: the append-only log (authoritative),
// the derived bucket index, per-bucket EWMA values and the adaptive marks.
type History struct {
	Version int     `json:"version"`
	Log     []Entry `json:"log"`

	// Index maps roomID -> mode -> hour -> most-recent rates, oldest first,
	// capped at RetentionDays entries per bucket. Re-derivable from Log.
	Index map[string]map[hvac.Mode]map[int][]float64 `json:"index"`

	// EWMA holds the smoothed value per bucket key when smoothing is on.
	EWMA map[string]float64 `json:"ewma"`

	Marks []AdaptiveMark `json:"marks"`
}

// HistoryVersion is the current schema version of the History document.
const HistoryVersion = 1

// NewHistory creates an empty history document at the current version.
func NewHistory() *History {
	return &History{
		Version: HistoryVersion,
		Index:   make(map[string]map[hvac.Mode]map[int][]float64),
		EWMA:    make(map[string]float64),
	}
}

// Migrate upgrades a decoded history document to the current schema. It is
// called once after load, not on every read.
func (h *History) Migrate() {
	if h.Index == nil {
		h.Index = make(map[string]map[hvac.Mode]map[int][]float64)
	}
	if h.EWMA == nil {
		h.EWMA = make(map[string]float64)
	}
	if h.Version < HistoryVersion {
		h.Version = HistoryVersion
	}
}

// Store wraps a History with the append/average/reindex operations. It is
// not safe for concurrent use; the orchestrator serializes callbacks.
type Store struct {
	cfg    Config
	hist   *History
	logger *zap.Logger
	now    func() time.Time

	rejectedOutliers int
}

// NewStore wraps hist with the given configuration.
func NewStore(cfg Config, hist *History, logger *zap.Logger) *Store {
	cfg.Normalize()
	hist.Migrate()
	return &Store{
		cfg:    cfg,
		hist:   hist,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// History returns the wrapped document for persisting.
func (s *Store) History() *History { return s.hist }

// RejectedOutliers reports how many appends were dropped by the outlier
// filter since the store was created.
func (s *Store) RejectedOutliers() int { return s.rejectedOutliers }

func bucketKey(roomID string, mode hvac.Mode, hour int) string {
	return fmt.Sprintf("%s|%s|%02d", roomID, mode, hour)
}

func errInvalidKey(roomID string, mode hvac.Mode, hour int) error {
	return fmt.Errorf("invalid rate sample key: room=%q mode=%q hour=%d", roomID, mode, hour)
}

// Append records one observed rate for a room/mode/hour bucket, applying
// outlier filtering and optional exponential smoothing before the value
// enters the log and the derived index.
func (s *Store) Append(roomID string, mode hvac.Mode, hour int, rate float64) error {
	if roomID == "" || mode == "" || hour < 0 || hour > 23 {
		s.logger.Error("rejecting rate sample with invalid key",
			zap.String("room_id", roomID),
			zap.String("mode", string(mode)),
			zap.Int("hour", hour),
		)
		return errInvalidKey(roomID, mode, hour)
	}

	value := rate

	if s.cfg.OutlierEnabled {
		accepted, clipped, ok := filterOutlier(s.bucket(roomID, mode, hour), value, s.cfg.OutlierK, s.cfg.OutlierMode)
		if !ok {
			s.rejectedOutliers++
			s.logger.Debug("rate sample rejected as outlier",
				zap.String("room_id", roomID),
				zap.String("mode", string(mode)),
				zap.Int("hour", hour),
				zap.Float64("rate", value),
			)
			return nil
		}
		if clipped {
			s.logger.Debug("rate sample clipped to outlier bound",
				zap.String("room_id", roomID),
				zap.Float64("raw", value),
				zap.Float64("clipped", accepted),
			)
		}
		value = accepted
	}

	if s.cfg.SmoothingEnabled {
		key := bucketKey(roomID, mode, hour)
		alpha := 1 - math.Exp2(-1/s.cfg.HalfLifeDays)
		if prev, ok := s.hist.EWMA[key]; ok {
			value = alpha*value + (1-alpha)*prev
		}
		s.hist.EWMA[key] = value
	}

	now := s.now()
	s.Prune(now)
	s.hist.Log = append(s.hist.Log, Entry{
		Timestamp: now,
		RoomID:    roomID,
		Mode:      mode,
		Hour:      hour,
		Rate:      value,
	})
	s.indexAppend(roomID, mode, hour, value)
	return nil
}

// Average answers the expected rate for a room/mode/hour bucket.
func (s *Store) Average(roomID string, mode hvac.Mode, hour int) float64 {
	var result float64

	if s.cfg.SmoothingEnabled {
		if v, ok := s.hist.EWMA[bucketKey(roomID, mode, hour)]; ok {
			result = v
		}
	}

	if result == 0 {
		if bucket := s.bucket(roomID, mode, hour); len(bucket) > 0 {
			var sum float64
			for _, v := range bucket {
				sum += v
			}
			result = sum / float64(len(bucket))
		}
	}

	if result == 0 && s.cfg.CarryForward {
		result = s.carryForward(roomID, mode, hour)
	}

	if result > 0 && s.cfg.Adaptive.Enabled {
		boost := s.adaptiveBoost(roomID, mode, hour)
		if boost > 0 {
			s.logger.Debug("applying adaptive boost",
				zap.String("room_id", roomID),
				zap.Float64("boost", boost),
			)
			result *= 1 + boost
		}
	}

	return result
}

// carryForward walks backward hour-by-hour (wrapping at 24) up to 23 steps
// and returns the last observed raw-log value of the first non-empty bucket.
func (s *Store) carryForward(roomID string, mode hvac.Mode, hour int) float64 {
	for step := 1; step <= 23; step++ {
		h := ((hour-step)%24 + 24) % 24
		if len(s.bucket(roomID, mode, h)) == 0 {
			continue
		}
		// The log is authoritative: scan in reverse for the newest sample.
		for i := len(s.hist.Log) - 1; i >= 0; i-- {
			e := s.hist.Log[i]
			if e.RoomID == roomID && e.Mode == mode && e.Hour == h {
				return e.Rate
			}
		}
	}
	return 0
}

// Prune drops log entries older than the retention window and trims the
// index buckets accordingly.
func (s *Store) Prune(now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)

	kept := s.hist.Log[:0]
	dropped := 0
	for _, e := range s.hist.Log {
		if e.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	s.hist.Log = kept

	if dropped > 0 {
		s.logger.Debug("pruned rate history",
			zap.Int("dropped", dropped),
			zap.Time("cutoff", cutoff),
		)
		// The index must agree with the log after any prune.
		s.Reindex(now)
	}
}

// Reindex rebuilds the bucket index from the append-only log, discarding
// samples older than the retention cutoff. The result is identical to an
// index built incrementally by replaying Append.
func (s *Store) Reindex(now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)

	index := make(map[string]map[hvac.Mode]map[int][]float64)
	for _, e := range s.hist.Log {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		appendToIndex(index, e.RoomID, e.Mode, e.Hour, e.Rate, s.cfg.RetentionDays)
	}
	s.hist.Index = index
}

func (s *Store) bucket(roomID string, mode hvac.Mode, hour int) []float64 {
	byMode, ok := s.hist.Index[roomID]
	if !ok {
		return nil
	}
	byHour, ok := byMode[mode]
	if !ok {
		return nil
	}
	return byHour[hour]
}

func (s *Store) indexAppend(roomID string, mode hvac.Mode, hour int, rate float64) {
	appendToIndex(s.hist.Index, roomID, mode, hour, rate, s.cfg.RetentionDays)
}

func appendToIndex(index map[string]map[hvac.Mode]map[int][]float64, roomID string, mode hvac.Mode, hour int, rate float64, maxLen int) {
	byMode, ok := index[roomID]
	if !ok {
		byMode = make(map[hvac.Mode]map[int][]float64)
		index[roomID] = byMode
	}
	byHour, ok := byMode[mode]
	if !ok {
		byHour = make(map[int][]float64)
		byMode[mode] = byHour
	}
	bucket := append(byHour[hour], rate)
	if len(bucket) > maxLen {
		bucket = bucket[len(bucket)-maxLen:]
	}
	byHour[hour] = bucket
}

// RoomRates summarizes the latest learned rate per room and mode, for the
// diagnostics API and the export payload.
func (s *Store) RoomRates() map[string]map[hvac.Mode]float64 {
	out := make(map[string]map[hvac.Mode]float64)
	for roomID, byMode := range s.hist.Index {
		out[roomID] = make(map[hvac.Mode]float64)
		for mode := range byMode {
			// Hour-agnostic summary: mean over all buckets.
			var sum float64
			var n int
			for _, bucket := range byMode[mode] {
				for _, v := range bucket {
					sum += v
					n++
				}
			}
			if n > 0 {
				out[roomID][mode] = sum / float64(n)
			}
		}
	}
	return out
}
