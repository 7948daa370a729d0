// Package config loads and validates the application configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	"github.com/airbalance/dabctl/cycle"
	"github.com/airbalance/dabctl/diag"
	"github.com/airbalance/dabctl/metrics"
	"github.com/airbalance/dabctl/rates"
	"github.com/airbalance/dabctl/solver"
)

// Config is the root application configuration.
type Config struct {
	PollInterval time.Duration `yaml:"pollInterval" env:"DAB_POLL_INTERVAL" env-default:"1m"`
	StateDir     string        `yaml:"stateDir" env:"DAB_STATE_DIR" env-default:"./state"`
	BufferSize   int           `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`

	Rooms []RoomConfig `yaml:"rooms"`

	Orchestrator cycle.Config   `yaml:"orchestrator"`
	Rates        rates.Config   `yaml:"rates"`
	Solver       solver.Config  `yaml:"solver"`
	Prometheus   metrics.Config `yaml:"prometheus"`
	Diag         diag.Config    `yaml:"diag"`

	Simulator SimulatorConfig `yaml:"simulator"`

	Logging       LoggingConfig       `yaml:"logging"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
}

// RoomConfig describes one managed room and its vent.
type RoomConfig struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name"`
	VentID    string  `yaml:"ventId"`
	Weight    float64 `yaml:"weight"`
	SetpointC float64 `yaml:"setpointC"`
	Active    bool    `yaml:"active"`
}

// SimulatorConfig drives the built-in simulated device layer used for local
// runs when no real hardware is wired up.
type SimulatorConfig struct {
	Enabled        bool    `yaml:"enabled" env:"SIM_ENABLED" env-default:"true"`
	Granularity    float64 `yaml:"granularity" env:"SIM_GRANULARITY" env-default:"5"`
	CoolRatePerMin float64 `yaml:"coolRatePerMin" env:"SIM_COOL_RATE" env-default:"0.15"`
	DriftPerMin    float64 `yaml:"driftPerMin" env:"SIM_DRIFT_RATE" env-default:"0.02"`
	InitialTempC   float64 `yaml:"initialTempC" env:"SIM_INITIAL_TEMP" env-default:"24"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency. It also normalizes
// per-room defaults in place.
func (c *Config) Validate() error {
	if len(c.Rooms) == 0 {
		return fmt.Errorf("at least one room must be configured")
	}

	seenRooms := make(map[string]bool)
	seenVents := make(map[string]bool)
	for i := range c.Rooms {
		room := &c.Rooms[i]
		if room.ID == "" {
			return fmt.Errorf("room %d: id is required", i)
		}
		if seenRooms[room.ID] {
			return fmt.Errorf("room %s: duplicate id", room.ID)
		}
		seenRooms[room.ID] = true

		if room.VentID == "" {
			return fmt.Errorf("room %s: ventId is required", room.ID)
		}
		if seenVents[room.VentID] {
			return fmt.Errorf("room %s: duplicate vent %s", room.ID, room.VentID)
		}
		seenVents[room.VentID] = true

		if room.Weight == 0 {
			room.Weight = 1
		}
		if room.Weight < 0 {
			return fmt.Errorf("room %s: weight must be positive, got %v", room.ID, room.Weight)
		}
		if room.SetpointC != 0 && (room.SetpointC < 5 || room.SetpointC > 35) {
			return fmt.Errorf("room %s: setpoint %v°C outside plausible range 5-35", room.ID, room.SetpointC)
		}
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1 second")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer size must be at least 1")
	}
	if c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus URL is required")
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}
	if err := ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return err
	}
	if err := ValidateProfiling(&c.Profiling); err != nil {
		return err
	}
	return nil
}

// VentWeights exposes the per-vent weights for the orchestrator config.
func (c *Config) VentWeights() map[string]float64 {
	weights := make(map[string]float64, len(c.Rooms))
	for _, room := range c.Rooms {
		weights[room.VentID] = room.Weight
	}
	return weights
}

// RoomMeta builds the export metadata rows from the room inventory.
func (c *Config) RoomMeta() map[string]rates.RoomMeta {
	meta := make(map[string]rates.RoomMeta, len(c.Rooms))
	for _, room := range c.Rooms {
		meta[room.ID] = rates.RoomMeta{RoomName: room.Name, VentID: room.VentID}
	}
	return meta
}

// PrintConfig logs the effective configuration, masking credentials.
func (c *Config) PrintConfig(logger *zap.Logger) {
	roomInfo := make([]string, len(c.Rooms))
	for i, room := range c.Rooms {
		roomInfo[i] = fmt.Sprintf("%s (vent:%s, setpoint:%.1f°C, weight:%.1f)",
			room.ID, room.VentID, room.SetpointC, room.Weight)
	}

	logger.Info("configuration loaded",
		zap.Duration("poll_interval", c.PollInterval),
		zap.String("state_dir", c.StateDir),
		zap.Int("buffer_size", c.BufferSize),
		zap.Int("room_count", len(c.Rooms)),
		zap.Strings("rooms", roomInfo),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Bool("simulator_enabled", c.Simulator.Enabled),
		zap.Bool("diag_enabled", c.Diag.Enabled),
		zap.String("diag_listen", c.Diag.Listen),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
	)
}
