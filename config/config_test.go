package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/airbalance/dabctl/metrics"
)

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
stateDir: ./state
bufferSize: 500
rooms:
  - id: living-room
    name: Living Room
    ventId: vent-1
    setpointC: 21.5
    active: true
  - id: bedroom
    name: Bedroom
    ventId: vent-2
    weight: 0.8
    setpointC: 19
    active: true
prometheus:
  url: "https://prometheus.example.com/api/v1/write"
  username: "123456"
  password: "test-password"
  pushIntervalSec: 15
  batchSize: 200
logging:
  logFormat: "console"
  logLevel: "info"
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.PollInterval != time.Minute {
		t.Errorf("Expected default poll interval 1m, got %v", cfg.PollInterval)
	}

	if len(cfg.Rooms) != 2 {
		t.Fatalf("Expected 2 rooms, got %d", len(cfg.Rooms))
	}
	if cfg.Rooms[0].ID != "living-room" {
		t.Errorf("Expected room id 'living-room', got '%s'", cfg.Rooms[0].ID)
	}
	if cfg.Rooms[0].Weight != 1 {
		t.Errorf("Expected default weight 1, got %v", cfg.Rooms[0].Weight)
	}
	if cfg.Rooms[1].Weight != 0.8 {
		t.Errorf("Expected weight 0.8, got %v", cfg.Rooms[1].Weight)
	}

	if cfg.Prometheus.URL != "https://prometheus.example.com/api/v1/write" {
		t.Errorf("Unexpected Prometheus URL: %s", cfg.Prometheus.URL)
	}
	if cfg.Prometheus.PushIntervalSec != 15 {
		t.Errorf("Expected push interval 15, got %d", cfg.Prometheus.PushIntervalSec)
	}

	if cfg.Logging.Format != "console" {
		t.Errorf("Expected log format console, got %s", cfg.Logging.Format)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/non/existent/path/config.yaml")
	if err == nil {
		t.Fatal("Expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
this is not: valid: yaml: content
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Fatal("Expected error for invalid YAML, got nil")
	}
}

func validConfig() Config {
	return Config{
		PollInterval: time.Minute,
		BufferSize:   1000,
		Rooms: []RoomConfig{
			{ID: "r1", Name: "Room 1", VentID: "v1", SetpointC: 21, Active: true},
		},
		Prometheus: metrics.Config{URL: "https://example.com"},
		Logging:    LoggingConfig{Format: "console", Level: "info"},
	}
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectedErr string
	}{
		{
			name:        "No rooms",
			mutate:      func(c *Config) { c.Rooms = nil },
			expectedErr: "at least one room must be configured",
		},
		{
			name:        "Missing room id",
			mutate:      func(c *Config) { c.Rooms[0].ID = "" },
			expectedErr: "id is required",
		},
		{
			name: "Duplicate room id",
			mutate: func(c *Config) {
				c.Rooms = append(c.Rooms, RoomConfig{ID: "r1", VentID: "v2"})
			},
			expectedErr: "duplicate id",
		},
		{
			name: "Duplicate vent",
			mutate: func(c *Config) {
				c.Rooms = append(c.Rooms, RoomConfig{ID: "r2", VentID: "v1"})
			},
			expectedErr: "duplicate vent",
		},
		{
			name:        "Setpoint out of range",
			mutate:      func(c *Config) { c.Rooms[0].SetpointC = 60 },
			expectedErr: "outside plausible range",
		},
		{
			name:        "Poll interval too short",
			mutate:      func(c *Config) { c.PollInterval = 100 * time.Millisecond },
			expectedErr: "poll interval must be at least 1 second",
		},
		{
			name:        "Empty Prometheus URL",
			mutate:      func(c *Config) { c.Prometheus.URL = "" },
			expectedErr: "prometheus URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.expectedErr, err.Error())
			}
		})
	}
}

func TestVentWeights(t *testing.T) {
	cfg := validConfig()
	cfg.Rooms = append(cfg.Rooms, RoomConfig{ID: "r2", VentID: "v2", Weight: 0.5})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	weights := cfg.VentWeights()
	if weights["v1"] != 1 {
		t.Errorf("Expected weight 1 for v1, got %v", weights["v1"])
	}
	if weights["v2"] != 0.5 {
		t.Errorf("Expected weight 0.5 for v2, got %v", weights["v2"])
	}
}

func TestRoomMeta(t *testing.T) {
	cfg := validConfig()
	meta := cfg.RoomMeta()
	m, ok := meta["r1"]
	if !ok {
		t.Fatal("Expected metadata for room r1")
	}
	if m.RoomName != "Room 1" {
		t.Errorf("Expected room name 'Room 1', got '%s'", m.RoomName)
	}
	if m.VentID != "v1" {
		t.Errorf("Expected vent id 'v1', got '%s'", m.VentID)
	}
}
