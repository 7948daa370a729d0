package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimRoom configures one simulated room.
type SimRoom struct {
	RoomID    string
	RoomName  string
	VentID    string
	TempC     float64
	SetpointC float64
	Active    bool
	// CoolRatePerMin is degrees C removed per minute at 100% open.
	CoolRatePerMin float64
	// DriftPerMin is degrees C gained per minute from ambient load.
	DriftPerMin float64
}

// SimController is an in-process physics toy standing in for real hardware.
// Rooms cool in proportion to their vent opening while the plant runs and
// drift back toward ambient otherwise. Useful for local runs and tests.
type SimController struct {
	mu          sync.Mutex
	rooms       []SimRoom
	vents       map[string]float64
	plantState  string
	ductTempC   float64
	granularity float64
	last        time.Time
	logger      *zap.Logger
}

func NewSimController(rooms []SimRoom, granularity float64, logger *zap.Logger) *SimController {
	vents := map[string]float64{}
	for _, r := range rooms {
		vents[r.VentID] = 100
	}
	return &SimController{
		rooms:       rooms,
		vents:       vents,
		plantState:  "idle",
		ductTempC:   21,
		granularity: granularity,
		last:        time.Now(),
		logger:      logger,
	}
}

// SetPlantState changes the simulated equipment state ("cooling", "heating",
// "idle", ...). The duct temperature follows with a crude step.
func (c *SimController) SetPlantState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plantState = state
	switch state {
	case "cooling":
		c.ductTempC = 12
	case "heating":
		c.ductTempC = 45
	default:
		c.ductTempC = 21
	}
	c.logger.Info("Simulated plant state changed",
		zap.String("state", state),
		zap.Float64("duct_temp_c", c.ductTempC))
}

func (c *SimController) Read(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.advance(now)

	snap := Snapshot{
		Plant: PlantSnapshot{
			PlantState: c.plantState,
			FanRunning: c.plantState == "cooling" || c.plantState == "heating",
			ObservedAt: now,
		},
	}
	for _, r := range c.rooms {
		snap.Rooms = append(snap.Rooms, RoomReading{
			RoomID:      r.RoomID,
			RoomName:    r.RoomName,
			TempCelsius: r.TempC,
			SetpointC:   r.SetpointC,
			Active:      r.Active,
			ObservedAt:  now,
		})
		snap.Vents = append(snap.Vents, VentReading{
			VentID:      r.VentID,
			RoomID:      r.RoomID,
			DuctTempC:   c.ductTempC,
			PercentOpen: c.vents[r.VentID],
			ObservedAt:  now,
		})
	}
	return snap, nil
}

// advance steps room temperatures forward to now. Callers hold c.mu.
func (c *SimController) advance(now time.Time) {
	minutes := now.Sub(c.last).Minutes()
	if minutes <= 0 {
		return
	}
	c.last = now
	for i := range c.rooms {
		r := &c.rooms[i]
		r.TempC += r.DriftPerMin * minutes
		open := c.vents[r.VentID] / 100
		switch c.plantState {
		case "cooling":
			r.TempC -= r.CoolRatePerMin * open * minutes
		case "heating":
			r.TempC += r.CoolRatePerMin * open * minutes
		}
	}
}

func (c *SimController) SetVent(ctx context.Context, ventID string, percentOpen float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vents[ventID]; !ok {
		return fmt.Errorf("unknown vent %q", ventID)
	}
	q := Quantize(percentOpen, c.granularity)
	c.vents[ventID] = q
	c.logger.Debug("Simulated vent commanded",
		zap.String("vent_id", ventID),
		zap.Float64("requested", percentOpen),
		zap.Float64("applied", q))
	return nil
}
