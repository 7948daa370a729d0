package rates

import (
	"fmt"
	"time"

	"github.com/airbalance/dabctl/hvac"
)

// ExportVersion identifies the backup payload schema.
const ExportVersion = "1.0"

// ExportPayload is the full rate-history backup document.
type ExportPayload struct {
	ExportMetadata *ExportMetadata `json:"exportMetadata"`
	EfficiencyData *EfficiencyData `json:"efficiencyData"`
}

// ExportMetadata describes the backup's origin.
type ExportMetadata struct {
	Version     string    `json:"version"`
	ExportDate  time.Time `json:"exportDate"`
	StructureID string    `json:"structureId"`
}

// EfficiencyData carries the learned state.
type EfficiencyData struct {
	GlobalRates      map[string]float64 `json:"globalRates"`
	RoomEfficiencies []RoomEfficiency   `json:"roomEfficiencies"`
	DABHistory       []Entry            `json:"dabHistory"`
	DABActivityLog   []AdaptiveMark     `json:"dabActivityLog"`
}

// RoomEfficiency is the per-room summary row of the payload.
type RoomEfficiency struct {
	RoomID      string  `json:"roomId"`
	RoomName    string  `json:"roomName"`
	VentID      string  `json:"ventId"`
	CoolingRate float64 `json:"coolingRate"`
	HeatingRate float64 `json:"heatingRate"`
}

// RoomMeta supplies display names and vent IDs for the export rows.
type RoomMeta struct {
	RoomName string
	VentID   string
}

// Export builds the backup payload from the current history.
func (s *Store) Export(structureID string, meta map[string]RoomMeta) *ExportPayload {
	summary := s.RoomRates()

	var global struct {
		heatSum, coolSum float64
		heatN, coolN     int
	}

	rooms := make([]RoomEfficiency, 0, len(summary))
	for roomID, byMode := range summary {
		row := RoomEfficiency{RoomID: roomID}
		if m, ok := meta[roomID]; ok {
			row.RoomName = m.RoomName
			row.VentID = m.VentID
		}
		if r, ok := byMode[hvac.ModeHeating]; ok {
			row.HeatingRate = r
			global.heatSum += r
			global.heatN++
		}
		if r, ok := byMode[hvac.ModeCooling]; ok {
			row.CoolingRate = r
			global.coolSum += r
			global.coolN++
		}
		rooms = append(rooms, row)
	}

	globalRates := make(map[string]float64)
	if global.heatN > 0 {
		globalRates["heating"] = global.heatSum / float64(global.heatN)
	}
	if global.coolN > 0 {
		globalRates["cooling"] = global.coolSum / float64(global.coolN)
	}

	return &ExportPayload{
		ExportMetadata: &ExportMetadata{
			Version:     ExportVersion,
			ExportDate:  s.now(),
			StructureID: structureID,
		},
		EfficiencyData: &EfficiencyData{
			GlobalRates:      globalRates,
			RoomEfficiencies: rooms,
			DABHistory:       append([]Entry(nil), s.hist.Log...),
			DABActivityLog:   append([]AdaptiveMark(nil), s.hist.Marks...),
		},
	}
}

// Import validates and applies a backup payload, replacing the log and
// marks and rebuilding the index. Validation failures leave the history
// untouched.
func (s *Store) Import(p *ExportPayload) error {
	if err := ValidatePayload(p); err != nil {
		return err
	}

	s.hist.Log = append([]Entry(nil), p.EfficiencyData.DABHistory...)
	s.hist.Marks = append([]AdaptiveMark(nil), p.EfficiencyData.DABActivityLog...)
	if len(s.hist.Marks) > maxAdaptiveMarks {
		s.hist.Marks = s.hist.Marks[len(s.hist.Marks)-maxAdaptiveMarks:]
	}
	s.hist.EWMA = make(map[string]float64)
	s.Reindex(s.now())
	return nil
}

// ValidatePayload checks the structural requirements of a backup before it
// may be applied.
func ValidatePayload(p *ExportPayload) error {
	if p == nil {
		return fmt.Errorf("empty payload")
	}
	if p.ExportMetadata == nil {
		return fmt.Errorf("payload missing exportMetadata")
	}
	if p.EfficiencyData == nil || p.EfficiencyData.RoomEfficiencies == nil {
		return fmt.Errorf("payload missing efficiencyData.roomEfficiencies")
	}
	return nil
}
