// Package diag exposes the read-only diagnostics surface: cycle snapshot,
// transition log, cooling debug state, learned rates and the rate-history
// export/import payload, over HTTP and a WebSocket snapshot stream.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/airbalance/dabctl/buffer"
	"github.com/airbalance/dabctl/cycle"
	"github.com/airbalance/dabctl/rates"
	"github.com/airbalance/dabctl/sched"
	"github.com/airbalance/dabctl/types"
)

// Config for the diagnostics server.
type Config struct {
	Enabled           bool          `yaml:"enabled" env:"DIAG_ENABLED" env-default:"true"`
	Listen            string        `yaml:"listen" env:"DIAG_LISTEN" env-default:":8090"`
	StructureID       string        `yaml:"structureId" env:"DIAG_STRUCTURE_ID" env-default:"default"`
	BroadcastInterval time.Duration `yaml:"broadcastInterval" env:"DIAG_BROADCAST_INTERVAL" env-default:"5s"`
}

// Server routes diagnostics requests. All state access runs serialized
// through the scheduler so request handlers never race the control loop.
type Server struct {
	cfg      Config
	orch     *cycle.Orchestrator
	rates    *rates.Store
	sched    *sched.Scheduler
	hub      *Hub
	meta     map[string]rates.RoomMeta
	readings *buffer.RingBuffer[types.Reading]
	logger   *zap.Logger
}

func NewServer(cfg Config, orch *cycle.Orchestrator, rs *rates.Store, s *sched.Scheduler, meta map[string]rates.RoomMeta, readings *buffer.RingBuffer[types.Reading], logger *zap.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 5 * time.Second
	}
	return &Server{
		cfg:      cfg,
		orch:     orch,
		rates:    rs,
		sched:    s,
		hub:      NewHub(logger),
		meta:     meta,
		readings: readings,
		logger:   logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/cycle", s.handleCycle).Methods("GET")
	r.HandleFunc("/api/transitions", s.handleTransitions).Methods("GET")
	r.HandleFunc("/api/cooling", s.handleCooling).Methods("GET")
	r.HandleFunc("/api/rates", s.handleRates).Methods("GET")
	r.HandleFunc("/api/readings", s.handleReadings).Methods("GET")
	r.HandleFunc("/api/export", s.handleExport).Methods("GET")
	r.HandleFunc("/api/import", s.handleImport).Methods("POST")
	r.HandleFunc("/ws", s.hub.serveWS)

	return r
}

// Run serves until ctx is cancelled, broadcasting snapshots on an interval.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handlers.LoggingHandler(os.Stdout, s.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("diagnostics server listening", zap.String("addr", s.cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			var snap cycle.Snapshot
			s.sched.Run("diag:snapshot", func() {
				snap = s.orch.Snapshot()
			})
			msg, err := json.Marshal(map[string]any{
				"type":    "snapshot",
				"payload": snap,
			})
			if err != nil {
				s.logger.Warn("marshaling snapshot failed", zap.Error(err))
				continue
			}
			s.hub.Broadcast(msg)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	var snap cycle.Snapshot
	s.sched.Run("diag:cycle", func() {
		snap = s.orch.Snapshot()
	})
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	var transitions []cycle.Transition
	s.sched.Run("diag:transitions", func() {
		transitions = s.orch.Snapshot().Transitions
	})
	if transitions == nil {
		transitions = []cycle.Transition{}
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) handleCooling(w http.ResponseWriter, r *http.Request) {
	var snap cycle.Snapshot
	s.sched.Run("diag:cooling", func() {
		snap = s.orch.Snapshot()
	})
	if snap.Cooling == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, snap.Cooling)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	var out any
	s.sched.Run("diag:rates", func() {
		out = s.rates.RoomRates()
	})
	writeJSON(w, http.StatusOK, out)
}

// handleReadings peeks the pending metrics queue without draining it, so
// operators can inspect samples the pusher has not shipped yet.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	out := []types.Reading{}
	if s.readings != nil {
		if buffered := s.readings.GetAll(); buffered != nil {
			out = buffered
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	structureID := r.URL.Query().Get("structureId")
	if structureID == "" {
		structureID = s.cfg.StructureID
	}
	var payload *rates.ExportPayload
	s.sched.Run("diag:export", func() {
		payload = s.rates.Export(structureID, s.meta)
	})
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var payload rates.ExportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := rates.ValidatePayload(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var importErr error
	s.sched.Run("diag:import", func() {
		importErr = s.rates.Import(&payload)
	})
	if importErr != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": importErr.Error()})
		return
	}
	s.logger.Info("rate history imported",
		zap.String("structure_id", payload.ExportMetadata.StructureID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
