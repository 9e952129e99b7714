// Package api provides the HTTP API and event stream for the panel service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ferrostat/go-panelwatch/internal/config"
	"github.com/ferrostat/go-panelwatch/internal/domain"
	"github.com/ferrostat/go-panelwatch/internal/session"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PanelCore is the engine surface the API serves: point-in-time queries
// plus the three control operations.
type PanelCore interface {
	Status() domain.AggregatedStatus
	Master() (domain.MasterStatus, bool)
	MasterFlag(indicator domain.Indicator) (value, known bool)
	Zone(zone int) (domain.ZoneStatus, bool)
	Zones() []domain.ZoneStatus
	ZonesByCondition(condition domain.ZoneCondition) []domain.ZoneStatus
	Accumulated() domain.AccumulatedCounts
	ActiveBells() []int
	BellHistory() []domain.BellConfirmation
	Devices() []*domain.DeviceInfo
	FeedMode() domain.FeedSource
	DeviceCount() int
	SetFeedMode(source domain.FeedSource) bool
	SetDeviceCount(count int) error
	RequestReset()
	GetMetrics() map[string]interface{}
}

// Server represents the HTTP API server exposing panel state and controls.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	core      PanelCore
	sessions  *session.SessionManager
	stream    *StreamHub
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. The session manager may be nil
// when the socket feed is disabled.
func NewServer(cfg *config.Config, core PanelCore, sessions *session.SessionManager) *Server {
	router := mux.NewRouter()

	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		core:      core,
		sessions:  sessions,
		stream:    NewStreamHub(logger),
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// Stream returns the websocket hub so the dispatch loop can broadcast
// engine output to subscribers.
func (s *Server) Stream() *StreamHub {
	return s.stream
}

// GetRouter exposes the router for tests and embedding.
func (s *Server) GetRouter() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Panel state endpoints
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/master", s.handleMaster).Methods("GET")
	api.HandleFunc("/master/{flag}", s.handleMasterFlag).Methods("GET")
	api.HandleFunc("/zones", s.handleZones).Methods("GET")
	api.HandleFunc("/zones/{zone}", s.handleZone).Methods("GET")
	api.HandleFunc("/accumulated", s.handleAccumulated).Methods("GET")
	api.HandleFunc("/bells", s.handleBells).Methods("GET")
	api.HandleFunc("/devices", s.handleDevices).Methods("GET")
	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Control endpoints
	api.HandleFunc("/feed/mode", s.handleFeedMode).Methods("GET")
	api.HandleFunc("/feed/mode", s.handleSetFeedMode).Methods("PUT")
	api.HandleFunc("/devices/count", s.handleSetDeviceCount).Methods("PUT")
	api.HandleFunc("/panel/reset", s.handlePanelReset).Methods("POST")

	// Event stream
	api.HandleFunc("/stream", s.handleStream).Methods("GET")

	// Operational endpoints outside the versioned prefix
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and its stream clients.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.stream.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns the aggregated panel status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.core.Status()
	s.writeJSON(w, status, http.StatusOK)
}

// handleMaster returns the full decoded master status.
func (s *Server) handleMaster(w http.ResponseWriter, _ *http.Request) {
	master, ok := s.core.Master()
	if !ok {
		s.writeError(w, "No master status decoded yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, master, http.StatusOK)
}

// handleMasterFlag returns a single governed master flag.
func (s *Server) handleMasterFlag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["flag"]

	indicator, ok := domain.ParseIndicator(name)
	if !ok {
		s.writeError(w, "Unknown master flag", http.StatusNotFound)
		return
	}

	value, known := s.core.MasterFlag(indicator)
	s.writeJSON(w, map[string]interface{}{
		"flag":  indicator.String(),
		"value": value,
		"known": known,
	}, http.StatusOK)
}

// handleZones returns cached zones, optionally filtered by condition.
func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	var zones []domain.ZoneStatus

	if state := r.URL.Query().Get("state"); state != "" {
		condition, ok := domain.ParseZoneCondition(state)
		if !ok {
			s.writeError(w, "Unknown zone state filter", http.StatusBadRequest)
			return
		}
		zones = s.core.ZonesByCondition(condition)
	} else {
		zones = s.core.Zones()
	}

	s.writeJSON(w, map[string]interface{}{
		"zones": zones,
		"count": len(zones),
	}, http.StatusOK)
}

// handleZone returns the cached state of a single zone.
func (s *Server) handleZone(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	number, err := strconv.Atoi(vars["zone"])
	if err != nil {
		s.writeError(w, "Invalid zone number", http.StatusBadRequest)
		return
	}

	zone, found := s.core.Zone(number)
	if !found {
		s.writeError(w, "Zone not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, zone, http.StatusOK)
}

// handleAccumulated returns the accumulated episode counts.
func (s *Server) handleAccumulated(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.core.Accumulated(), http.StatusOK)
}

// handleBells returns the active bell circuits and recent confirmations.
func (s *Server) handleBells(w http.ResponseWriter, _ *http.Request) {
	active := s.core.ActiveBells()
	history := s.core.BellHistory()

	s.writeJSON(w, map[string]interface{}{
		"active":  active,
		"count":   len(active),
		"history": history,
	}, http.StatusOK)
}

// handleDevices returns the per-device registry view.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.core.Devices()

	s.writeJSON(w, map[string]interface{}{
		"devices":    devices,
		"count":      len(devices),
		"configured": s.core.DeviceCount(),
	}, http.StatusOK)
}

// handleSessions returns the socket feed sessions.
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	var stats []session.SessionStats
	if s.sessions != nil {
		stats = s.sessions.GetAllSessions()
	}

	s.writeJSON(w, map[string]interface{}{
		"sessions": stats,
		"count":    len(stats),
	}, http.StatusOK)
}

// handleStats returns server runtime statistics.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sessionCount := 0
	if s.sessions != nil {
		sessionCount = s.sessions.GetSessionCount()
	}

	stats := map[string]interface{}{
		"status":         "ok",
		"uptime":         time.Since(s.startTime).String(),
		"feed_mode":      s.core.FeedMode().String(),
		"device_count":   s.core.DeviceCount(),
		"session_count":  sessionCount,
		"stream_clients": s.stream.ClientCount(),
		"engine":         s.core.GetMetrics(),
	}

	s.writeJSON(w, stats, http.StatusOK)
}

// handleFeedMode returns the active feed mode.
func (s *Server) handleFeedMode(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"mode": s.core.FeedMode().String(),
	}, http.StatusOK)
}

// handleSetFeedMode switches the active feed between push and socket.
func (s *Server) handleSetFeedMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	source, ok := domain.ParseFeedSource(req.Mode)
	if !ok {
		s.writeError(w, "Unknown feed mode", http.StatusBadRequest)
		return
	}

	changed := s.core.SetFeedMode(source)
	s.logger.Info().
		Str("mode", source.String()).
		Bool("changed", changed).
		Msg("Feed mode request")

	s.writeJSON(w, map[string]interface{}{
		"mode":    source.String(),
		"changed": changed,
	}, http.StatusOK)
}

// handleSetDeviceCount changes the number of polled devices.
func (s *Server) handleSetDeviceCount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.core.SetDeviceCount(req.Count); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info().Int("count", req.Count).Msg("Device count changed")

	s.writeJSON(w, map[string]interface{}{
		"count": req.Count,
	}, http.StatusOK)
}

// handlePanelReset marks the panel as resetting until the next decoded
// master word or the fallback timer clears it.
func (s *Server) handlePanelReset(w http.ResponseWriter, _ *http.Request) {
	s.core.RequestReset()
	s.logger.Info().Msg("Panel reset requested")

	s.writeJSON(w, map[string]interface{}{
		"status": "resetting",
	}, http.StatusAccepted)
}

// handleStream upgrades the connection and streams engine output. The
// current status goes out first so subscribers start from a snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	client, err := s.stream.accept(w, r)
	if err != nil {
		return
	}

	status := s.core.Status()
	s.stream.sendTo(client, StreamMessage{
		Type:      StreamTypeStatus,
		Status:    &status,
		Timestamp: time.Now(),
	})

	s.stream.readLoop(client)
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
