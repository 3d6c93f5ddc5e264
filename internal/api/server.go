// Package api provides HTTP API functionality for the go-solarman server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/device"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/protocol"
)

// Version is reported by the status endpoint.
var Version = "dev"

// Controller performs device operations on behalf of API clients.
type Controller interface {
	WriteRegister(ctx context.Context, device string, address, value uint16) error
}

// Server represents the HTTP API server that provides monitoring and management functionality.
type Server struct {
	config     *config.Config
	server     *http.Server
	router     *mux.Router
	registry   domain.Registry
	controller Controller
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a new HTTP API server. A nil metrics handler disables /metrics.
func NewServer(cfg *config.Config, registry domain.Registry, controller Controller, metrics http.Handler) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:     cfg,
		router:     router,
		registry:   registry,
		controller: controller,
		logger:     logger,
		startTime:  time.Now(),
	}

	apiServer.setupRoutes(metrics)

	return apiServer
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes(metrics http.Handler) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/snapshot", s.handleGetSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/devices/{name}/registers/{address:[0-9]+}", s.handleWriteRegister).Methods(http.MethodPost)

	if metrics != nil && s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, metrics).Methods(http.MethodGet)
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := net.JoinHostPort(s.config.API.Host, strconv.Itoa(s.config.API.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

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

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.All()

	available := 0
	for _, d := range devices {
		if d.Available {
			available++
		}
	}

	s.writeJSON(w, map[string]interface{}{
		"status":           "ok",
		"version":          Version,
		"uptime":           time.Since(s.startTime).String(),
		"deviceCount":      len(devices),
		"availableDevices": available,
	}, http.StatusOK)
}

// handleListDevices returns the status of every device without snapshots.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.All()

	result := make([]domain.DeviceStatus, 0, len(devices))
	for _, d := range devices {
		d.Snapshot = nil
		result = append(result, d)
	}

	s.writeJSON(w, map[string]interface{}{
		"devices": result,
		"count":   len(result),
	}, http.StatusOK)
}

// handleGetDevice returns the full status of one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	status, found := s.registry.Get(mux.Vars(r)["name"])
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleGetSnapshot returns the last published snapshot of one device.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	status, found := s.registry.Get(mux.Vars(r)["name"])
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}
	if status.Snapshot == nil {
		s.writeError(w, "No snapshot available", http.StatusNotFound)
		return
	}

	s.writeJSON(w, status.Snapshot, http.StatusOK)
}

type writeRequest struct {
	Value *int `json:"value"`
}

// handleWriteRegister writes a single holding register.
func (s *Server) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	address, err := strconv.ParseUint(vars["address"], 10, 16)
	if err != nil {
		s.writeError(w, "Invalid register address", http.StatusBadRequest)
		return
	}

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Value == nil || *req.Value < 0 || *req.Value > 0xFFFF {
		s.writeError(w, "Value must be between 0 and 65535", http.StatusBadRequest)
		return
	}

	if s.controller == nil {
		s.writeError(w, "Register writes are not available", http.StatusNotImplemented)
		return
	}

	err = s.controller.WriteRegister(r.Context(), name, uint16(address), uint16(*req.Value))
	if err != nil {
		s.logger.Warn().
			Str("device", name).
			Uint64("address", address).
			Err(err).
			Msg("Register write failed")
		s.writeError(w, err.Error(), statusFor(err))
		return
	}

	s.logger.Info().
		Str("device", name).
		Uint64("address", address).
		Int("value", *req.Value).
		Msg("Register written")

	s.writeJSON(w, map[string]interface{}{
		"device":  name,
		"address": address,
		"value":   *req.Value,
	}, http.StatusOK)
}

// statusFor maps device errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		exception *protocol.ExceptionError
		conn      *protocol.ConnectionError
	)
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, device.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.As(err, &exception):
		return http.StatusUnprocessableEntity
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &conn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
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
