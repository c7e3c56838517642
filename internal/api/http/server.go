// Package http serves the evolution REST API, health checks, Prometheus
// metrics and the websocket event stream.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency whose health the server reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP endpoints of the service.
type Server struct {
	server  *http.Server
	handler *Handler
	hub     *Hub
	checks  map[string]Pinger
	version string
	logger  *zap.Logger
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(
	address string,
	handler *Handler,
	hub *Hub,
	metrics http.Handler,
	version string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		handler: handler,
		hub:     hub,
		checks:  make(map[string]Pinger),
		version: version,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			hub.ServeWS(w, r, logger)
		})
	}
	handler.RegisterRoutes(mux)

	s.server = &http.Server{
		Addr:        address,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// AddHealthCheck registers a dependency reported by /health.
func (s *Server) AddHealthCheck(name string, p Pinger) {
	s.checks[name] = p
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("address", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

// handleHealth handles the /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Version:  s.version,
		Services: make(map[string]string),
	}

	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			response.Services[name] = "unhealthy: " + err.Error()
			response.Status = "unhealthy"
		} else {
			response.Services[name] = "healthy"
		}
	}

	if s.handler.service.Ready() {
		response.Services["population"] = "ready"
	} else {
		response.Services["population"] = "empty"
	}
	if s.hub != nil {
		response.Services["websocket_clients"] = strconv.Itoa(s.hub.GetClientCount())
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleLiveness handles the /health/live endpoint (Kubernetes liveness check).
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadiness handles the /health/ready endpoint (Kubernetes readiness check).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": name + " unavailable: " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
