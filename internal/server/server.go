package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/flight-ingestion-service/internal/config"
	"github.com/cyderes/flight-ingestion-service/internal/models"
	"github.com/cyderes/flight-ingestion-service/internal/storage"
)

// Server exposes stored flight states over HTTP
type Server struct {
	config  config.ServerConfig
	storage storage.Storage
	server  *http.Server
	logger  *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, store storage.Storage, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		storage: store,
		logger:  logger.Named("server"),
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/flights", s.handleFlights)
	mux.HandleFunc("/flights/", s.handleFlightsByICAO)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleFlights handles GET requests for stored flight states
func (s *Server) handleFlights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q.ICAO24 = strings.TrimSpace(r.URL.Query().Get("icao24"))

	s.writeFlights(w, r, q)
}

// handleFlightsByICAO handles GET requests for one aircraft's observations
func (s *Server) handleFlightsByICAO(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	icao := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/flights/"))
	if icao == "" || strings.Contains(icao, "/") {
		http.Error(w, "Invalid icao24", http.StatusBadRequest)
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q.ICAO24 = icao

	s.writeFlights(w, r, q)
}

func (s *Server) writeFlights(w http.ResponseWriter, r *http.Request, q models.FlightQuery) {
	flights, err := s.storage.GetFlights(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to retrieve flights", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to retrieve flights: %v", err), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"flights": flights,
		"count":   len(flights),
		"limit":   q.Limit,
		"offset":  q.Offset,
	})
}

// handleStatus handles GET requests for ingestion status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.storage.GetIngestionStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to retrieve status", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to retrieve status: %v", err), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

// handleStats handles GET requests for aggregate flight statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	top := 0
	if topStr := r.URL.Query().Get("top"); topStr != "" {
		n, err := strconv.Atoi(topStr)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid top: %q", topStr), http.StatusBadRequest)
			return
		}
		top = n
	}

	stats, err := s.storage.GetFlightStats(r.Context(), top)
	if err != nil {
		s.logger.Error("failed to compute stats", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to compute stats: %v", err), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// writeJSON buffers the encoded body; nothing is sent if encoding fails.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

// parseQuery reads limit, offset and since from the query string
func parseQuery(r *http.Request) (models.FlightQuery, error) {
	q := models.FlightQuery{Limit: 10}
	values := r.URL.Query()

	if limitStr := values.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			return q, fmt.Errorf("invalid limit: %q", limitStr)
		}
		q.Limit = l
	}

	if offsetStr := values.Get("offset"); offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil || o < 0 {
			return q, fmt.Errorf("invalid offset: %q", offsetStr)
		}
		q.Offset = o
	}

	if sinceStr := values.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return q, fmt.Errorf("invalid since: %q", sinceStr)
		}
		q.Since = since.UTC()
	}

	return q, nil
}
