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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"QuicRotor/internal/control"
	"QuicRotor/internal/logger"
	"QuicRotor/internal/rotation"
)

const (
	// maxEventsLimit caps the n query parameter of the events endpoint.
	maxEventsLimit = 1000
)

// Controller is the operator surface served over HTTP.
type Controller interface {
	Status() (rotation.StatusCounts, error)
	Connections() ([]rotation.ConnectionInfo, error)
	RotateAll() (int, error)
	Rotate(id string) (string, bool, error)
	History(id string, n int) ([]rotation.Event, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	ctrl     Controller          // ctrl serves status and force requests
	gatherer prometheus.Gatherer // gatherer feeds /metrics, nil disables it
	server   *http.Server        // server is the underlying HTTP server
	listener net.Listener        // listener is bound by Start
}

// New creates a new HTTP API server.
func New(addr string, ctrl Controller, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		ctrl:     ctrl,
		gatherer: gatherer,
	}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /connections", s.handleConnections)
	mux.HandleFunc("GET /connections/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /rotate", s.handleRotate)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen http %s:\n%w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status()
	if err != nil {
		writeControlError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleConnections handles GET /connections requests.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.ctrl.Connections()
	if err != nil {
		writeControlError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conns)
}

// handleEvents handles GET /connections/{id}/events?n= requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 0

	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxEventsLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("n must be between 1 and %d", maxEventsLimit))
			return
		}
		n = parsed
	}

	events, err := s.ctrl.History(r.PathValue("id"), n)
	if err != nil {
		writeControlError(w, err)
		return
	}

	if events == nil {
		events = []rotation.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleRotate handles POST /rotate[?id=] requests.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	if id == "" {
		n, err := s.ctrl.RotateAll()
		if err != nil {
			writeControlError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]int{"triggered": n})
		return
	}

	full, triggered, err := s.ctrl.Rotate(id)
	if err != nil {
		writeControlError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        full,
		"triggered": triggered,
	})
}

// writeControlError maps controller errors to HTTP statuses.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rotation.ErrUnknownConnection):
		writeError(w, http.StatusNotFound, "unknown connection")
	case errors.Is(err, control.ErrAmbiguous):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rotation.ErrShutdown), errors.Is(err, control.ErrNoHistory):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
