// Package server exposes the dispatch engine over an admin HTTP surface:
// routing, status, registry reload, breaker reset, health and metrics.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/dispatch-oss/pkg/domain"
	"github.com/polisai/dispatch-oss/pkg/engine"
	"github.com/polisai/dispatch-oss/pkg/registry"
)

// Config holds admin server settings.
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Server is the admin HTTP server over one engine and its registry.
type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// NewServer wires the admin handlers over the engine.
func NewServer(eng *engine.Engine, reg *registry.Registry, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		engine:   eng,
		registry: reg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Handler returns the fully wired admin handler: routed endpoints behind the
// metrics middleware and OpenTelemetry instrumentation; /healthz and /metrics
// stay outside the tracing wrapper to keep probe traffic out of traces.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/route", s.handleRoute)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/reload", s.handleReload)
	mux.HandleFunc("POST /v1/breakers/reset", s.handleBreakersReset)

	traced := otelhttp.NewHandler(mux, "dispatch.admin")

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("GET /metrics", s.metrics.Handler())
	root.Handle("/", traced)

	return s.metrics.MetricsMiddleware(root)
}

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	// Text is the free-form input to route.
	Text string `json:"text"`
	// Hints names handlers to dispatch regardless of keyword matching.
	Hints []string `json:"hints,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordRoute("bad_request", 0, time.Since(start))
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	response, err := s.engine.Process(r.Context(), req.Text, req.Hints)
	if err != nil {
		status := http.StatusInternalServerError
		label := "error"
		if errors.Is(err, domain.ErrInputTooLarge) {
			status = http.StatusRequestEntityTooLarge
			label = "input_too_large"
		}
		s.metrics.RecordRoute(label, 0, time.Since(start))
		writeError(w, status, err.Error())
		return
	}

	s.metrics.RecordRoute("ok", len(response.Outcomes), time.Since(start))
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.GetStatus()
	s.metrics.SetHandlersLoaded(status.HandlersLoaded)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(); err != nil {
		s.metrics.RecordRegistryReload("error")
		s.logger.Error("manual registry reload failed", "error", err)

		var malformed *domain.MalformedDescriptorError
		if errors.As(err, &malformed) {
			writeError(w, http.StatusUnprocessableEntity, malformed.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.metrics.RecordRegistryReload("success")
	snap := s.registry.Snapshot()
	s.metrics.SetHandlersLoaded(len(snap.Descriptors))
	writeJSON(w, http.StatusOK, map[string]any{
		"handlers": len(snap.Descriptors),
		"version":  snap.Version,
	})
}

func (s *Server) handleBreakersReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Breakers().ResetAll()
	s.logger.Info("all circuit breakers reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
