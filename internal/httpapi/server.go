package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/PetoAdam/homenavi/serial-presence/internal/observability"
	"github.com/PetoAdam/homenavi/serial-presence/internal/presence"
)

// HealthReporter is satisfied by *presence.Engine.
type HealthReporter interface {
	Health() presence.Health
}

// Server exposes the operational endpoints only.
type Server struct {
	health  HealthReporter
	metrics http.Handler
	tracer  oteltrace.Tracer
}

func New(health HealthReporter, metrics http.Handler, tracer oteltrace.Tracer) *Server {
	return &Server{health: health, metrics: metrics, tracer: tracer}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.tracer != nil {
		r.Use(observability.Middleware(s.tracer))
	}
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.Health()
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
