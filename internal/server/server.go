// Package server exposes the orchestrator's state over a read-mostly HTTP
// API. Mutation is limited to operational actions: resolving alerts,
// resetting circuits and reprioritizing providers.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tickwise/quotagate/pkg/orchestrator"
)

// Server provides health check and status API endpoints.
type Server struct {
	orch   *orchestrator.Orchestrator
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates an API server.
func New(o *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	s := &Server{
		orch:   o,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/usage", s.handleUsage)
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)
	s.mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolveAlert)
	s.mux.HandleFunc("GET /api/v1/circuits", s.handleCircuits)
	s.mux.HandleFunc("POST /api/v1/circuits/{provider}/reset", s.handleResetCircuit)
	s.mux.HandleFunc("POST /api/v1/reprioritize", s.handleReprioritize)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.orch.GetUsageSummary(r.URL.Query().Get("provider")))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"
	list := s.orch.GetAlerts(r.URL.Query().Get("provider"), resolved)
	s.writeJSON(w, list)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.ResolveAlert(r.Context(), id); err != nil {
		s.logger.Error("resolve alert", "id", id, "error", err)
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]string{"status": "resolved", "id": id})
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.orch.GetCircuitStates())
}

func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	s.orch.ResetCircuit(name)
	s.writeJSON(w, map[string]string{"status": "reset", "provider": name})
}

func (s *Server) handleReprioritize(w http.ResponseWriter, _ *http.Request) {
	s.orch.Reprioritize()
	s.writeJSON(w, map[string]string{"status": "reprioritized"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
