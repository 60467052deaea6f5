// Package server exposes the REST API over the store and runner.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"triage/internal/coordinator"
	"triage/internal/incident"
	"triage/internal/store"
)

// Server handles the /api/v1 surface.
type Server struct {
	store  *store.Store
	runner *coordinator.Runner
	logger *slog.Logger
}

// New creates the API server.
func New(st *store.Store, runner *coordinator.Runner) *Server {
	return &Server{
		store:  st,
		runner: runner,
		logger: slog.Default().With("component", "server"),
	}
}

// RegisterRoutes attaches all API endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/incidents", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/incidents", s.handleList)
	mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/incidents/{id}/audit", s.handleAudit)
	mux.HandleFunc("DELETE /api/v1/incidents/{id}", s.handleCancel)
}

// Handler returns the full handler chain, request logging included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

type submitRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	sev, err := incident.ParseSeverity(req.Severity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := req.ID
	if id == "" {
		id = "inc_" + uuid.New().String()[:8]
	}

	err = s.runner.Submit(r.Context(), id, req.Title, req.Description, sev)
	switch {
	case errors.Is(err, coordinator.ErrAlreadyRunning), errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "incident already submitted: "+id)
		return
	case err != nil:
		s.logger.Error("submit failed", "incident", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit incident")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: "accepted"})
}

type incidentSummary struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Severity  incident.Severity `json:"severity"`
	Status    incident.Status   `json:"status"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	out := make([]incidentSummary, 0, len(all))
	for _, inc := range all {
		out = append(out, incidentSummary{
			ID:        inc.ID,
			Title:     inc.Title,
			Severity:  inc.Severity,
			Status:    inc.Status,
			Version:   inc.Version,
			UpdatedAt: inc.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.Load(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if err != nil {
		s.logger.Error("load failed", "incident", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Load(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	invs, err := s.store.Invocations(r.Context(), id)
	if err != nil {
		s.logger.Error("audit query failed", "incident", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	if invs == nil {
		invs = []store.ToolInvocation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident_id": id, "tool_calls": invs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Load(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if !s.runner.Cancel(id) {
		writeError(w, http.StatusConflict, "incident is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "cancelling"})
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
