// Package api serves the session and task managers over a JSON REST API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/orch/internal/llm"
	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/sessions"
	"github.com/joescharf/orch/internal/store"
	"github.com/joescharf/orch/internal/tasks"
)

// Server provides the REST API handlers.
type Server struct {
	sessions *sessions.Manager
	tasks    *tasks.Manager
	planner  llm.PlanSource
}

// NewServer creates a new API server.
// The planner may be nil if no API key is configured.
func NewServer(sm *sessions.Manager, tm *tasks.Manager, planner llm.PlanSource) *Server {
	return &Server{
		sessions: sm,
		tasks:    tm,
		planner:  planner,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", s.loadOrCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.addMessage)
	mux.HandleFunc("GET /api/v1/sessions/{id}/stats", s.sessionStats)
	mux.HandleFunc("POST /api/v1/sessions/{id}/complete", s.completeSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/plan", s.planSession)

	mux.HandleFunc("POST /api/v1/sessions/{id}/tasks", s.createTasks)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tasks", s.listTasks)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tasks/next", s.nextTask)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tasks/{taskId}", s.getTask)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}/tasks/{taskId}", s.updateTask)
	mux.HandleFunc("GET /api/v1/sessions/{id}/progress", s.progress)
	mux.HandleFunc("GET /api/v1/sessions/{id}/report", s.report)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// --- Sessions ---

type loadOrCreateRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
}

func (s *Server) loadOrCreateSession(w http.ResponseWriter, r *http.Request) {
	var req loadOrCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sess, err := s.sessions.LoadOrCreate(r.Context(), req.UserID, req.ProjectID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionListFilter{
		UserID:    q.Get("user"),
		ProjectID: q.Get("project"),
		Status:    models.SessionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	list, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type addMessageRequest struct {
	Role    models.MessageRole `json:"role"`
	Content string             `json:"content"`
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	msg, err := s.sessions.AddMessage(r.Context(), r.PathValue("id"), req.Role, req.Content)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.GetStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Complete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type planRequest struct {
	Request string `json:"request"`
}

func (s *Server) planSession(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		writeError(w, http.StatusServiceUnavailable, "planner not configured (set ORCH_ANTHROPIC_API_KEY)")
		return
	}
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := llm.PlanSession(r.Context(), s.planner, s.sessions, s.tasks, r.PathValue("id"), req.Request)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// --- Tasks ---

func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	var specs []models.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := s.tasks.CreateTasks(r.Context(), r.PathValue("id"), specs)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.ListTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) nextTask(w http.ResponseWriter, r *http.Request) {
	next, err := s.tasks.GetNextTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if next == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTask(r.Context(), r.PathValue("id"), r.PathValue("taskId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch models.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t, err := s.tasks.UpdateTask(r.Context(), r.PathValue("id"), r.PathValue("taskId"), patch)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	p, err := s.tasks.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.tasks.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
