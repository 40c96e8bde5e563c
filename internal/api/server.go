// Package api exposes the admin/status HTTP surface: work ingestion for
// upstream planning, job introspection, and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"geospatial-work-scheduler/internal/config"
	"geospatial-work-scheduler/internal/models"
	"geospatial-work-scheduler/internal/telemetry"
)

// Store is the slice of the work item store the API needs.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	AddWorkItems(ctx context.Context, username string, items []models.WorkItem) ([]models.WorkItem, error)
	ListWorkItems(ctx context.Context, jobID string) ([]models.WorkItem, error)
	UserWorkCounts(ctx context.Context, jobID string) ([]models.UserWork, error)
	CancelJob(ctx context.Context, jobID string) error
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	cfg    config.Config
	store  Store
	logger *slog.Logger
}

// New builds a server.
func New(cfg config.Config, store Store, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, store: store, logger: logger.With("component", "api")}
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Get("/jobs/{jobID}/items", s.handleListItems)
	r.Delete("/jobs/{jobID}", s.handleCancelJob)
	r.Handle("/metrics", telemetry.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	Username         string            `json:"username"`
	NumInputGranules int               `json:"numInputGranules"`
	WorkItems        []models.WorkItem `json:"workItems"`
}

// handleCreateJob ingests a planned job and its work items, persisting them
// READY with counts.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	job, err := s.store.CreateJob(r.Context(), models.Job{
		Username:         req.Username,
		NumInputGranules: req.NumInputGranules,
	})
	if err != nil {
		s.logger.Error("create job", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	for i := range req.WorkItems {
		req.WorkItems[i].JobID = job.ID
	}
	items, err := s.store.AddWorkItems(r.Context(), req.Username, req.WorkItems)
	if err != nil {
		s.logger.Error("add work items", "jobID", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not add work items")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"job": job, "workItems": items})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	counts, err := s.store.UserWorkCounts(r.Context(), jobID)
	if err != nil {
		s.logger.Error("read counts", "jobID", jobID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "counts": counts})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	items, err := s.store.ListWorkItems(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list work items", "jobID", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list work items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workItems": items})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.store.CancelJob(r.Context(), jobID); err != nil {
		s.logger.Error("cancel job", "jobID", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
