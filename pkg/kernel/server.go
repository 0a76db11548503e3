// Package kernel exposes the scheduler over HTTP.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/services"
)

type Server struct {
	logger   *slog.Logger
	leader   *services.Leader
	jobs     *services.JobService
	registry *services.ExpertRegistry
	eventBus *services.EventBus
}

func NewServer(logger *slog.Logger, leader *services.Leader, jobs *services.JobService, registry *services.ExpertRegistry, eventBus *services.EventBus) *Server {
	return &Server{
		logger:   logger,
		leader:   leader,
		jobs:     jobs,
		registry: registry,
		eventBus: eventBus,
	}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs/{id}/result", s.handleJobResult)
	mux.HandleFunc("GET /v1/jobs/{id}/conversation", s.handleJobConversation)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEventsSSE)
	mux.HandleFunc("GET /v1/sessions/{id}/jobs", s.handleSessionJobs)
	mux.HandleFunc("GET /v1/experts", s.handleListExperts)

	return mux
}

type submitJobRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	Goal           string `json:"goal"`
	Context        string `json:"context,omitempty"`
	AssignedExpert string `json:"assigned_expert,omitempty"`
}

// handleSubmitJob accepts a goal and schedules it asynchronously.
// POST /v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Goal == "" {
		http.Error(w, "goal is required", http.StatusBadRequest)
		return
	}

	job := domain.NewJob(req.SessionID, req.Goal, req.Context)
	job.AssignedExpertName = req.AssignedExpert
	if err := s.jobs.SaveJob(r.Context(), job); err != nil {
		s.logger.Error("failed to save job", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	userMsg := domain.NewTextMessage(job.ID, job.SessionID, domain.ChatRoleUser, req.Goal)
	if err := s.jobs.Messages().SaveTextMessage(r.Context(), userMsg); err != nil {
		s.logger.Error("failed to save user message", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Execution outlives the request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if err := s.leader.ExecuteJob(ctx, job); err != nil {
			s.logger.Error("job execution failed", "job_id", job.ID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"id":         job.ID,
		"session_id": job.SessionID,
		"status":     string(domain.JobStatusCreated),
	})
}

// handleJobResult returns the aggregated result of an original job.
// GET /v1/jobs/{id}/result
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.jobs.QueryJobResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to query job result", "job_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload := ""
	if result.HasResult() {
		if msg, err := s.jobs.Messages().GetTextMessageByJobIDAndRole(r.Context(), id, domain.ChatRoleSystem); err == nil {
			payload = msg.Payload
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":   result.JobID,
		"status":   result.Status,
		"duration": result.Duration,
		"tokens":   result.Tokens,
		"payload":  payload,
	})
}

// handleJobConversation returns the per-sub-job thinking chain.
// GET /v1/jobs/{id}/conversation
func (s *Server) handleJobConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entries, err := s.jobs.ConversationView(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to build conversation view", "job_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type entryDTO struct {
		JobID   string `json:"job_id"`
		Goal    string `json:"goal"`
		Status  string `json:"status"`
		Payload string `json:"payload"`
	}
	dtos := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, entryDTO{
			JobID:   e.SubJob.ID,
			Goal:    e.SubJob.Goal,
			Status:  string(e.Result.Status),
			Payload: e.Message.Payload,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": dtos,
		"count":   len(dtos),
	})
}

// handleSessionJobs lists the original jobs of a session.
// GET /v1/sessions/{id}/jobs
func (s *Server) handleSessionJobs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	jobs, err := s.jobs.ListOriginalJobsBySession(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to list session jobs", "session_id", sessionID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type jobDTO struct {
		ID     string `json:"id"`
		Goal   string `json:"goal"`
		Status string `json:"status"`
	}
	dtos := make([]jobDTO, 0, len(jobs))
	for _, job := range jobs {
		result, err := s.jobs.GetJobResult(r.Context(), job.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		dtos = append(dtos, jobDTO{ID: job.ID, Goal: job.Goal, Status: string(result.Status)})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  dtos,
		"count": len(dtos),
	})
}

// handleListExperts returns the registered expert profiles.
// GET /v1/experts
func (s *Server) handleListExperts(w http.ResponseWriter, r *http.Request) {
	type expertDTO struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	var dtos []expertDTO
	for _, e := range s.registry.List() {
		profile := e.Profile()
		dtos = append(dtos, expertDTO{ID: e.ID(), Name: profile.Name, Description: profile.Description})
	}
	if dtos == nil {
		dtos = []expertDTO{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"experts": dtos,
		"count":   len(dtos),
	})
}
