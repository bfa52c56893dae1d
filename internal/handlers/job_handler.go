package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
)

// JobHandler serves job submission, inspection, and removal.
type JobHandler struct {
	orchestrator interfaces.Orchestrator
	logger       arbor.ILogger
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(orchestrator interfaces.Orchestrator, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// SubmitJobHandler handles POST /api/queues/{queue}/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request, queue string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input interfaces.SubmitJobInput
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}
	input.Queue = queue

	job, err := h.orchestrator.SubmitJob(r.Context(), principal, &input)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler handles GET /api/queues/{queue}/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request, queue string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	page, err := h.orchestrator.ListJobs(r.Context(), principal, queue, GetListQuery(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, page)
}

// GetJobHandler handles GET /api/queues/{queue}/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, queue, jobID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	job, err := h.orchestrator.GetJob(r.Context(), principal, queue, jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// DeleteJobHandler handles DELETE /api/queues/{queue}/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request, queue, jobID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	if err := h.orchestrator.DeleteJob(r.Context(), principal, queue, jobID); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"id":     jobID,
	})
}
