package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
)

// ScheduleHandler serves schedule upsert, inspection, and deletion.
type ScheduleHandler struct {
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewScheduleHandler creates a new ScheduleHandler instance.
func NewScheduleHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *ScheduleHandler {
	return &ScheduleHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// UpsertScheduleHandler handles POST /api/schedules
func (h *ScheduleHandler) UpsertScheduleHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input interfaces.CreateScheduleInput
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	schedule, err := h.scheduler.UpsertSchedule(r.Context(), principal, &input)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedule)
}

// ListSchedulesHandler handles GET /api/schedules
func (h *ScheduleHandler) ListSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	schedules, err := h.scheduler.ListSchedules(r.Context(), principal)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedules)
}

// GetScheduleHandler handles GET /api/schedules/{id}
func (h *ScheduleHandler) GetScheduleHandler(w http.ResponseWriter, r *http.Request, schedulerID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	schedule, err := h.scheduler.GetSchedule(r.Context(), principal, schedulerID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, schedule)
}

// DeleteScheduleHandler handles DELETE /api/schedules/{id}
func (h *ScheduleHandler) DeleteScheduleHandler(w http.ResponseWriter, r *http.Request, schedulerID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	if err := h.scheduler.DeleteSchedule(r.Context(), principal, schedulerID); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"id":     schedulerID,
	})
}
