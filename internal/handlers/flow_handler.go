package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
)

// FlowHandler serves flow creation, inspection, re-run, and deletion.
type FlowHandler struct {
	flows  interfaces.FlowService
	logger arbor.ILogger
}

// NewFlowHandler creates a new FlowHandler instance.
func NewFlowHandler(flows interfaces.FlowService, logger arbor.ILogger) *FlowHandler {
	return &FlowHandler{
		flows:  flows,
		logger: logger,
	}
}

// CreateFlowHandler handles POST /api/flows
func (h *FlowHandler) CreateFlowHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input interfaces.CreateFlowInput
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	flow, err := h.flows.CreateFlow(r.Context(), principal, &input)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, flow)
}

// ListFlowsHandler handles GET /api/flows
func (h *FlowHandler) ListFlowsHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	flows, err := h.flows.ListFlows(r.Context(), principal)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, flows)
}

// GetFlowHandler handles GET /api/flows/{id}
func (h *FlowHandler) GetFlowHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	flow, err := h.flows.GetFlow(r.Context(), principal, flowID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, flow)
}

// RunFlowHandler handles POST /api/flows/{id}/run
func (h *FlowHandler) RunFlowHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	flow, err := h.flows.RunFlow(r.Context(), principal, flowID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, flow)
}

// DeleteFlowHandler handles DELETE /api/flows/{id}
func (h *FlowHandler) DeleteFlowHandler(w http.ResponseWriter, r *http.Request, flowID string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	report, err := h.flows.DeleteFlow(r.Context(), principal, flowID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, report)
}
