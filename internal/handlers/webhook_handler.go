package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
)

// WebhookHandler serves webhook registration CRUD.
type WebhookHandler struct {
	orchestrator interfaces.Orchestrator
	logger       arbor.ILogger
}

// NewWebhookHandler creates a new WebhookHandler instance.
func NewWebhookHandler(orchestrator interfaces.Orchestrator, logger arbor.ILogger) *WebhookHandler {
	return &WebhookHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// CreateWebhookHandler handles POST /api/webhooks
func (h *WebhookHandler) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input interfaces.WebhookInput
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	webhook, err := h.orchestrator.CreateWebhook(r.Context(), principal, &input)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, webhook)
}

// ListWebhooksHandler handles GET /api/webhooks
func (h *WebhookHandler) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	webhooks, err := h.orchestrator.ListWebhooks(r.Context(), principal)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, webhooks)
}

// GetWebhookHandler handles GET /api/webhooks/{id}
func (h *WebhookHandler) GetWebhookHandler(w http.ResponseWriter, r *http.Request, id string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	webhook, err := h.orchestrator.GetWebhook(r.Context(), principal, id)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, webhook)
}

// UpdateWebhookHandler handles PUT /api/webhooks/{id}
func (h *WebhookHandler) UpdateWebhookHandler(w http.ResponseWriter, r *http.Request, id string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input interfaces.WebhookInput
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	webhook, err := h.orchestrator.UpdateWebhook(r.Context(), principal, id, &input)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, webhook)
}

// DeleteWebhookHandler handles DELETE /api/webhooks/{id}
func (h *WebhookHandler) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request, id string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	if err := h.orchestrator.DeleteWebhook(r.Context(), principal, id); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"id":     id,
	})
}
