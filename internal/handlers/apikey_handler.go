package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
)

// ApiKeyHandler serves API key management. The plaintext key appears in the
// creation response only; every later read exposes the prefix alone.
type ApiKeyHandler struct {
	auth   interfaces.AuthService
	logger arbor.ILogger
}

// NewApiKeyHandler creates a new ApiKeyHandler instance.
func NewApiKeyHandler(auth interfaces.AuthService, logger arbor.ILogger) *ApiKeyHandler {
	return &ApiKeyHandler{
		auth:   auth,
		logger: logger,
	}
}

// CreateApiKeyHandler handles POST /api/keys
func (h *ApiKeyHandler) CreateApiKeyHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input interfaces.CreateApiKeyInput
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	created, err := h.auth.CreateApiKey(r.Context(), principal, &input)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, created)
}

// ListApiKeysHandler handles GET /api/keys
func (h *ApiKeyHandler) ListApiKeysHandler(w http.ResponseWriter, r *http.Request) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	keys, err := h.auth.ListApiKeys(r.Context(), principal)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, keys)
}

// UpdateApiKeyHandler handles PATCH /api/keys/{id}
func (h *ApiKeyHandler) UpdateApiKeyHandler(w http.ResponseWriter, r *http.Request, id string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input struct {
		Name     *string `json:"name,omitempty"`
		IsActive *bool   `json:"isActive,omitempty"`
	}
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	key, err := h.auth.UpdateApiKey(r.Context(), principal, id, input.Name, input.IsActive)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, key)
}

// RevokeApiKeyHandler handles DELETE /api/keys/{id}
func (h *ApiKeyHandler) RevokeApiKeyHandler(w http.ResponseWriter, r *http.Request, id string) {
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	if err := h.auth.RevokeApiKey(r.Context(), principal, id); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"id":     id,
	})
}
