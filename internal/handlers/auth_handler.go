package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// AuthHandler serves token issuance for development and test environments.
// Production deployments disable it and mint tokens in the identity tier.
type AuthHandler struct {
	auth       interfaces.AuthService
	storage    interfaces.StorageManager
	accessTTL  time.Duration
	production bool
	logger     arbor.ILogger
}

// NewAuthHandler creates a new AuthHandler instance.
func NewAuthHandler(auth interfaces.AuthService, storage interfaces.StorageManager, accessTTL time.Duration, production bool, logger arbor.ILogger) *AuthHandler {
	return &AuthHandler{
		auth:       auth,
		storage:    storage,
		accessTTL:  accessTTL,
		production: production,
		logger:     logger,
	}
}

// IssueTokenHandler handles POST /api/auth/token
func (h *AuthHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if h.production {
		WriteError(w, http.StatusForbidden, "Token issuance is disabled in production")
		return
	}

	var input struct {
		UserID string `json:"userId"`
		Email  string `json:"email,omitempty"`
	}
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}
	if input.UserID == "" {
		WriteAppError(w, models.ErrInvalidInput("userId is required", nil))
		return
	}

	// Dev convenience: materialise the user row so webhook and flow lookups
	// resolve.
	if _, err := h.storage.Users().Get(r.Context(), input.UserID); err != nil {
		user := &models.User{
			ID:        input.UserID,
			Email:     input.Email,
			CreatedAt: time.Now(),
		}
		if err := h.storage.Users().Upsert(r.Context(), user); err != nil {
			h.logger.Warn().Err(err).Str("user_id", input.UserID).Msg("Failed to bootstrap user")
		}
	}

	token, err := h.auth.IssueToken(r.Context(), input.UserID, h.accessTTL)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"userId":    input.UserID,
		"expiresIn": int(h.accessTTL / time.Second),
	})
}

// UpdateProfileHandler handles PUT /api/auth/profile (legacy webhook URL).
func (h *AuthHandler) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}
	principal := RequirePrincipal(w, r)
	if principal == nil {
		return
	}

	var input struct {
		Email      *string `json:"email,omitempty"`
		WebhookURL *string `json:"webhookUrl,omitempty"`
	}
	if err := DecodeJSON(r, &input); err != nil {
		WriteAppError(w, err)
		return
	}

	user, err := h.storage.Users().Get(r.Context(), principal.UserID)
	if err != nil {
		user = &models.User{ID: principal.UserID, CreatedAt: time.Now()}
	}
	if input.Email != nil {
		user.Email = *input.Email
	}
	if input.WebhookURL != nil {
		user.WebhookURL = *input.WebhookURL
	}

	if err := h.storage.Users().Upsert(r.Context(), user); err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, user)
}
