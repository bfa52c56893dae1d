package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/conduit/internal/models"
)

// CreateApiKeyInput is the submission shape for a new API key.
type CreateApiKeyInput struct {
	Name        string     `json:"name" validate:"required"`
	Permissions []string   `json:"permissions,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// AuthService derives principals from credentials and manages API keys. The
// core consumes principals; token issuance is a collaborator concern.
type AuthService interface {
	// VerifyToken validates a bearer token and returns its principal.
	VerifyToken(ctx context.Context, token string) (*models.Principal, error)

	// VerifyApiKey validates a plaintext API key (prefix lookup, hash
	// compare, expiry and active checks) and stamps LastUsed.
	VerifyApiKey(ctx context.Context, plaintext string) (*models.Principal, error)

	// IssueToken mints a short-lived access token for a user.
	IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error)

	CreateApiKey(ctx context.Context, principal *models.Principal, input *CreateApiKeyInput) (*models.CreatedApiKey, error)
	ListApiKeys(ctx context.Context, principal *models.Principal) ([]*models.ApiKey, error)
	UpdateApiKey(ctx context.Context, principal *models.Principal, id string, name *string, isActive *bool) (*models.ApiKey, error)
	RevokeApiKey(ctx context.Context, principal *models.Principal, id string) error
}
