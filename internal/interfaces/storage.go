package interfaces

import (
	"context"

	"github.com/ternarybob/conduit/internal/models"
)

// FlowStorage persists flow rows. JobStructure and Progress are opaque JSON
// to the store.
type FlowStorage interface {
	Upsert(ctx context.Context, flow *models.Flow) error
	Get(ctx context.Context, flowID string) (*models.Flow, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Flow, error)
	Delete(ctx context.Context, flowID string) error
}

// WebhookStorage persists webhook registrations with (UserID, URL, EventType)
// uniqueness.
type WebhookStorage interface {
	Create(ctx context.Context, webhook *models.Webhook) error
	Update(ctx context.Context, webhook *models.Webhook) error
	Get(ctx context.Context, id string) (*models.Webhook, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Webhook, error)
	// ListMatching returns active webhooks for the user whose event type is
	// eventType or "all".
	ListMatching(ctx context.Context, userID string, eventType models.WebhookEventType) ([]*models.Webhook, error)
	Delete(ctx context.Context, id string) error
}

// ApiKeyStorage persists hashed API keys.
type ApiKeyStorage interface {
	Create(ctx context.Context, key *models.ApiKey) error
	Update(ctx context.Context, key *models.ApiKey) error
	Get(ctx context.Context, id string) (*models.ApiKey, error)
	ListByUser(ctx context.Context, userID string) ([]*models.ApiKey, error)
	FindByPrefix(ctx context.Context, prefix string) ([]*models.ApiKey, error)
	Delete(ctx context.Context, id string) error
}

// UserStorage persists the minimal user records the core consumes.
type UserStorage interface {
	Upsert(ctx context.Context, user *models.User) error
	Get(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Delete(ctx context.Context, id string) error
}

// StorageManager aggregates the per-entity storages over one store.
type StorageManager interface {
	Flows() FlowStorage
	Webhooks() WebhookStorage
	ApiKeys() ApiKeyStorage
	Users() UserStorage
	DB() interface{}
	Close() error
}
