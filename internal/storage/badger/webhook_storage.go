package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// WebhookStorage implements the WebhookStorage interface for Badger
type WebhookStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWebhookStorage creates a new WebhookStorage instance
func NewWebhookStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WebhookStorage {
	return &WebhookStorage{
		db:     db,
		logger: logger,
	}
}

// Create inserts a registration. (UserID, URL, EventType) must be unique.
func (s *WebhookStorage) Create(ctx context.Context, webhook *models.Webhook) error {
	if webhook.ID == "" {
		return models.ErrInvalidInput("webhook ID is required", nil)
	}

	existing, err := s.ListByUser(ctx, webhook.UserID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.URL == webhook.URL && other.EventType == webhook.EventType {
			return models.ErrConflict(fmt.Sprintf("webhook for %s on %q already exists", webhook.URL, webhook.EventType))
		}
	}

	if err := s.db.Store().Insert(webhook.ID, webhook); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.ErrConflict(fmt.Sprintf("webhook %s already exists", webhook.ID))
		}
		return models.ErrBrokerUnavailable("failed to save webhook", err)
	}
	return nil
}

// Update replaces a registration, preserving tuple uniqueness against the
// user's other webhooks.
func (s *WebhookStorage) Update(ctx context.Context, webhook *models.Webhook) error {
	existing, err := s.ListByUser(ctx, webhook.UserID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID != webhook.ID && other.URL == webhook.URL && other.EventType == webhook.EventType {
			return models.ErrConflict(fmt.Sprintf("webhook for %s on %q already exists", webhook.URL, webhook.EventType))
		}
	}

	if err := s.db.Store().Update(webhook.ID, webhook); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrNotFound(fmt.Sprintf("webhook %s not found", webhook.ID), nil)
		}
		return models.ErrBrokerUnavailable("failed to update webhook", err)
	}
	return nil
}

func (s *WebhookStorage) Get(ctx context.Context, id string) (*models.Webhook, error) {
	var webhook models.Webhook
	if err := s.db.Store().Get(id, &webhook); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound(fmt.Sprintf("webhook %s not found", id), nil)
		}
		return nil, models.ErrBrokerUnavailable("failed to get webhook", err)
	}
	return &webhook, nil
}

func (s *WebhookStorage) ListByUser(ctx context.Context, userID string) ([]*models.Webhook, error) {
	var webhooks []models.Webhook
	if err := s.db.Store().Find(&webhooks, badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt")); err != nil {
		return nil, models.ErrBrokerUnavailable("failed to list webhooks", err)
	}

	result := make([]*models.Webhook, len(webhooks))
	for i := range webhooks {
		result[i] = &webhooks[i]
	}
	return result, nil
}

// ListMatching returns the user's active webhooks registered for eventType or
// for "all".
func (s *WebhookStorage) ListMatching(ctx context.Context, userID string, eventType models.WebhookEventType) ([]*models.Webhook, error) {
	all, err := s.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Webhook, 0, len(all))
	for _, hook := range all {
		if !hook.Active {
			continue
		}
		if hook.EventType == eventType || hook.EventType == models.WebhookEventAll {
			matched = append(matched, hook)
		}
	}
	return matched, nil
}

func (s *WebhookStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Webhook{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrNotFound(fmt.Sprintf("webhook %s not found", id), nil)
		}
		return models.ErrBrokerUnavailable("failed to delete webhook", err)
	}
	return nil
}
