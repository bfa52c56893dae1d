package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// ApiKeyStorage implements the ApiKeyStorage interface for Badger
type ApiKeyStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewApiKeyStorage creates a new ApiKeyStorage instance
func NewApiKeyStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ApiKeyStorage {
	return &ApiKeyStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ApiKeyStorage) Create(ctx context.Context, key *models.ApiKey) error {
	if key.ID == "" {
		return models.ErrInvalidInput("API key ID is required", nil)
	}
	if err := s.db.Store().Insert(key.ID, key); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.ErrConflict(fmt.Sprintf("API key %s already exists", key.ID))
		}
		return models.ErrBrokerUnavailable("failed to save API key", err)
	}
	return nil
}

func (s *ApiKeyStorage) Update(ctx context.Context, key *models.ApiKey) error {
	if err := s.db.Store().Update(key.ID, key); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrNotFound(fmt.Sprintf("API key %s not found", key.ID), nil)
		}
		return models.ErrBrokerUnavailable("failed to update API key", err)
	}
	return nil
}

func (s *ApiKeyStorage) Get(ctx context.Context, id string) (*models.ApiKey, error) {
	var key models.ApiKey
	if err := s.db.Store().Get(id, &key); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound(fmt.Sprintf("API key %s not found", id), nil)
		}
		return nil, models.ErrBrokerUnavailable("failed to get API key", err)
	}
	return &key, nil
}

func (s *ApiKeyStorage) ListByUser(ctx context.Context, userID string) ([]*models.ApiKey, error) {
	var keys []models.ApiKey
	if err := s.db.Store().Find(&keys, badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt")); err != nil {
		return nil, models.ErrBrokerUnavailable("failed to list API keys", err)
	}

	result := make([]*models.ApiKey, len(keys))
	for i := range keys {
		result[i] = &keys[i]
	}
	return result, nil
}

// FindByPrefix returns keys whose stored prefix matches the plaintext's
// leading bytes. The caller disambiguates with a hash compare.
func (s *ApiKeyStorage) FindByPrefix(ctx context.Context, prefix string) ([]*models.ApiKey, error) {
	var keys []models.ApiKey
	if err := s.db.Store().Find(&keys, badgerhold.Where("Prefix").Eq(prefix).Index("Prefix")); err != nil {
		return nil, models.ErrBrokerUnavailable("failed to look up API keys by prefix", err)
	}

	result := make([]*models.ApiKey, len(keys))
	for i := range keys {
		result[i] = &keys[i]
	}
	return result, nil
}

func (s *ApiKeyStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.ApiKey{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrNotFound(fmt.Sprintf("API key %s not found", id), nil)
		}
		return models.ErrBrokerUnavailable("failed to delete API key", err)
	}
	return nil
}
