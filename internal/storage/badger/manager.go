package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	flows    interfaces.FlowStorage
	webhooks interfaces.WebhookStorage
	apiKeys  interfaces.ApiKeyStorage
	users    interfaces.UserStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, path string, resetOnStartup bool) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, path, resetOnStartup)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		flows:    NewFlowStorage(db, logger),
		webhooks: NewWebhookStorage(db, logger),
		apiKeys:  NewApiKeyStorage(db, logger),
		users:    NewUserStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Str("path", path).Msg("Badger storage manager initialized")

	return manager, nil
}

// Flows returns the flow storage interface
func (m *Manager) Flows() interfaces.FlowStorage {
	return m.flows
}

// Webhooks returns the webhook storage interface
func (m *Manager) Webhooks() interfaces.WebhookStorage {
	return m.webhooks
}

// ApiKeys returns the API key storage interface
func (m *Manager) ApiKeys() interfaces.ApiKeyStorage {
	return m.apiKeys
}

// Users returns the user storage interface
func (m *Manager) Users() interfaces.UserStorage {
	return m.users
}

// DB returns the underlying badgerhold store
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
