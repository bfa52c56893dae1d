package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// UserStorage implements the UserStorage interface for Badger
type UserStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserStorage creates a new UserStorage instance
func NewUserStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserStorage {
	return &UserStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserStorage) Upsert(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return models.ErrInvalidInput("user ID is required", nil)
	}
	if err := s.db.Store().Upsert(user.ID, user); err != nil {
		if err == badgerhold.ErrUniqueExists {
			return models.ErrConflict(fmt.Sprintf("user with email %s already exists", user.Email))
		}
		return models.ErrBrokerUnavailable("failed to save user", err)
	}
	return nil
}

func (s *UserStorage) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.Store().Get(id, &user); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound(fmt.Sprintf("user %s not found", id), nil)
		}
		return nil, models.ErrBrokerUnavailable("failed to get user", err)
	}
	return &user, nil
}

func (s *UserStorage) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var users []models.User
	if err := s.db.Store().Find(&users, badgerhold.Where("Email").Eq(email)); err != nil {
		return nil, models.ErrBrokerUnavailable("failed to look up user by email", err)
	}
	if len(users) == 0 {
		return nil, models.ErrNotFound(fmt.Sprintf("user with email %s not found", email), nil)
	}
	return &users[0], nil
}

func (s *UserStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.User{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrNotFound(fmt.Sprintf("user %s not found", id), nil)
		}
		return models.ErrBrokerUnavailable("failed to delete user", err)
	}
	return nil
}
