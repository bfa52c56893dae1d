package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"
	"golang.org/x/crypto/bcrypt"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

const (
	keyByteLength   = 32
	keyPrefixLength = 8
)

// Service derives principals from bearer tokens and API keys. Tokens are
// HMAC-signed JWTs; API keys are stored bcrypt-hashed with a verbatim prefix
// kept for lookup, and the plaintext is surfaced exactly once at creation.
type Service struct {
	storage     interfaces.StorageManager
	tokenSecret []byte
	defaultTTL  time.Duration
	logger      arbor.ILogger
}

type tokenClaims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// NewService creates the auth service.
func NewService(storage interfaces.StorageManager, tokenSecret string, defaultTTL time.Duration, logger arbor.ILogger) (*Service, error) {
	if tokenSecret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}

	return &Service{
		storage:     storage,
		tokenSecret: []byte(tokenSecret),
		defaultTTL:  defaultTTL,
		logger:      logger,
	}, nil
}

// VerifyToken validates a bearer token and returns its principal.
func (s *Service) VerifyToken(ctx context.Context, token string) (*models.Principal, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.tokenSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, models.ErrUnauthorised("invalid or expired token")
	}
	if claims.Subject == "" {
		return nil, models.ErrUnauthorised("token has no subject")
	}

	return &models.Principal{
		UserID:      claims.Subject,
		Permissions: claims.Permissions,
		Via:         models.ViaToken,
	}, nil
}

// IssueToken mints a short-lived access token for a user.
func (s *Service) IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", models.ErrInvalidInput("userID is required", nil)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := time.Now()
	claims := &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.tokenSecret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// VerifyApiKey validates a plaintext API key and stamps its last-used time.
func (s *Service) VerifyApiKey(ctx context.Context, plaintext string) (*models.Principal, error) {
	if len(plaintext) < keyPrefixLength {
		return nil, models.ErrUnauthorised("invalid API key")
	}

	candidates, err := s.storage.ApiKeys().FindByPrefix(ctx, plaintext[:keyPrefixLength])
	if err != nil {
		return nil, models.ErrUnauthorised("invalid API key")
	}

	now := time.Now()
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) != nil {
			continue
		}
		if !key.IsActive {
			return nil, models.ErrUnauthorised("API key is revoked")
		}
		if key.Expired(now) {
			return nil, models.ErrUnauthorised("API key is expired")
		}

		key.LastUsed = &now
		if err := s.storage.ApiKeys().Update(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key_id", key.ID).Msg("Failed to stamp API key last-used")
		}

		return &models.Principal{
			UserID:      key.UserID,
			Permissions: key.Permissions,
			Via:         models.ViaApiKey,
		}, nil
	}

	return nil, models.ErrUnauthorised("invalid API key")
}

// CreateApiKey mints a key and returns the plaintext once. Only the bcrypt
// hash and the display prefix are persisted.
func (s *Service) CreateApiKey(ctx context.Context, principal *models.Principal, input *interfaces.CreateApiKeyInput) (*models.CreatedApiKey, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	if input == nil || input.Name == "" {
		return nil, models.ErrInvalidInput("name is required", nil)
	}

	plaintext, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}

	key := &models.ApiKey{
		ID:          common.NewApiKeyID(),
		UserID:      principal.UserID,
		Name:        input.Name,
		Prefix:      plaintext[:keyPrefixLength],
		KeyHash:     string(hash),
		Permissions: input.Permissions,
		ExpiresAt:   input.ExpiresAt,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}

	if err := s.storage.ApiKeys().Create(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("key_id", key.ID).
		Str("user_id", key.UserID).
		Str("prefix", key.Prefix).
		Msg("API key created")

	return &models.CreatedApiKey{ApiKey: *key, Key: plaintext}, nil
}

// ListApiKeys returns the principal's keys. The plaintext is long gone;
// callers see the prefix only.
func (s *Service) ListApiKeys(ctx context.Context, principal *models.Principal) ([]*models.ApiKey, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	return s.storage.ApiKeys().ListByUser(ctx, principal.UserID)
}

// UpdateApiKey renames or toggles a key owned by the principal.
func (s *Service) UpdateApiKey(ctx context.Context, principal *models.Principal, id string, name *string, isActive *bool) (*models.ApiKey, error) {
	key, err := s.ownedKey(ctx, principal, id)
	if err != nil {
		return nil, err
	}

	if name != nil {
		key.Name = *name
	}
	if isActive != nil {
		key.IsActive = *isActive
	}

	if err := s.storage.ApiKeys().Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RevokeApiKey deletes a key owned by the principal.
func (s *Service) RevokeApiKey(ctx context.Context, principal *models.Principal, id string) error {
	if _, err := s.ownedKey(ctx, principal, id); err != nil {
		return err
	}
	return s.storage.ApiKeys().Delete(ctx, id)
}

func (s *Service) ownedKey(ctx context.Context, principal *models.Principal, id string) (*models.ApiKey, error) {
	if principal == nil {
		return nil, models.ErrUnauthorised("authentication required")
	}
	key, err := s.storage.ApiKeys().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.UserID != principal.UserID {
		return nil, models.ErrUnauthorised("API key belongs to another user")
	}
	return key, nil
}

// generateKey produces "ck_" plus 32 url-safe random bytes.
func generateKey() (string, error) {
	raw := make([]byte, keyByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "ck_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
