package models

import "time"

// ApiKey stores a hashed service credential. The plaintext is returned exactly
// once at creation; Prefix keeps the leading bytes verbatim for lookup and
// display.
type ApiKey struct {
	ID          string     `json:"id" badgerhold:"key"`
	UserID      string     `json:"userId" badgerhold:"index"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix" badgerhold:"index"`
	KeyHash     string     `json:"-"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	IsActive    bool       `json:"isActive"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// CreatedApiKey is the one-time creation response carrying the plaintext.
type CreatedApiKey struct {
	ApiKey
	Key string `json:"key"`
}
