package models

import "time"

// User is the minimal account record the core consumes. WebhookURL is the
// legacy single-URL field, honoured only for completed events when no modern
// webhook matches.
type User struct {
	ID         string    `json:"id" badgerhold:"key"`
	Email      string    `json:"email" badgerhold:"unique"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PrincipalVia identifies the authentication path that produced a principal.
type PrincipalVia string

const (
	ViaToken  PrincipalVia = "token"
	ViaApiKey PrincipalVia = "apiKey"
)

// Principal is the authenticated caller context consumed by every core
// operation. Authorisation on an entity E is E.UserID == Principal.UserID.
type Principal struct {
	UserID      string       `json:"userId"`
	Permissions []string     `json:"permissions"`
	Via         PrincipalVia `json:"via"`
}

// HasPermission reports whether the principal carries the named permission.
// An empty permission set grants everything for token principals.
func (p *Principal) HasPermission(perm string) bool {
	if p.Via == ViaToken && len(p.Permissions) == 0 {
		return true
	}
	for _, have := range p.Permissions {
		if have == perm || have == "*" {
			return true
		}
	}
	return false
}
