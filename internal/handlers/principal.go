package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/conduit/internal/models"
)

type principalKey struct{}

// WithPrincipal attaches the authenticated principal to a request context.
func WithPrincipal(ctx context.Context, principal *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the request's authenticated principal, nil when the
// request did not pass authentication middleware.
func PrincipalFrom(r *http.Request) *models.Principal {
	if p, ok := r.Context().Value(principalKey{}).(*models.Principal); ok {
		return p
	}
	return nil
}

// RequirePrincipal writes a 401 when the request carries no principal.
func RequirePrincipal(w http.ResponseWriter, r *http.Request) *models.Principal {
	principal := PrincipalFrom(r)
	if principal == nil {
		WriteError(w, http.StatusUnauthorized, "Authentication required")
	}
	return principal
}
