// Package authclaims holds the principal produced by authentication.
package authclaims

import (
	"context"
	"slices"
	"time"
)

type ctxKey struct{}

// AuthClaims contains claims that are included in verified bearer tokens.
type AuthClaims struct {
	Subject     string          `json:"sub"`
	Type        string          `json:"type,omitempty"`
	Roles       []string        `json:"roles,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	Scopes      map[string]bool `json:"scopes,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	ExpiresAt   time.Time       `json:"exp,omitempty"`
	Token       string          `json:"-"`
}

// HasRole reports whether role was granted to the principal.
func (c *AuthClaims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// ContextWithAuthClaims injects the provided AuthClaims into the parent context.
func ContextWithAuthClaims(parent context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(parent, ctxKey{}, claims)
}

// AuthClaimsFromContext extracts the AuthClaims from the provided ctx (if any).
func AuthClaimsFromContext(ctx context.Context) (*AuthClaims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*AuthClaims)
	if !ok {
		return nil, false
	}

	return claims, true
}
