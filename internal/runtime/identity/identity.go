// Package identity recovers the caller of an inbound HTTP request from the
// trusted headers an upstream gateway injects after authenticating it.
//
// The headers are trusted as-is: nothing here verifies a signature. A
// service using this middleware must only be reachable through the gateway,
// which strips client-supplied copies of these headers.
package identity

import (
	"context"
	"errors"
	"slices"
)

// Header names written by the gateway.
const (
	HeaderUserID    = "X-User-Id"
	HeaderTenantID  = "X-Tenant-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderRoles     = "X-User-Roles"
	HeaderScopes    = "X-User-Scopes"
)

var trustedHeaders = []string{HeaderUserID, HeaderTenantID, HeaderUserEmail, HeaderRoles, HeaderScopes}

var (
	ErrMissingUserID   = errors.New("identity: user id header is missing")
	ErrMissingTenantID = errors.New("identity: tenant id header is missing")
	ErrMissingEmail    = errors.New("identity: email header is required in strict mode")
	ErrMalformedHeader = errors.New("identity: malformed identity header")
	ErrInvalidToken    = errors.New("identity: invalid bearer token")
	ErrNoCredentials   = errors.New("identity: no credentials presented")
)

// Identity is the authenticated caller of one request.
type Identity struct {
	UserID   string   `json:"userId"`
	TenantID string   `json:"tenantId"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// HasRole reports whether the caller holds role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// HasScope reports whether the caller was granted scope.
func (i Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// TenantFromContext returns the tenant of the request, or "".
func TenantFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.TenantID
}
