package identity

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyTokenAuthenticator accepts HS256 bearer tokens issued before the
// gateway injected identity headers. Claims: sub, ten, email, roles, scope.
type LegacyTokenAuthenticator struct {
	SigningKey []byte
	Leeway     time.Duration
}

// NewLegacyTokenAuthenticator returns an authenticator for key with a 30s
// leeway.
func NewLegacyTokenAuthenticator(key string) *LegacyTokenAuthenticator {
	return &LegacyTokenAuthenticator{SigningKey: []byte(key), Leeway: 30 * time.Second}
}

func (a *LegacyTokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return Identity{}, ErrNoCredentials
	}
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return Identity{}, ErrInvalidToken
	}

	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return a.SigningKey, nil
	}, jwt.WithLeeway(a.Leeway), jwt.WithIssuedAt(), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{}
	id.UserID, _ = claims["sub"].(string)
	id.TenantID, _ = claims["ten"].(string)
	id.Email, _ = claims["email"].(string)
	if id.UserID == "" || id.TenantID == "" {
		return Identity{}, fmt.Errorf("%w: subject or tenant missing", ErrInvalidToken)
	}
	id.Roles = claimList(claims["roles"])
	if scope, ok := claims["scope"].(string); ok {
		id.Scopes = parseScopes(scope)
	}
	return id, nil
}

func claimList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return compact(out)
	case string:
		return compact(strings.Split(val, ","))
	default:
		return nil
	}
}
