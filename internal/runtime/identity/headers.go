package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// HasTrustedHeaders reports whether any identity header is present, even
// empty.
func HasTrustedHeaders(h http.Header) bool {
	for _, name := range trustedHeaders {
		if _, ok := h[http.CanonicalHeaderKey(name)]; ok {
			return true
		}
	}
	return false
}

// Extract builds an Identity from the trusted headers. User and tenant are
// required; strict also requires the email. Malformed optional values fail
// the whole extraction, as does any trusted header sent more than once.
func Extract(h http.Header, strict bool) (Identity, error) {
	for _, name := range trustedHeaders {
		if len(h.Values(name)) > 1 {
			return Identity{}, fmt.Errorf("%w: %s repeated", ErrMalformedHeader, name)
		}
	}

	id := Identity{
		UserID:   strings.TrimSpace(h.Get(HeaderUserID)),
		TenantID: strings.TrimSpace(h.Get(HeaderTenantID)),
		Email:    strings.TrimSpace(h.Get(HeaderUserEmail)),
	}

	var missing []error
	if id.UserID == "" {
		missing = append(missing, ErrMissingUserID)
	}
	if id.TenantID == "" {
		missing = append(missing, ErrMissingTenantID)
	}
	if strict && id.Email == "" {
		missing = append(missing, ErrMissingEmail)
	}
	if len(missing) > 0 {
		return Identity{}, errors.Join(missing...)
	}

	if id.Email != "" {
		if err := validate.Var(id.Email, "email"); err != nil {
			return Identity{}, fmt.Errorf("%w: %s", ErrMalformedHeader, HeaderUserEmail)
		}
	}

	roles, err := parseRoles(h.Get(HeaderRoles))
	if err != nil {
		return Identity{}, err
	}
	id.Roles = roles
	id.Scopes = parseScopes(h.Get(HeaderScopes))
	return id, nil
}

// parseRoles accepts a JSON array of strings or a comma-separated list.
func parseRoles(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var roles []string
		if err := jsoncodec.Unmarshal([]byte(raw), &roles); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedHeader, HeaderRoles, err)
		}
		return compact(roles), nil
	}
	return compact(strings.Split(raw, ",")), nil
}

// parseScopes accepts space or comma separated scopes.
func parseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	return compact(fields)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
