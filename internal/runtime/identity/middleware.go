package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/drblury/tenantbus/internal/runtime/jsoncodec"
	"github.com/drblury/tenantbus/internal/runtime/logging"
)

// Options configure the middleware.
type Options struct {
	// Strict also requires X-User-Email.
	Strict bool
	Logger logging.ServiceLogger
}

func (o Options) logger() logging.ServiceLogger {
	if o.Logger == nil {
		return logging.NewNopServiceLogger()
	}
	return o.Logger.With(logging.LogFields{logging.FieldComponent: "identity"})
}

// Authenticator recovers an identity from a request by other means than the
// trusted headers.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) { return f(r) }

// Middleware attaches the header identity to the request context and
// answers 401 when it cannot be established.
func Middleware(opts Options) func(http.Handler) http.Handler {
	return Hybrid(opts, nil)
}

// Hybrid behaves like Middleware but hands requests carrying none of the
// trusted headers to fallback. Partial header presence is never passed on.
func Hybrid(opts Options, fallback Authenticator) func(http.Handler) http.Handler {
	log := opts.logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				id  Identity
				err error
			)
			switch {
			case HasTrustedHeaders(r.Header) || fallback == nil:
				id, err = Extract(r.Header, opts.Strict)
			default:
				id, err = fallback.Authenticate(r)
				if err == nil && (id.UserID == "" || id.TenantID == "") {
					err = ErrInvalidToken
				}
			}
			if err != nil {
				log.Info("Request rejected", logging.LogFields{
					"reason": err.Error(),
					"path":   r.URL.Path,
					"method": r.Method,
				})
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithFeatureToggle runs mw only while enabled reports true.
func WithFeatureToggle(enabled func() bool, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enabled != nil && enabled() {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// unauthorizedMessage keeps header and token details out of responses.
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid credentials"
	case errors.Is(err, ErrNoCredentials):
		return "authentication required"
	default:
		return "missing or invalid identity"
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = jsoncodec.Encode(w, errorBody{Error: "unauthorized", Message: unauthorizedMessage(err)})
}

// Echo adapts a net/http identity middleware to echo.
func Echo(mw func(http.Handler) http.Handler) echo.MiddlewareFunc {
	return echo.WrapMiddleware(mw)
}

// FromEcho returns the identity of an echo request.
func FromEcho(c echo.Context) (Identity, bool) {
	return FromContext(c.Request().Context())
}
