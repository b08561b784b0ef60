package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/observability"
	appsession "finitefield.org/clinic-console/internal/console/session"
)

type authContextKey string

const userContextKey authContextKey = "auth.user"

// User represents the signed-in account.
type User struct {
	UID   string
	Email string
	Role  string
	Token string
}

// Authenticator resolves an access token into a User.
type Authenticator interface {
	Authenticate(r *http.Request, token string) (*User, error)
}

var (
	// ErrUnauthorized is returned when authentication fails.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenExpired is returned when the access token has expired.
	ErrTokenExpired = errors.New("access token expired")
)

// AuthError contains reason codes for failed authentication attempts.
type AuthError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError constructs an AuthError with the provided reason.
func NewAuthError(reason string, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

const (
	// ReasonMissingToken indicates an auth attempt without credentials.
	ReasonMissingToken = "missing_token"
	// ReasonTokenInvalid indicates a malformed or invalid token.
	ReasonTokenInvalid = "token_invalid"
	// ReasonTokenExpired indicates an expired token which may be recoverable.
	ReasonTokenExpired = "token_expired"
	// ReasonBackendUnavailable indicates the auth service could not be reached.
	// The stored tokens are kept so the next request can try again.
	ReasonBackendUnavailable = "backend_unavailable"
)

const msgBackendUnavailable = "Serviço de autenticação indisponível. Tente novamente dentro de momentos."

// DefaultAuthenticator accepts any non-empty token and is intended for local development.
func DefaultAuthenticator() Authenticator {
	return &passthroughAuthenticator{}
}

// Auth validates incoming requests and either attaches a User to context or
// redirects to login. The token comes from a Bearer header or, for browser
// requests, from the session bound to the backend client.
func Auth(authenticator Authenticator, loginPath string) func(http.Handler) http.Handler {
	if authenticator == nil {
		authenticator = DefaultAuthenticator()
	}
	if loginPath == "" {
		loginPath = "/login"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context())

			token, reason, err := requestToken(r)
			if reason == ReasonBackendUnavailable {
				logger.Warn("auth backend unavailable", zap.Error(err))
				handleUnavailable(w)
				return
			}
			if token == "" {
				if reason == "" {
					reason = ReasonMissingToken
				}
				if err == nil {
					err = ErrUnauthorized
				}
				logger.Info("auth failure", zap.String("reason", reason), zap.Error(err))
				clearSignedInState(r.Context())
				handleUnauthorized(w, r, loginPath, reason)
				return
			}

			user, err := authenticator.Authenticate(r, token)
			if err != nil || user == nil {
				reason := ReasonTokenInvalid
				var authErr *AuthError
				if errors.As(err, &authErr) {
					if authErr.Reason != "" {
						reason = authErr.Reason
					}
					err = authErr.Err
				}
				if reason == ReasonBackendUnavailable {
					logger.Warn("auth backend unavailable", zap.Error(err))
					handleUnavailable(w)
					return
				}
				if err == nil {
					err = ErrUnauthorized
				}
				logger.Info("auth failure", zap.String("reason", reason), zap.Error(err))
				clearSignedInState(r.Context())
				handleUnauthorized(w, r, loginPath, reason)
				return
			}

			if sess, ok := SessionFromContext(r.Context()); ok {
				email := user.Email
				if email == "" {
					if current := sess.User(); current != nil && current.UID == user.UID {
						email = current.Email
					}
				}
				sess.SetUser(&appsession.User{UID: user.UID, Email: email})
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// ContextWithUser attaches user to ctx.
func ContextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user if present.
func UserFromContext(ctx context.Context) (*User, bool) {
	if ctx == nil {
		return nil, false
	}
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok && user != nil
}

func requestToken(r *http.Request) (string, string, error) {
	if token := parseBearerToken(r.Header.Get("Authorization")); token != "" {
		return token, "", nil
	}
	client, ok := BackendClientFromContext(r.Context())
	if !ok {
		return "", ReasonMissingToken, nil
	}
	sess, err := client.GetSession(r.Context())
	if err != nil {
		if !backend.IsRejected(err) {
			return "", ReasonBackendUnavailable, err
		}
		return "", ReasonTokenExpired, err
	}
	if !sess.Valid() {
		return "", ReasonMissingToken, nil
	}
	return sess.AccessToken, "", nil
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func handleUnauthorized(w http.ResponseWriter, r *http.Request, loginPath, reason string) {
	if reason == "" {
		reason = ReasonTokenInvalid
	}

	redirectURL := loginPath
	if reason != ReasonMissingToken {
		if u, err := url.Parse(loginPath); err == nil {
			q := u.Query()
			q.Set("reason", reason)
			u.RawQuery = q.Encode()
			redirectURL = u.String()
		}
	}

	if IsHTMXRequest(r.Context()) {
		w.Header().Set("HX-Redirect", redirectURL)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func handleUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "5")
	http.Error(w, msgBackendUnavailable, http.StatusServiceUnavailable)
}

// clearSignedInState drops stale tokens but keeps the session (and its CSRF token).
func clearSignedInState(ctx context.Context) {
	if sess, ok := SessionFromContext(ctx); ok {
		sess.ClearTokens()
	}
}

type passthroughAuthenticator struct{}

func (p *passthroughAuthenticator) Authenticate(_ *http.Request, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	return &User{UID: token, Token: token}, nil
}
