package middleware

import (
	"context"
	"net/http"
	"strings"

	"finitefield.org/clinic-console/internal/console/backend"
)

// UserResolver looks up the user an access token belongs to.
type UserResolver interface {
	GetUser(ctx context.Context, accessToken string) (*backend.User, error)
}

// BackendAuthenticator validates tokens by asking the auth service. Used when
// no JWT secret is configured.
type BackendAuthenticator struct {
	resolver UserResolver
}

// NewBackendAuthenticator constructs an Authenticator backed by resolver.
func NewBackendAuthenticator(resolver UserResolver) *BackendAuthenticator {
	if resolver == nil {
		panic("user resolver is required")
	}
	return &BackendAuthenticator{resolver: resolver}
}

// Authenticate implements Authenticator.
func (b *BackendAuthenticator) Authenticate(r *http.Request, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewAuthError(ReasonMissingToken, ErrUnauthorized)
	}
	user, err := b.resolver.GetUser(r.Context(), token)
	if err != nil {
		switch status := backend.StatusCode(err); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, NewAuthError(ReasonTokenExpired, err)
		case !backend.IsRejected(err):
			return nil, NewAuthError(ReasonBackendUnavailable, err)
		default:
			return nil, NewAuthError(ReasonTokenInvalid, err)
		}
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil, NewAuthError(ReasonTokenInvalid, ErrUnauthorized)
	}
	return &User{
		UID:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		Token: token,
	}, nil
}
