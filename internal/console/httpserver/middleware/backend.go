package middleware

import (
	"context"
	"net/http"
	"strings"

	"finitefield.org/clinic-console/internal/console/backend"
	appsession "finitefield.org/clinic-console/internal/console/session"
)

type backendContextKey struct{}

// ClientFactory builds a per-request backend client around a token store.
type ClientFactory interface {
	Client(store backend.TokenStore) *backend.Client
}

// BackendClient binds a backend client to the request. Tokens are read from and
// written back to the console session, so a refresh performed while serving one
// page load is visible to the next.
func BackendClient(factory ClientFactory) func(http.Handler) http.Handler {
	if factory == nil {
		panic("backend client factory is required")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var store backend.TokenStore
			if sess, ok := SessionFromContext(r.Context()); ok {
				store = NewSessionTokenStore(sess)
			}
			client := factory.Client(store)
			ctx := context.WithValue(r.Context(), backendContextKey{}, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BackendClientFromContext returns the client bound by BackendClient.
func BackendClientFromContext(ctx context.Context) (*backend.Client, bool) {
	if ctx == nil {
		return nil, false
	}
	client, ok := ctx.Value(backendContextKey{}).(*backend.Client)
	return client, ok && client != nil
}

// SessionTokenStore adapts the console session to backend.TokenStore.
type SessionTokenStore struct {
	sess *appsession.Session
}

// NewSessionTokenStore wraps sess.
func NewSessionTokenStore(sess *appsession.Session) *SessionTokenStore {
	return &SessionTokenStore{sess: sess}
}

// LoadSession implements backend.TokenStore.
func (s *SessionTokenStore) LoadSession() *backend.Session {
	tokens := s.sess.Tokens()
	if tokens == nil || strings.TrimSpace(tokens.AccessToken) == "" {
		return nil
	}
	out := &backend.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		ExpiresAt:    tokens.ExpiresAt,
	}
	if user := s.sess.User(); user != nil {
		out.User = backend.User{ID: user.UID, Email: user.Email}
	}
	return out
}

// SaveSession implements backend.TokenStore.
func (s *SessionTokenStore) SaveSession(sess *backend.Session) {
	if !sess.Valid() {
		s.sess.ClearTokens()
		return
	}
	s.sess.SetTokens(&appsession.Tokens{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		TokenType:    sess.TokenType,
		ExpiresAt:    sess.ExpiresAt,
	})
	if sess.User.ID != "" {
		s.sess.SetUser(&appsession.User{UID: sess.User.ID, Email: sess.User.Email})
	}
}

// ClearSession implements backend.TokenStore.
func (s *SessionTokenStore) ClearSession() {
	s.sess.ClearTokens()
}
