package testutil

import (
	"net/http/httptest"
	"testing"
	"time"

	"finitefield.org/clinic-console/internal/console/backend"
	"finitefield.org/clinic-console/internal/console/clinics"
	"finitefield.org/clinic-console/internal/console/httpserver"
	"finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/loginguard"
	"finitefield.org/clinic-console/internal/console/observability"
	"finitefield.org/clinic-console/internal/console/session"
)

var (
	testHashKey  = []byte("0123456789abcdef0123456789abcdef")
	testBlockKey = []byte("fedcba9876543210fedcba9876543210")
)

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*httpserver.Config)

// WithAuthenticator overrides the authenticator used on protected routes.
func WithAuthenticator(auth middleware.Authenticator) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Authenticator = auth
	}
}

// WithBasePath sets a custom base path for the console routes.
func WithBasePath(path string) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.BasePath = path
	}
}

// WithClinicsBackend serves clinic data from b instead of the backend client.
func WithClinicsBackend(b clinics.Backend) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.ClinicsBackend = b
	}
}

// WithLoginGuard overrides the in-flight login guard.
func WithLoginGuard(g loginguard.Guard) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.LoginGuard = g
	}
}

// WithMetrics records login and backend metrics into m.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(cfg *httpserver.Config) {
		cfg.Metrics = m
	}
}

// NewServer constructs an httptest server running the console HTTP stack
// against the backend at backendURL.
func NewServer(t testing.TB, backendURL string, opts ...ServerOption) *httptest.Server {
	t.Helper()

	cfg := httpserver.Config{
		Address:        ":0",
		BasePath:       "/console",
		Environment:    "Test",
		CSRFHeaderName: "X-CSRF-Token",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	svc, err := backend.NewService(backend.Config{
		URL:      backendURL,
		AnonKey:  FakeAnonKey,
		Observer: cfg.Metrics,
	})
	if err != nil {
		t.Fatalf("backend service: %v", err)
	}
	cfg.Backend = svc
	if cfg.Authenticator == nil {
		cfg.Authenticator = middleware.NewBackendAuthenticator(svc)
	}

	sessions, err := session.NewManager(session.Config{
		CookieName:  "console_session",
		HashKey:     testHashKey,
		BlockKey:    testBlockKey,
		CookiePath:  middleware.NormalizeBasePath(cfg.BasePath),
		IdleTimeout: 30 * time.Minute,
		Lifetime:    12 * time.Hour,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	cfg.Sessions = sessions

	srv := httpserver.New(cfg)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}
