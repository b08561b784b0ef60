package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"finitefield.org/clinic-console/internal/console/observability"
)

type csrfContextKey struct{}

// CSRFConfig controls where the token is read from. CookieName, CookiePath and
// MaxAge only apply to requests without a console session.
type CSRFConfig struct {
	HeaderName string
	FieldName  string
	CookieName string
	CookiePath string
	MaxAge     time.Duration
}

func (cfg CSRFConfig) withDefaults() CSRFConfig {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-CSRF-Token"
	}
	if cfg.FieldName == "" {
		cfg.FieldName = "_csrf"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "console_csrf"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 12 * time.Hour
	}
	return cfg
}

var errCSRFMismatch = errors.New("csrf token missing or mismatched")

// CSRF protects unsafe methods with a synchronizer token kept in the console
// session, so it changes whenever the session is rotated at sign-in. Requests
// without a session fall back to a double-submit cookie. The token is echoed in
// the header by htmx and in a hidden field by plain form posts.
func CSRF(cfg CSRFConfig) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context())

			token, err := cfg.issue(w, r)
			if err != nil {
				logger.Error("csrf token issue failed", zap.Error(err))
				http.Error(w, "csrf token error", http.StatusInternalServerError)
				return
			}

			if isUnsafeMethod(r.Method) {
				if err := cfg.verify(r, token); err != nil {
					logger.Info("csrf check failed", zap.String("method", r.Method), zap.Error(err))
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), csrfContextKey{}, token)))
		})
	}
}

// CSRFTokenFromContext returns the token issued for the current request (to embed in forms or meta tags).
func CSRFTokenFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(csrfContextKey{}).(string); ok {
		return token
	}
	return ""
}

func (cfg CSRFConfig) issue(w http.ResponseWriter, r *http.Request) (string, error) {
	if sess, ok := SessionFromContext(r.Context()); ok {
		return sess.EnsureCSRFToken()
	}

	if c, err := r.Cookie(cfg.CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cfg.CookieName,
		Value:    token,
		Path:     cfg.CookiePath,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(cfg.MaxAge.Seconds()),
	})
	return token, nil
}

func (cfg CSRFConfig) verify(r *http.Request, expected string) error {
	submitted := r.Header.Get(cfg.HeaderName)
	if submitted == "" {
		submitted = r.PostFormValue(cfg.FieldName)
	}
	if submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) != 1 {
		return errCSRFMismatch
	}
	return nil
}

func randomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}
