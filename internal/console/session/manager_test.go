package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

func newTestManager(t *testing.T) (*Manager, *fixedClock) {
	t.Helper()

	hashKey := []byte("12345678901234567890123456789012")
	blockKey := []byte("abcdefghijklmnopqrstuv0123456789")
	clock := &fixedClock{current: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	httpOnly := true
	mgr, err := NewManager(Config{
		CookieName:     "test_session",
		HashKey:        hashKey,
		BlockKey:       blockKey,
		CookiePath:     "/",
		CookieHTTPOnly: &httpOnly,
		IdleTimeout:    10 * time.Minute,
		Lifetime:       2 * time.Hour,
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return mgr, clock
}

func roundTrip(t *testing.T, mgr *Manager, sess *Session) *Session {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	cookie := findCookie(rec.Result().Cookies(), "test_session")
	if cookie == nil {
		t.Fatalf("expected session cookie to be set")
	}
	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	req.AddCookie(cookie)
	loaded, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load existing error: %v", err)
	}
	return loaded
}

func TestManager_NewSessionLifecycle(t *testing.T) {
	mgr, clock := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	sess, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if sess == nil || sess.ID() == "" {
		t.Fatalf("expected session with ID")
	}
	if !sess.CreatedAt().Equal(clock.current) {
		t.Fatalf("unexpected CreatedAt: %v", sess.CreatedAt())
	}
	if !sess.Dirty() {
		t.Fatalf("expected new session to be dirty")
	}

	sess.SetUser(&User{UID: "user-1", Email: "ana@example.com"})
	sess.SetTokens(&Tokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresAt:    clock.current.Add(time.Hour),
	})
	sess.SelectClinic(&Clinic{ID: "c-1", Name: "Clínica <Central>"})
	token, err := sess.EnsureCSRFToken()
	if err != nil || token == "" {
		t.Fatalf("expected csrf token: %v", err)
	}

	clock.current = clock.current.Add(5 * time.Minute)
	sess2 := roundTrip(t, mgr, sess)

	if sess2.ID() != sess.ID() {
		t.Fatalf("expected session ID to persist")
	}
	if sess2.User().Email != "ana@example.com" {
		t.Fatalf("expected user to persist")
	}
	tokens := sess2.Tokens()
	if tokens == nil || tokens.RefreshToken != "refresh-1" {
		t.Fatalf("expected tokens to persist, got %+v", tokens)
	}
	if !tokens.ExpiresAt.Equal(time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected token expiry %v", tokens.ExpiresAt)
	}
	if clinic := sess2.SelectedClinic(); clinic == nil || clinic.Name != "Clínica <Central>" {
		t.Fatalf("expected selected clinic to persist, got %+v", clinic)
	}
	if sess2.CSRFToken() != token {
		t.Fatalf("expected csrf token to persist")
	}
	if sess2.Dirty() {
		t.Fatalf("expected loaded session to be clean")
	}
}

func TestManager_IdleTimeout(t *testing.T) {
	mgr, clock := newTestManager(t)
	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	sess, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	rec := httptest.NewRecorder()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	cookie := findCookie(rec.Result().Cookies(), "test_session")

	clock.current = clock.current.Add(20 * time.Minute)
	req2 := httptest.NewRequest(http.MethodGet, "/console", nil)
	req2.AddCookie(cookie)
	if _, err := mgr.Load(req2); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestManager_TamperedCookieStartsFresh(t *testing.T) {
	mgr, _ := newTestManager(t)
	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	req.AddCookie(&http.Cookie{Name: "test_session", Value: "not-a-valid-cookie"})

	sess, err := mgr.Load(req)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if sess.Tokens() != nil || sess.User() != nil {
		t.Fatalf("expected empty session")
	}
}

func TestManager_Destroy(t *testing.T) {
	mgr, _ := newTestManager(t)
	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	sess, _ := mgr.Load(req)
	rec := httptest.NewRecorder()
	sess.Destroy()
	if err := mgr.Save(rec, sess); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	cookie := findCookie(rec.Result().Cookies(), "test_session")
	if cookie == nil || cookie.MaxAge != -1 {
		t.Fatalf("expected session cookie cleared")
	}
}

func TestNewManager_RejectsBadKeys(t *testing.T) {
	if _, err := NewManager(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing hash key, got %v", err)
	}
	_, err := NewManager(Config{HashKey: []byte("12345678901234567890123456789012"), BlockKey: []byte("short")})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad block key, got %v", err)
	}
}

func TestSession_ClearTokensDropsUserState(t *testing.T) {
	mgr, _ := newTestManager(t)
	sess := mgr.New()
	sess.SetUser(&User{UID: "user-1"})
	sess.SetTokens(&Tokens{AccessToken: "access-1"})
	sess.SelectClinic(&Clinic{ID: "c-1", Name: "Central"})

	sess.SetTokens(nil)

	if sess.Tokens() != nil || sess.User() != nil || sess.SelectedClinic() != nil {
		t.Fatalf("expected signed-in state to be cleared")
	}
}

func TestSession_RotateIssuesNewIdentity(t *testing.T) {
	mgr, clock := newTestManager(t)
	sess := mgr.New()
	oldID := sess.ID()
	oldToken, _ := sess.EnsureCSRFToken()

	clock.current = clock.current.Add(time.Minute)
	sess.Rotate(clock.current)

	if sess.ID() == oldID {
		t.Fatalf("expected new session ID")
	}
	if sess.CSRFToken() != "" {
		t.Fatalf("expected CSRF token to be reset")
	}
	newToken, _ := sess.EnsureCSRFToken()
	if newToken == oldToken {
		t.Fatalf("expected a new CSRF token")
	}
	if !sess.ExpiresAt().Equal(clock.current.Add(2 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", sess.ExpiresAt())
	}
}

func TestSession_Flash(t *testing.T) {
	mgr, _ := newTestManager(t)
	sess := mgr.New()
	sess.SetFlash("Sessão terminada.")

	loaded := roundTrip(t, mgr, sess)
	if got := loaded.PopFlash(); got != "Sessão terminada." {
		t.Fatalf("unexpected flash %q", got)
	}
	if got := loaded.PopFlash(); got != "" {
		t.Fatalf("expected flash to be consumed, got %q", got)
	}
	if !loaded.Dirty() {
		t.Fatalf("expected popping flash to mark session dirty")
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
