package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finitefield.org/clinic-console/internal/console/backend"
	appsession "finitefield.org/clinic-console/internal/console/session"
)

var sessionTestNow = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

type sessionTestClock struct {
	now time.Time
}

func (c *sessionTestClock) Now() time.Time {
	return c.now
}

func newSessionStoreForTest(t *testing.T, clock *sessionTestClock) *appsession.Manager {
	t.Helper()
	hashKey := []byte("12345678901234567890123456789012")
	blockKey := []byte("abcdefghijklmnopqrstuvwxyzABCDEF")
	httpOnly := true
	store, err := appsession.NewManager(appsession.Config{
		CookieName:     "test_session",
		HashKey:        hashKey,
		BlockKey:       blockKey,
		CookiePath:     "/console",
		CookieHTTPOnly: &httpOnly,
		IdleTimeout:    5 * time.Minute,
		Lifetime:       time.Hour,
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatalf("session manager init: %v", err)
	}
	return store
}

func TestSessionMiddlewareLifecycle(t *testing.T) {
	clock := &sessionTestClock{now: sessionTestNow}
	store := newSessionStoreForTest(t, clock)

	var ids []string
	handler := Session(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			t.Fatalf("session missing in context")
		}
		ids = append(ids, sess.ID())
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/console", nil)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected initial session id")
	}
	cookie := findCookie(rec1.Result().Cookies(), "test_session")
	if cookie == nil {
		t.Fatalf("expected session cookie on first response, got headers %v", rec1.Header().Values("Set-Cookie"))
	}

	clock.now = clock.now.Add(2 * time.Minute)
	req2 := httptest.NewRequest(http.MethodGet, "/console", nil)
	req2.AddCookie(cookie)
	handler.ServeHTTP(httptest.NewRecorder(), req2)
	if len(ids) != 2 || ids[1] != ids[0] {
		t.Fatalf("expected same session id between active requests")
	}

	clock.now = clock.now.Add(15 * time.Minute)
	req3 := httptest.NewRequest(http.MethodGet, "/console", nil)
	req3.AddCookie(cookie)
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)
	if len(ids) != 3 || ids[2] == ids[1] {
		t.Fatalf("expected new session id after idle timeout")
	}
	if findCookie(rec3.Result().Cookies(), "test_session") == nil {
		t.Fatalf("expected refreshed session cookie after timeout")
	}
}

func TestSessionMiddlewareSavesBeforeBody(t *testing.T) {
	clock := &sessionTestClock{now: sessionTestNow}
	store := newSessionStoreForTest(t, clock)

	handler := Session(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := SessionFromContext(r.Context())
		sess.SelectClinic(&appsession.Clinic{ID: "c-1", Name: "Central"})
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))

	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/console")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	cookie := findCookie(resp.Cookies(), "test_session")
	if cookie == nil {
		t.Fatalf("expected session cookie on the wire")
	}
	req := httptest.NewRequest(http.MethodGet, "/console", nil)
	req.AddCookie(cookie)
	sess, err := store.Load(req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if clinic := sess.SelectedClinic(); clinic == nil || clinic.ID != "c-1" {
		t.Fatalf("expected selection to persist, got %+v", clinic)
	}
}

func TestSessionTokenStoreRoundTrip(t *testing.T) {
	store := newSessionStoreForTest(t, &sessionTestClock{now: sessionTestNow})
	sess := store.New()
	tokens := NewSessionTokenStore(sess)

	if tokens.LoadSession() != nil {
		t.Fatalf("expected no tokens in a new session")
	}

	expires := sessionTestNow.Add(time.Hour)
	tokens.SaveSession(&backend.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresAt:    expires,
		User:         backend.User{ID: "user-1", Email: "ana@example.com"},
	})

	loaded := tokens.LoadSession()
	if loaded == nil || loaded.AccessToken != "access-1" || loaded.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected session %+v", loaded)
	}
	if !loaded.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected expiry %v", loaded.ExpiresAt)
	}
	if loaded.User.Email != "ana@example.com" || sess.User().UID != "user-1" {
		t.Fatalf("expected user to be mirrored into the session")
	}

	tokens.ClearSession()
	if tokens.LoadSession() != nil || sess.User() != nil {
		t.Fatalf("expected tokens and user to be cleared")
	}
}

func TestBackendClientWritesTokensToSession(t *testing.T) {
	baas := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
			"user":          map[string]string{"id": "user-1", "email": "ana@example.com"},
		})
	}))
	defer baas.Close()

	store := newSessionStoreForTest(t, &sessionTestClock{now: sessionTestNow})
	sess := store.New()

	handler := BackendClient(newBackendService(t, baas.URL))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := BackendClientFromContext(r.Context())
		if !ok {
			t.Fatalf("expected backend client in context")
		}
		if _, err := client.SignInWithPassword(r.Context(), "ana@example.com", "secret"); err != nil {
			t.Fatalf("sign in: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/console/login", nil)
	req = req.WithContext(ContextWithSession(req.Context(), sess))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if tokens := sess.Tokens(); tokens == nil || tokens.AccessToken != "access-1" {
		t.Fatalf("expected tokens in session, got %+v", tokens)
	}
	if user := sess.User(); user == nil || user.Email != "ana@example.com" {
		t.Fatalf("expected user in session, got %+v", user)
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
