package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// expiryMargin is how early an access token is treated as expired.
const expiryMargin = 10 * time.Second

// HTTPClient matches the subset of http.Client used by the backend service.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// RequestObserver receives per-call telemetry.
type RequestObserver interface {
	ObserveBackendRequest(operation string, status int, seconds float64)
}

// Config configures the shared backend service.
type Config struct {
	URL        string
	AnonKey    string
	HTTPClient HTTPClient
	Observer   RequestObserver
	Now        func() time.Time
}

// Service holds the transport shared by every per-session Client.
type Service struct {
	base     *url.URL
	anonKey  string
	client   HTTPClient
	observer RequestObserver
	now      func() time.Time
}

// NewService validates cfg and constructs the shared service.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("backend: URL is required")
	}
	if strings.TrimSpace(cfg.AnonKey) == "" {
		return nil, errors.New("backend: anon key is required")
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.URL), "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("backend: parse URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("backend: URL %q must be absolute", cfg.URL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		base:     parsed,
		anonKey:  strings.TrimSpace(cfg.AnonKey),
		client:   client,
		observer: cfg.Observer,
		now:      now,
	}, nil
}

// Client binds the service to a token store. One client is built per page load.
func (s *Service) Client(store TokenStore) *Client {
	if store == nil {
		store = &MemoryTokenStore{}
	}
	return &Client{svc: s, store: store}
}

// GetUser resolves an access token into the user it was issued to.
func (s *Service) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "missing access token"}
	}
	req, err := s.newRequest(ctx, http.MethodGet, "auth/v1/user", nil, nil, accessToken)
	if err != nil {
		return nil, err
	}
	var user User
	if err := s.doJSON(req, "get_user", &user, http.StatusOK); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, token string) (*http.Request, error) {
	ref := &url.URL{Path: strings.TrimPrefix(endpoint, "/")}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	if token == "" {
		token = s.anonKey
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (s *Service) newJSONRequest(ctx context.Context, method, endpoint string, query url.Values, payload any, token string) (*http.Request, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("backend: encode payload: %w", err)
	}
	req, err := s.newRequest(ctx, method, endpoint, query, &buf, token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do executes req and converts transport failures and non-accepted statuses into *Error.
func (s *Service) do(req *http.Request, operation string, accepted ...int) (*http.Response, error) {
	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.observe(operation, 0, start)
		return nil, transportError(err)
	}
	s.observe(operation, resp.StatusCode, start)

	for _, status := range accepted {
		if resp.StatusCode == status {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, errorFromResponse(resp)
}

func (s *Service) doJSON(req *http.Request, operation string, out any, accepted ...int) error {
	resp, err := s.do(req, operation, accepted...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", operation, err)
	}
	return nil
}

func (s *Service) observe(operation string, status int, start time.Time) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveBackendRequest(operation, status, s.now().Sub(start).Seconds())
}

// Client is the per-session view of the backend: auth calls, auth state
// notifications and data access with the session's access token.
type Client struct {
	svc       *Service
	store     TokenStore
	listeners listenerRegistry
	refreshMu sync.Mutex
}

// OnAuthStateChange registers fn for auth state changes until the returned
// subscription is cancelled.
func (c *Client) OnAuthStateChange(fn AuthListener) Subscription {
	if fn == nil {
		fn = func(AuthEvent, *Session) {}
	}
	return c.listeners.add(fn)
}
