package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// GetSession returns the stored session, renewing it first when the access
// token is about to expire. A nil session with a nil error means signed out.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	sess := c.store.LoadSession()
	if !sess.Valid() {
		return nil, nil
	}
	if !sess.ExpiresWithin(c.svc.now(), expiryMargin) {
		return sess, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	sess = c.store.LoadSession()
	if !sess.Valid() {
		return nil, nil
	}
	if !sess.ExpiresWithin(c.svc.now(), expiryMargin) {
		return sess, nil
	}
	if strings.TrimSpace(sess.RefreshToken) == "" {
		c.store.ClearSession()
		c.listeners.emit(EventSignedOut, nil)
		return nil, nil
	}

	refreshed, err := c.refresh(ctx, sess.RefreshToken)
	if err != nil {
		// Only a rejected refresh token ends the session.
		if IsRejected(err) {
			c.store.ClearSession()
			c.listeners.emit(EventSignedOut, nil)
		}
		return nil, err
	}
	c.store.SaveSession(refreshed)
	c.listeners.emit(EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// SignInWithPassword exchanges credentials for a session, stores it and
// notifies listeners with SIGNED_IN.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	sess, err := c.grant(ctx, "password", body, "sign_in")
	if err != nil {
		return nil, err
	}
	c.store.SaveSession(sess)
	c.listeners.emit(EventSignedIn, sess)
	return sess, nil
}

// SignOut revokes the session server-side and always clears it locally.
func (c *Client) SignOut(ctx context.Context) error {
	sess := c.store.LoadSession()
	c.store.ClearSession()
	defer c.listeners.emit(EventSignedOut, nil)

	if !sess.Valid() {
		return nil
	}
	req, err := c.svc.newRequest(ctx, http.MethodPost, "auth/v1/logout", nil, nil, sess.AccessToken)
	if err != nil {
		return err
	}
	resp, err := c.svc.do(req, "sign_out", http.StatusNoContent, http.StatusOK)
	if err != nil {
		// The token is already unusable in these cases.
		switch StatusCode(err) {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	return c.grant(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken}, "refresh")
}

func (c *Client) grant(ctx context.Context, grantType string, body map[string]string, operation string) (*Session, error) {
	query := url.Values{}
	query.Set("grant_type", grantType)
	req, err := c.svc.newJSONRequest(ctx, http.MethodPost, "auth/v1/token", query, body, "")
	if err != nil {
		return nil, err
	}
	var payload tokenResponse
	if err := c.svc.doJSON(req, operation, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return nil, &Error{Status: http.StatusBadGateway, Message: "auth response did not include an access token"}
	}
	return payload.session(c.svc.now()), nil
}

// accessToken returns the current access token, refreshing when needed.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	sess, err := c.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if !sess.Valid() {
		return "", ErrNotAuthenticated
	}
	return sess.AccessToken, nil
}
