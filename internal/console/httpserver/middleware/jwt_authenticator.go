package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenClaims mirrors the claims the auth service puts in access tokens.
type accessTokenClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 access tokens locally with the project's JWT secret.
type JWTAuthenticator struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// JWTOption customises a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithAudience requires the given aud claim.
func WithAudience(aud string) JWTOption {
	return func(a *JWTAuthenticator) {
		a.audience = strings.TrimSpace(aud)
	}
}

// WithJWTClock overrides the time used for expiry checks.
func WithJWTClock(now func() time.Time) JWTOption {
	return func(a *JWTAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewJWTAuthenticator constructs an Authenticator verifying tokens signed with secret.
func NewJWTAuthenticator(secret string, opts ...JWTOption) *JWTAuthenticator {
	if strings.TrimSpace(secret) == "" {
		panic("jwt secret is required")
	}
	a := &JWTAuthenticator{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate verifies the token signature and expiry and builds a User.
func (a *JWTAuthenticator) Authenticate(_ *http.Request, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewAuthError(ReasonMissingToken, ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	claims := &accessTokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, NewAuthError(ReasonTokenExpired, errors.Join(ErrTokenExpired, err))
		}
		return nil, NewAuthError(ReasonTokenInvalid, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, NewAuthError(ReasonTokenInvalid, errors.New("token has no subject"))
	}
	return &User{
		UID:   subject,
		Email: strings.TrimSpace(claims.Email),
		Role:  strings.TrimSpace(claims.Role),
		Token: token,
	}, nil
}
