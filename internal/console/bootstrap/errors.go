package bootstrap

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"finitefield.org/clinic-console/internal/console/backend"
)

// Category is the user-facing class of a sign-in failure.
type Category string

const (
	CategoryInvalidCredentials Category = "invalid_credentials"
	CategoryRateLimited        Category = "rate_limited"
	CategoryConnectivity       Category = "connectivity"
	CategoryGeneric            Category = "failed"
)

var (
	invalidCredentialPhrases = []string{"invalid login credentials"}
	rateLimitPhrases         = []string{"rate limit", "too many requests"}
	connectivityPhrases      = []string{"failed to fetch", "network", "fetch failed"}
)

// Classify places a sign-in failure into one of the four categories. Rules are
// evaluated in order and the first match wins.
func Classify(err error) Category {
	status := backend.StatusCode(err)
	message := strings.ToLower(backend.Message(err))

	switch {
	case status == http.StatusBadRequest || containsAny(message, invalidCredentialPhrases):
		return CategoryInvalidCredentials
	case status == http.StatusTooManyRequests || containsAny(message, rateLimitPhrases):
		return CategoryRateLimited
	case containsAny(message, connectivityPhrases) || isTransportError(err):
		return CategoryConnectivity
	default:
		return CategoryGeneric
	}
}

// MapAuthError converts a sign-in failure into the message shown to the user.
func MapAuthError(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case CategoryInvalidCredentials:
		return MessageInvalidCredentials
	case CategoryRateLimited:
		return MessageRateLimited
	case CategoryConnectivity:
		return MessageConnectivity
	default:
		return MessageGenericPrefix + backend.Message(err)
	}
}

func containsAny(message string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
