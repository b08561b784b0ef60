package helpers

import (
	"strings"
	"time"
)

// Date formats the timestamp in the provided layout (defaults to 2006-01-02 15:04).
func Date(ts time.Time, layout string) string {
	if ts.IsZero() {
		return ""
	}
	if layout == "" {
		layout = "2006-01-02 15:04"
	}
	return ts.In(time.Local).Format(layout)
}

// BirthDate renders an optional YYYY-MM-DD value, falling back to "-".
func BirthDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts.Format("02/01/2006")
	}
	return value
}

// AlertClass maps message kinds (info, success, error) to CSS classes.
func AlertClass(kind string) string {
	switch kind {
	case "success":
		return "alert alert-success"
	case "error":
		return "alert alert-error"
	default:
		return "alert alert-info"
	}
}

// EnvironmentBadge returns the short label rendered in the top bar.
func EnvironmentBadge(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return "PRD"
	case "staging", "stg":
		return "STG"
	case "":
		return "DEV"
	default:
		upper := strings.ToUpper(strings.TrimSpace(env))
		if len(upper) > 3 {
			upper = upper[:3]
		}
		return upper
	}
}

// JoinPath joins a base path with a child segment without doubling slashes.
func JoinPath(base, child string) string {
	base = strings.TrimRight(base, "/")
	child = strings.TrimLeft(child, "/")
	if child == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + "/" + child
}
