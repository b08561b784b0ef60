// Package layout renders the page shell shared by every console screen.
package layout

//go:generate go run github.com/a-h/templ/cmd/templ@v0.3.960 generate -path ..

import (
	"context"

	"github.com/a-h/templ"

	"finitefield.org/clinic-console/internal/console/httpserver/middleware"
	"finitefield.org/clinic-console/internal/console/templates/helpers"
)

const appName = "Clinic Console"

// Title appends the application name to a page title.
func Title(page string) string {
	if page == "" {
		return appName
	}
	return page + " | " + appName
}

// csrfHeaders is sent by htmx on every request issued from the page.
func csrfHeaders(ctx context.Context) map[string]string {
	return map[string]string{"X-CSRF-Token": middleware.CSRFTokenFromContext(ctx)}
}

func logoutPath(ctx context.Context) string {
	return helpers.JoinPath(middleware.BasePathFromContext(ctx), "logout")
}

// alertAttrs marks the region with marker. Styling attributes are only set
// when there is text to show.
func alertAttrs(kind, text, marker string) templ.Attributes {
	attrs := templ.Attributes{}
	if marker != "" {
		attrs[marker] = true
	}
	if text != "" {
		attrs["class"] = helpers.AlertClass(kind)
		attrs["data-kind"] = kind
	}
	return attrs
}
