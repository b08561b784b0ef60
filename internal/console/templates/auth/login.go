// Package auth renders the login screen.
package auth

import "finitefield.org/clinic-console/internal/console/bootstrap"

const loginTitle = "Iniciar sessão"

func buttonLabel(data LoginPageData) string {
	if data.ButtonLabel != "" {
		return data.ButtonLabel
	}
	return bootstrap.ButtonLabel(data.Busy)
}
