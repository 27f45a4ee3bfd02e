package booklog

import (
	"strings"

	"github.com/drallgood/kindle-booklog-sync/internal/session"
)

// SessionProfile describes the Booklog sign-in flow. A signed-in session is
// redirected away from the login page.
func SessionProfile() session.Profile {
	return session.Profile{
		Name:       "booklog",
		LandingURL: LoginURL,
		IsAuthenticated: func(url string) bool {
			return !strings.HasPrefix(url, LoginURL)
		},
		UsernameSelector: "input#account",
		PasswordSelector: "input#password",
		SubmitSelector:   `button[type="submit"]`,
		AwaitNavigation:  true,
	}
}
