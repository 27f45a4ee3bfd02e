package kindle

import (
	"strings"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/session"
)

// SessionProfile describes the Amazon sign-in flow for the Kindle library
func SessionProfile() session.Profile {
	return session.Profile{
		Name:       "amazon",
		LandingURL: LibraryURL,
		IsAuthenticated: func(url string) bool {
			return !strings.HasPrefix(url, SignInURLPrefix)
		},
		UsernameSelector:   "input#ap_email",
		PasswordSelector:   "input#ap_password",
		RememberMeSelector: `input[name="rememberMe"]`,
		SubmitSelector:     "input#signInSubmit",
		SettleDelay:        3 * time.Second,
		MFA: &session.MFAProfile{
			URLPrefix:              MFAURLPrefix,
			CodeSelector:           "input#auth-mfa-otpcode",
			RememberDeviceSelector: "input#auth-mfa-remember-device",
			SubmitSelector:         "input#auth-signin-button",
		},
	}
}
