package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// GenerateCode returns the 6-digit TOTP code (30 second step) for secret at t.
// Spaces in the secret are ignored, as authenticator apps display it grouped.
func GenerateCode(secret string, t time.Time) (string, error) {
	secret = strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	if secret == "" {
		return "", fmt.Errorf("empty one-time password secret")
	}

	code, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate one-time password: %w", err)
	}
	return code, nil
}
