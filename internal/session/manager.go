// Package session bootstraps authenticated browser sessions: it restores
// persisted cookies, falls back to interactive login with an optional
// one-time-password challenge, and persists the resulting cookies.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/util"
)

var (
	// ErrAuthentication is returned when a required login element does not appear
	ErrAuthentication = errors.New("authentication failed")
	// ErrSessionStale is returned when an authenticated page redirects back to sign-in
	ErrSessionStale = errors.New("session is stale")
)

// Profile describes how to authenticate against one service
type Profile struct {
	Name       string
	LandingURL string
	// IsAuthenticated inspects the URL reached after navigating to LandingURL
	IsAuthenticated func(url string) bool

	UsernameSelector   string
	PasswordSelector   string
	RememberMeSelector string
	SubmitSelector     string

	// AwaitNavigation waits for the page load triggered by submit;
	// otherwise the flow settles for SettleDelay.
	AwaitNavigation bool
	SettleDelay     time.Duration

	MFA *MFAProfile
}

// MFAProfile describes the one-time-password challenge form
type MFAProfile struct {
	URLPrefix              string
	CodeSelector           string
	RememberDeviceSelector string
	SubmitSelector         string
}

// Credentials for one service
type Credentials struct {
	Username  string
	Password  string
	OTPSecret string
}

// Options controls a Manager
type Options struct {
	// IgnoreSnapshot forces an interactive login even when cookies are stored
	IgnoreSnapshot bool
	WaitTimeout    time.Duration
}

// Manager logs a page into one service
type Manager struct {
	profile Profile
	creds   Credentials
	store   *Store
	opts    Options
	log     *logger.Logger
	now     func() time.Time
}

// NewManager creates a session manager for profile
func NewManager(profile Profile, creds Credentials, store *Store, opts Options) *Manager {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = browser.DefaultWaitTimeout
	}
	return &Manager{
		profile: profile,
		creds:   creds,
		store:   store,
		opts:    opts,
		log: logger.Get().WithFields(map[string]interface{}{
			"component": "session",
			"service":   profile.Name,
		}),
		now: time.Now,
	}
}

// Login authenticates page. It restores the cookie snapshot when allowed,
// signs in interactively when the landing page is not reached, and always
// persists the page's cookies on success. It does not retry.
func (m *Manager) Login(ctx context.Context, page browser.Page) error {
	m.log.Info("Logging in")

	if !m.opts.IgnoreSnapshot {
		cookies, found, err := m.store.Load()
		if err != nil {
			// A corrupt snapshot only costs an interactive login
			m.log.Warn("Ignoring unreadable cookie snapshot", map[string]interface{}{
				"path":  m.store.Path(),
				"error": err,
			})
		} else if found {
			if err := page.SetCookies(ctx, cookies); err != nil {
				return fmt.Errorf("failed to restore %s cookies: %w", m.profile.Name, err)
			}
			m.log.Debug("Restored cookie snapshot", map[string]interface{}{"cookies": len(cookies)})
		}
	}

	if err := page.Navigate(ctx, m.profile.LandingURL); err != nil {
		// The landing page may keep loading after a redirect; the URL check decides
		m.log.Warn("Landing page navigation did not complete", map[string]interface{}{"error": err})
	}

	current, err := page.URL(ctx)
	if err != nil {
		return err
	}

	if !m.opts.IgnoreSnapshot && m.profile.IsAuthenticated(current) {
		m.log.Info("Session already authenticated", map[string]interface{}{"url": current})
		return m.persist(ctx, page)
	}

	if err := m.signIn(ctx, page); err != nil {
		return err
	}

	if m.profile.MFA != nil && m.creds.OTPSecret != "" {
		current, err := page.URL(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(current, m.profile.MFA.URLPrefix) {
			if err := m.answerChallenge(ctx, page); err != nil {
				return err
			}
		}
	}

	m.log.Info("Logged in")
	return m.persist(ctx, page)
}

func (m *Manager) signIn(ctx context.Context, page browser.Page) error {
	p := m.profile

	for _, field := range []struct {
		selector string
		value    string
	}{
		{p.UsernameSelector, m.creds.Username},
		{p.PasswordSelector, m.creds.Password},
	} {
		if err := page.WaitVisible(ctx, field.selector, m.opts.WaitTimeout); err != nil {
			return m.authError(err)
		}
		if err := page.Type(ctx, field.selector, field.value); err != nil {
			return m.authError(err)
		}
	}

	if p.RememberMeSelector != "" {
		if err := page.SetChecked(ctx, p.RememberMeSelector, true); err != nil {
			return m.authError(err)
		}
	}

	if err := page.WaitVisible(ctx, p.SubmitSelector, m.opts.WaitTimeout); err != nil {
		return m.authError(err)
	}

	if p.AwaitNavigation {
		if err := page.ClickAndWaitNavigation(ctx, p.SubmitSelector); err != nil {
			return m.authError(err)
		}
		return nil
	}

	if err := page.Click(ctx, p.SubmitSelector); err != nil {
		return m.authError(err)
	}
	return util.Sleep(ctx, p.SettleDelay)
}

func (m *Manager) answerChallenge(ctx context.Context, page browser.Page) error {
	mfa := m.profile.MFA
	m.log.Info("Answering one-time password challenge")

	code, err := GenerateCode(m.creds.OTPSecret, m.now())
	if err != nil {
		return err
	}

	if err := page.WaitVisible(ctx, mfa.CodeSelector, m.opts.WaitTimeout); err != nil {
		return m.authError(err)
	}
	if err := page.Type(ctx, mfa.CodeSelector, code); err != nil {
		return m.authError(err)
	}
	if mfa.RememberDeviceSelector != "" {
		if err := page.SetChecked(ctx, mfa.RememberDeviceSelector, true); err != nil {
			return m.authError(err)
		}
	}
	if err := page.WaitVisible(ctx, mfa.SubmitSelector, m.opts.WaitTimeout); err != nil {
		return m.authError(err)
	}
	if err := page.ClickAndWaitNavigation(ctx, mfa.SubmitSelector); err != nil {
		return m.authError(err)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, page browser.Page) error {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return err
	}
	if err := m.store.Save(cookies); err != nil {
		return err
	}
	m.log.Debug("Saved cookie snapshot", map[string]interface{}{
		"path":    m.store.Path(),
		"cookies": len(cookies),
	})
	return nil
}

// authError marks err as an authentication failure; cancellation passes through
func (m *Manager) authError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrAuthentication, m.profile.Name, err)
}

// CheckStale returns ErrSessionStale when url is the sign-in page of profile
func CheckStale(profile Profile, url string) error {
	if profile.IsAuthenticated(url) {
		return nil
	}
	return fmt.Errorf("%w: %s redirected to %s", ErrSessionStale, profile.Name, url)
}
