// Package browser defines the web-session capability the sync engine drives,
// along with a chromedp-backed implementation.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrTimeout is returned when a bounded wait expires before its condition is met
var ErrTimeout = errors.New("browser: wait timed out")

// DefaultWaitTimeout bounds element waits that do not specify their own timeout
const DefaultWaitTimeout = 10 * time.Second

// Cookie is a session cookie in the JSON shape of the persisted snapshot files
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Response is an intercepted network response
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// PendingResponse is an armed response interceptor
type PendingResponse interface {
	// Wait blocks until a matching response has been fully received or timeout expires
	Wait(ctx context.Context, timeout time.Duration) (*Response, error)
}

// Page is a single browsing context (a tab).
// Selector arguments are CSS selectors. Element operations wait for the
// element to become visible, bounded by the page's default wait timeout.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)

	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	// ClickAndWaitNavigation clicks selector and waits for the resulting page load
	ClickAndWaitNavigation(ctx context.Context, selector string) error
	ScrollIntoView(ctx context.Context, selector string) error
	// Type clears the field and then types text into it
	Type(ctx context.Context, selector, text string) error
	// SetValue assigns the value property without emitting key events
	SetValue(ctx context.Context, selector, value string) error
	// SetChecked assigns the checked property of a checkbox via script
	SetChecked(ctx context.Context, selector string, checked bool) error
	Checked(ctx context.Context, selector string) (bool, error)
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	Text(ctx context.Context, selector string) (string, error)

	// Evaluate runs a script expression and decodes its result into res (may be nil)
	Evaluate(ctx context.Context, expression string, res interface{}) error
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error

	// ExpectResponse arms an interceptor for the first response whose URL has prefix.
	// It must be called before the navigation that triggers the response.
	ExpectResponse(ctx context.Context, prefix string) (PendingResponse, error)

	Close() error
}

// Browser owns the pages it opened
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Pages returns the pages that are still open, oldest first
	Pages() []Page
	Close() error
}

// LaunchOptions configures the browser process
type LaunchOptions struct {
	ExecPath     string
	Headless     bool
	UserDataDir  string
	WindowWidth  int
	WindowHeight int
	// Flags are extra command-line switches, keyed without the leading dashes
	Flags map[string]interface{}

	ProxyServer   string
	ProxyUsername string
	ProxyPassword string

	WaitTimeout time.Duration
}

// DefaultFlags are the command-line switches used for container deployments
func DefaultFlags() map[string]interface{} {
	return map[string]interface{}{
		"no-sandbox":                    true,
		"disable-setuid-sandbox":        true,
		"disable-dev-shm-usage":         true,
		"disable-accelerated-2d-canvas": true,
		"no-first-run":                  true,
		"no-zygote":                     true,
		"disable-gpu":                   true,
	}
}

// ApplyPassthrough merges raw launch options from the configuration file.
// executablePath, headless, userDataDir and args are understood; any other
// scalar key is passed to the browser as a command-line switch.
func (o *LaunchOptions) ApplyPassthrough(raw map[string]interface{}) error {
	if o.Flags == nil {
		o.Flags = map[string]interface{}{}
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch key {
		case "executablePath":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("puppeteer.executablePath must be a string, got %T", value)
			}
			o.ExecPath = s
		case "userDataDir":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("puppeteer.userDataDir must be a string, got %T", value)
			}
			o.UserDataDir = s
		case "headless":
			switch v := value.(type) {
			case bool:
				o.Headless = v
			case string:
				// "new" and "shell" select headless modes
				o.Headless = v != "" && v != "false"
			default:
				return fmt.Errorf("puppeteer.headless must be a bool or string, got %T", value)
			}
		case "args":
			args, ok := value.([]interface{})
			if !ok {
				return fmt.Errorf("puppeteer.args must be a list, got %T", value)
			}
			for _, a := range args {
				s, ok := a.(string)
				if !ok {
					return fmt.Errorf("puppeteer.args entries must be strings, got %T", a)
				}
				name, flagValue := parseArg(s)
				if name != "" {
					o.Flags[name] = flagValue
				}
			}
		default:
			switch value.(type) {
			case bool, string, int, int64, float64:
				o.Flags[key] = value
			}
		}
	}
	return nil
}

// parseArg splits "--name=value" into its parts; a bare switch maps to true
func parseArg(arg string) (string, interface{}) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}
