package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/dustin/go-humanize"

	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

// ChromeBrowser is a Browser backed by a chromedp-controlled Chromium process
type ChromeBrowser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	opts LaunchOptions
	log  *logger.Logger

	mu    sync.Mutex
	pages []*chromePage
}

// Launch starts a browser process. The browser lives until Close is called.
func Launch(ctx context.Context, opts LaunchOptions) (*ChromeBrowser, error) {
	log := logger.Get().WithFields(map[string]interface{}{"component": "browser"})

	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}
	for name, value := range opts.Flags {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}

	log.Debug("Launching browser", map[string]interface{}{
		"exec_path": opts.ExecPath,
		"headless":  opts.Headless,
		"proxy":     opts.ProxyServer != "",
		"flags":     len(opts.Flags),
	})

	// The allocator must not inherit a request-scoped deadline
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) { log.Debugf(format, args...) }),
		chromedp.WithErrorf(func(format string, args ...interface{}) { log.Debugf(format, args...) }),
	)

	// The first Run starts the process; it runs on the undecorated context
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &ChromeBrowser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		opts:        opts,
		log:         log,
	}, nil
}

// NewPage opens a new tab
func (b *ChromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.rootCtx)

	actions := []chromedp.Action{network.Enable()}
	if b.opts.ProxyUsername != "" {
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
		listenProxyAuth(tabCtx, b.opts.ProxyUsername, b.opts.ProxyPassword, b.log)
	}

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}

	p := &chromePage{
		ctx:     tabCtx,
		cancel:  cancel,
		timeout: b.opts.WaitTimeout,
		owner:   b,
	}

	b.mu.Lock()
	b.pages = append(b.pages, p)
	b.mu.Unlock()

	return p, nil
}

// Pages returns the open pages, oldest first
func (b *ChromeBrowser) Pages() []Page {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	return out
}

// Close closes every page and terminates the browser process
func (b *ChromeBrowser) Close() error {
	b.mu.Lock()
	pages := b.pages
	b.pages = nil
	b.mu.Unlock()

	for _, p := range pages {
		p.cancel()
	}

	err := chromedp.Cancel(b.rootCtx)
	b.rootCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

func (b *ChromeBrowser) forget(p *chromePage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, open := range b.pages {
		if open == p {
			b.pages = append(b.pages[:i], b.pages[i+1:]...)
			return
		}
	}
}

// listenProxyAuth answers proxy credential challenges. With the Fetch domain
// enabled every request is paused, so paused requests are continued as-is.
func listenProxyAuth(tabCtx context.Context, username, password string, log *logger.Logger) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				execCtx := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}
				if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(execCtx); err != nil {
					log.Warn("Failed to answer proxy authentication", map[string]interface{}{"error": err})
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				execCtx := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
				if err := fetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
					log.Debug("Failed to continue paused request", map[string]interface{}{"error": err})
				}
			}()
		}
	})
}

// chromePage is a Page backed by a chromedp tab context
type chromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	owner   *ChromeBrowser

	closeOnce sync.Once
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	// Page loads get a more generous bound than element waits
	if err := p.run(ctx, 3*p.timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, p.timeout, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read page url: %w", err)
	}
	return location, nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.timeout
	}
	if err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("waiting for %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, p.timeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) ClickAndWaitNavigation(ctx context.Context, selector string) error {
	loaded := make(chan struct{})
	var once sync.Once

	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			once.Do(func() { close(loaded) })
		}
	})

	wait := chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-loaded:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	err := p.run(ctx, 3*p.timeout,
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
		wait,
	)
	if err != nil {
		return fmt.Errorf("failed to click %q and await navigation: %w", selector, err)
	}
	return nil
}

func (p *chromePage) ScrollIntoView(ctx context.Context, selector string) error {
	if err := p.run(ctx, p.timeout, chromedp.ScrollIntoView(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to scroll to %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	err := p.run(ctx, p.timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to type into %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) SetValue(ctx context.Context, selector, value string) error {
	err := p.run(ctx, p.timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to set value of %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) SetChecked(ctx context.Context, selector string, checked bool) error {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) { return false; }
	el.checked = %t;
	return true;
})()`, quoted, checked)

	// A missing element is not an error: the control is optional on some pages
	var found bool
	if err := p.run(ctx, p.timeout, chromedp.Evaluate(script, &found)); err != nil {
		return fmt.Errorf("failed to set checked state of %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Checked(ctx context.Context, selector string) (bool, error) {
	var checked bool
	err := p.run(ctx, p.timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.JavascriptAttribute(selector, "checked", &checked, chromedp.ByQuery),
	)
	if err != nil {
		return false, fmt.Errorf("failed to read checked state of %q: %w", selector, err)
	}
	return checked, nil
}

func (p *chromePage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := p.run(ctx, p.timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to read attribute %s of %q: %w", name, selector, err)
	}
	return value, ok, nil
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := p.run(ctx, p.timeout, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read text of %q: %w", selector, err)
	}
	return text, nil
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, res interface{}) error {
	if res == nil {
		var ignored interface{}
		res = &ignored
	}
	if err := p.run(ctx, p.timeout, chromedp.Evaluate(expression, res)); err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}
	return nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, p.timeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// quality 100 produces a PNG
	if err := p.run(ctx, 3*p.timeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, p.timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		// Session cookies carry -1 and must be sent without an expiry
		if !c.Session && c.Expires > 0 {
			sec := int64(c.Expires)
			nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
			expires := cdp.TimeSinceEpoch(time.Unix(sec, nsec))
			param.Expires = &expires
		}
		params = append(params, param)
	}

	err := p.run(ctx, p.timeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (p *chromePage) ExpectResponse(ctx context.Context, prefix string) (PendingResponse, error) {
	listenCtx, stop := context.WithCancel(p.ctx)
	pending := &chromePendingResponse{
		done: make(chan struct{}),
		stop: stop,
	}

	var (
		mu        sync.Mutex
		requestID network.RequestID
		matched   *network.Response
	)

	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			mu.Lock()
			defer mu.Unlock()
			if matched == nil && ev.Response != nil && strings.HasPrefix(ev.Response.URL, prefix) {
				requestID = ev.RequestID
				matched = ev.Response
			}
		case *network.EventLoadingFinished:
			mu.Lock()
			if matched == nil || ev.RequestID != requestID {
				mu.Unlock()
				return
			}
			resp := matched
			mu.Unlock()

			// Commands must not be issued from the listener goroutine
			go func() {
				execCtx := cdp.WithExecutor(listenCtx, chromedp.FromContext(p.ctx).Target)
				body, err := network.GetResponseBody(ev.RequestID).Do(execCtx)
				pending.resolve(&Response{
					URL:    resp.URL,
					Status: int(resp.Status),
					Body:   body,
				}, err)
			}()
		}
	})

	if err := ctx.Err(); err != nil {
		stop()
		return nil, err
	}
	return pending, nil
}

func (p *chromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = chromedp.Cancel(p.ctx)
		p.cancel()
		p.owner.forget(p)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

// chromePendingResponse resolves once with the first matching response
type chromePendingResponse struct {
	once sync.Once
	done chan struct{}
	stop context.CancelFunc
	resp *Response
	err  error
}

func (r *chromePendingResponse) resolve(resp *Response, err error) {
	r.once.Do(func() {
		r.resp = resp
		r.err = err
		close(r.done)
		r.stop()
	})
}

func (r *chromePendingResponse) Wait(ctx context.Context, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", r.err)
		}
		logger.Get().Debug("Intercepted response", map[string]interface{}{
			"url":    r.resp.URL,
			"status": r.resp.Status,
			"size":   humanize.Bytes(uint64(len(r.resp.Body))),
		})
		return r.resp, nil
	case <-timer.C:
		r.stop()
		return nil, fmt.Errorf("waiting for response: %w", ErrTimeout)
	case <-ctx.Done():
		r.stop()
		return nil, ctx.Err()
	}
}
