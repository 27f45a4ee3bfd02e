// Package browsertest provides scriptable in-memory implementations of
// browser.Browser and browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
)

// Element is a fake DOM element addressed by its selector
type Element struct {
	Hidden   bool
	Value    string
	Text     string
	Checked  bool
	Checkbox bool
	Attrs    map[string]string
	// OnClick runs after the click has been recorded
	OnClick func(p *Page)
}

// Page is a fake browser.Page. Exported fields may be set before use;
// methods are safe for concurrent use.
type Page struct {
	mu sync.Mutex

	CurrentURL string
	Elements   map[string]*Element
	// Routes maps a URL to a handler run on navigation; the handler may
	// replace elements or redirect by assigning CurrentURL.
	Routes map[string]func(p *Page)
	// Responses maps an interception prefix to the response it yields
	Responses map[string]*browser.Response
	// Evaluator handles Evaluate calls; a nil result decodes as JSON null
	Evaluator func(p *Page, expression string) (interface{}, error)
	// Errors forces an operation to fail, keyed by "<op> <selector or url>"
	Errors map[string]error
	// Permissive resolves unknown selectors to new empty elements instead of timing out
	Permissive bool

	HTML           string
	ScreenshotData []byte
	Jar            []browser.Cookie

	calls  []string
	closed bool
}

// NewPage returns an empty fake page
func NewPage() *Page {
	return &Page{
		Elements:  map[string]*Element{},
		Routes:    map[string]func(p *Page){},
		Responses: map[string]*browser.Response{},
		Errors:    map[string]error{},
	}
}

// AddElement registers el under selector and returns it
func (p *Page) AddElement(selector string, el *Element) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el == nil {
		el = &Element{}
	}
	p.Elements[selector] = el
	return el
}

// Element returns the element registered under selector
func (p *Page) Element(selector string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Elements[selector]
}

// Calls returns the operations recorded so far, e.g. "click button#save"
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Closed reports whether Close was called
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) record(op, target string) error {
	p.calls = append(p.calls, strings.TrimSpace(op+" "+target))
	if err, ok := p.Errors[op+" "+target]; ok {
		return err
	}
	return nil
}

// visible returns the element or a wrapped browser.ErrTimeout
func (p *Page) visible(selector string) (*Element, error) {
	el, ok := p.Elements[selector]
	if !ok && p.Permissive {
		el = &Element{}
		p.Elements[selector] = el
		return el, nil
	}
	if !ok || el.Hidden {
		return nil, fmt.Errorf("waiting for %q: %w", selector, browser.ErrTimeout)
	}
	return el, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if err := p.record("navigate", url); err != nil {
		p.mu.Unlock()
		return err
	}
	p.CurrentURL = url
	route := p.Routes[url]
	p.mu.Unlock()

	if route != nil {
		route(p)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("wait", selector); err != nil {
		return err
	}
	_, err := p.visible(selector)
	return err
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	if err := p.record("click", selector); err != nil {
		p.mu.Unlock()
		return err
	}
	el, err := p.visible(selector)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if el.Checkbox {
		el.Checked = !el.Checked
	}
	onClick := el.OnClick
	p.mu.Unlock()

	if onClick != nil {
		onClick(p)
	}
	return nil
}

func (p *Page) ClickAndWaitNavigation(ctx context.Context, selector string) error {
	return p.Click(ctx, selector)
}

func (p *Page) ScrollIntoView(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("scroll", selector); err != nil {
		return err
	}
	_, err := p.visible(selector)
	return err
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("type", selector); err != nil {
		return err
	}
	el, err := p.visible(selector)
	if err != nil {
		return err
	}
	el.Value = text
	return nil
}

func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("set", selector); err != nil {
		return err
	}
	el, err := p.visible(selector)
	if err != nil {
		return err
	}
	el.Value = value
	return nil
}

func (p *Page) SetChecked(ctx context.Context, selector string, checked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("check", selector); err != nil {
		return err
	}
	if el, ok := p.Elements[selector]; ok {
		el.Checked = checked
	}
	return nil
}

func (p *Page) Checked(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := p.visible(selector)
	if err != nil {
		return false, err
	}
	return el.Checked, nil
}

func (p *Page) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, err := p.visible(selector)
	if err != nil {
		return "", false, err
	}
	v, ok := el.Attrs[name]
	return v, ok, nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("text", selector); err != nil {
		return "", err
	}
	el, err := p.visible(selector)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, res interface{}) error {
	p.mu.Lock()
	if err := p.record("evaluate", ""); err != nil {
		p.mu.Unlock()
		return err
	}
	evaluator := p.Evaluator
	p.mu.Unlock()

	var out interface{}
	if evaluator != nil {
		var err error
		out, err = evaluator(p, expression)
		if err != nil {
			return err
		}
	}
	if res == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, res)
}

func (p *Page) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("content", ""); err != nil {
		return "", err
	}
	return p.HTML, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("screenshot", ""); err != nil {
		return nil, err
	}
	return p.ScreenshotData, nil
}

func (p *Page) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.Jar...), nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("cookies", ""); err != nil {
		return err
	}
	p.Jar = append(p.Jar, cookies...)
	return nil
}

func (p *Page) ExpectResponse(ctx context.Context, prefix string) (browser.PendingResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("expect", prefix); err != nil {
		return nil, err
	}
	return &pendingResponse{page: p, prefix: prefix}, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type pendingResponse struct {
	page   *Page
	prefix string
}

func (r *pendingResponse) Wait(ctx context.Context, timeout time.Duration) (*browser.Response, error) {
	r.page.mu.Lock()
	defer r.page.mu.Unlock()
	resp, ok := r.page.Responses[r.prefix]
	if !ok {
		return nil, fmt.Errorf("waiting for response: %w", browser.ErrTimeout)
	}
	return resp, nil
}

// Browser is a fake browser.Browser
type Browser struct {
	mu sync.Mutex

	// Setup configures every page before NewPage returns it
	Setup func(p *Page)
	// NewPageErr makes NewPage fail
	NewPageErr error

	opened []*Page
	closed bool
}

// NewBrowser returns a fake browser whose pages are configured by setup
func NewBrowser(setup func(p *Page)) *Browser {
	return &Browser{Setup: setup}
}

func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	p := NewPage()
	if b.Setup != nil {
		b.Setup(p)
	}

	b.mu.Lock()
	b.opened = append(b.opened, p)
	b.mu.Unlock()
	return p, nil
}

func (b *Browser) Pages() []browser.Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []browser.Page
	for _, p := range b.opened {
		if !p.Closed() {
			out = append(out, p)
		}
	}
	return out
}

// Opened returns every page created so far, including closed ones
func (b *Browser) Opened() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.opened...)
}

// Closed reports whether Close was called
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, p := range b.opened {
		_ = p.Close()
	}
	return nil
}

var (
	_ browser.Page    = (*Page)(nil)
	_ browser.Browser = (*Browser)(nil)
)
