package booklog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/session"
	"github.com/drallgood/kindle-booklog-sync/internal/util"
)

const (
	selExport    = "a#execExport"
	selAddButton = "button#item-add-button"

	addButtonTimeout = 3 * time.Second
)

// Shelf operates on the signed-in user's bookshelf. Each operation opens its
// own page in the browser and closes it on success. A page that failed stays
// open for diagnostics until the browser closes.
type Shelf struct {
	browser browser.Browser
	client  *http.Client
	pacer   *util.Pacer
	settle  time.Duration
	log     *logger.Logger
}

// NewShelf creates a shelf client. client downloads the export; nil uses a default client.
func NewShelf(b browser.Browser, client *http.Client, pacer *util.Pacer) *Shelf {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Shelf{
		browser: b,
		client:  client,
		pacer:   pacer,
		settle:  DefaultSettleDelay,
		log:     logger.Get().WithFields(map[string]interface{}{"component": "booklog-shelf"}),
	}
}

// WithSettleDelay sets the pause before an edit form is saved
func (s *Shelf) WithSettleDelay(d time.Duration) *Shelf {
	s.settle = d
	return s
}

// Books downloads and parses the shelf export
func (s *Shelf) Books(ctx context.Context) (_ []Book, err error) {
	page, err := s.open(ctx, ExportURL)
	if err != nil {
		return nil, err
	}
	defer closeOnSuccess(page, &err)

	if err := page.WaitVisible(ctx, selExport, 0); err != nil {
		return nil, fmt.Errorf("export link not found: %w", err)
	}
	href, ok, err := page.Attribute(ctx, selExport, "href")
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(href) == "" {
		return nil, fmt.Errorf("export link has no url")
	}

	exportURL, err := resolve(ExportURL, href)
	if err != nil {
		return nil, err
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, err
	}

	books, err := s.download(ctx, exportURL, cookies)
	if err != nil {
		return nil, err
	}

	s.log.Info("Read Booklog shelf", map[string]interface{}{"books": len(books)})
	return books, nil
}

func (s *Shelf) download(ctx context.Context, exportURL string, cookies []browser.Cookie) ([]Book, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exportURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create export request: %w", err)
	}

	host := req.URL.Hostname()
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" || host == domain || strings.HasSuffix(host, "."+domain) {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("export download returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	counter := &countingReader{r: resp.Body}
	books, err := ParseExport(counter)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Downloaded shelf export", map[string]interface{}{
		"size": humanize.Bytes(uint64(counter.n)),
	})
	return books, nil
}

// Add puts itemID on the shelf. The add button is absent when the item is
// already shelved; that is not an error.
func (s *Shelf) Add(ctx context.Context, itemID string) (err error) {
	page, err := s.open(ctx, EditURL(itemID))
	if err != nil {
		return err
	}
	defer closeOnSuccess(page, &err)

	if err := page.WaitVisible(ctx, selAddButton, addButtonTimeout); err != nil {
		if errors.Is(err, browser.ErrTimeout) {
			s.log.Debug("No add button, item already shelved", map[string]interface{}{"item_id": itemID})
			return nil
		}
		return err
	}

	if err := page.ClickAndWaitNavigation(ctx, selAddButton); err != nil {
		return fmt.Errorf("failed to add %s: %w", itemID, err)
	}

	s.log.Info("Added book to shelf", map[string]interface{}{"item_id": itemID})
	return nil
}

// Update applies edit to the shelf record of itemID
func (s *Shelf) Update(ctx context.Context, itemID string, edit Edit) (err error) {
	page, err := s.open(ctx, EditURL(itemID))
	if err != nil {
		return err
	}
	defer closeOnSuccess(page, &err)

	editor := NewEditor(page, itemID)
	editor.settle = s.settle
	if err := editor.Apply(ctx, edit); err != nil {
		return fmt.Errorf("failed to update %s: %w", itemID, err)
	}
	return nil
}

// open opens a new page at pageURL; the caller closes it. A page that could
// not reach pageURL, or landed on the sign-in page, is left open.
func (s *Shelf) open(ctx context.Context, pageURL string) (browser.Page, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	page, err := s.browser.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}

	current, err := page.URL(ctx)
	if err == nil {
		err = session.CheckStale(SessionProfile(), current)
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func closeOnSuccess(page browser.Page, err *error) {
	if *err == nil {
		page.Close()
	}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid export url %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
