package kindle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/session"
	"github.com/drallgood/kindle-booklog-sync/internal/util"
)

const (
	scrollStep     = 400
	scrollMaxSteps = 50

	// DefaultScrollDelay is the pause after each scroll step
	DefaultScrollDelay = 250 * time.Millisecond

	coverSelector = "ul#cover > li > div[data-asin]"
)

// Catalog reads the library through an authenticated page
type Catalog struct {
	page        browser.Page
	pacer       *util.Pacer
	scrollDelay time.Duration
	log         *logger.Logger
}

// NewCatalog creates a catalog reader on page. pacer may be nil.
func NewCatalog(page browser.Page, pacer *util.Pacer) *Catalog {
	return &Catalog{
		page:        page,
		pacer:       pacer,
		scrollDelay: DefaultScrollDelay,
		log:         logger.Get().WithFields(map[string]interface{}{"component": "kindle-catalog"}),
	}
}

// WithScrollDelay sets the pause after each scroll step of ScrollBooks
func (c *Catalog) WithScrollDelay(d time.Duration) *Catalog {
	c.scrollDelay = d
	return c
}

// SearchPageURL returns the catalog endpoint for a pagination token
func SearchPageURL(token string) string {
	return fmt.Sprintf("%s?query=&libraryType=BOOKS&paginationToken=%s&sortType=recency&querySize=%d",
		SearchURL, url.QueryEscape(token), PageSize)
}

// Books fetches every catalog page starting from token "0" and returns the
// items in page order. It stops when a page carries no continuation token.
func (c *Catalog) Books(ctx context.Context) ([]Book, error) {
	var books []Book
	token := "0"

	for page := 1; ; page++ {
		resp, err := c.fetchPage(ctx, token)
		if err != nil {
			return nil, err
		}

		books = append(books, resp.ItemsList...)
		c.log.Debug("Fetched catalog page", map[string]interface{}{
			"page":  page,
			"items": len(resp.ItemsList),
			"total": len(books),
		})

		if resp.PaginationToken == "" {
			break
		}
		token = resp.PaginationToken
	}

	c.log.Info("Read Kindle catalog", map[string]interface{}{"books": len(books)})
	return books, nil
}

func (c *Catalog) fetchPage(ctx context.Context, token string) (*searchResponse, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	pageURL := SearchPageURL(token)
	if err := c.page.Navigate(ctx, pageURL); err != nil {
		return nil, err
	}
	if err := c.checkSession(ctx); err != nil {
		return nil, err
	}

	body, err := c.page.Text(ctx, "body")
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog page %q: %w", token, err)
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty body for token %q", ErrCatalogParse, token)
	}

	var resp searchResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("%w: token %q: %v", ErrCatalogParse, token, err)
	}
	return &resp, nil
}

// ScrollBooks loads the library page, scrolls it to expand the lazy list and
// scrapes the book identifiers. Only ASIN and URLs are known for these books.
func (c *Catalog) ScrollBooks(ctx context.Context) ([]Book, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.page.Navigate(ctx, LibraryURL); err != nil {
		// The library page keeps loading covers; scrolling works regardless
		c.log.Warn("Library page navigation did not complete", map[string]interface{}{"error": err})
	}
	if err := c.checkSession(ctx); err != nil {
		return nil, err
	}

	steps, err := c.scrollToBottom(ctx)
	if err != nil {
		return nil, err
	}

	html, err := c.page.Content(ctx)
	if err != nil {
		return nil, err
	}

	asins, err := scrapeASINs(html)
	if err != nil {
		return nil, err
	}

	books := make([]Book, 0, len(asins))
	for _, asin := range asins {
		book := Book{
			ASIN:         asin,
			WebReaderURL: "https://read.amazon.co.jp/?asin=" + asin,
		}
		book.ProductURL = book.StoreURL()
		books = append(books, book)
	}

	c.log.Info("Read Kindle catalog by scrolling", map[string]interface{}{
		"books":   len(books),
		"scrolls": steps,
	})
	return books, nil
}

// scrollToBottom scrolls in fixed steps until the page bottom or the step limit
func (c *Catalog) scrollToBottom(ctx context.Context) (int, error) {
	script := fmt.Sprintf(`(() => {
	window.scrollBy(0, %d);
	const root = document.scrollingElement || document.documentElement;
	return Math.ceil(window.innerHeight + window.scrollY) >= root.scrollHeight;
})()`, scrollStep)

	for step := 1; step <= scrollMaxSteps; step++ {
		var atBottom bool
		if err := c.page.Evaluate(ctx, script, &atBottom); err != nil {
			return step, err
		}
		if err := util.Sleep(ctx, c.scrollDelay); err != nil {
			return step, err
		}
		if atBottom {
			return step, nil
		}
	}
	return scrollMaxSteps, nil
}

func (c *Catalog) checkSession(ctx context.Context) error {
	current, err := c.page.URL(ctx)
	if err != nil {
		return err
	}
	return session.CheckStale(SessionProfile(), current)
}

// scrapeASINs returns the data-asin values of the library covers, deduplicated in order
func scrapeASINs(html string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse library page: %w", err)
	}

	seen := make(map[string]struct{})
	var asins []string
	doc.Find(coverSelector).Each(func(_ int, s *goquery.Selection) {
		asin := strings.TrimSpace(s.AttrOr("data-asin", ""))
		if asin == "" {
			return
		}
		if _, ok := seen[strings.ToUpper(asin)]; ok {
			return
		}
		seen[strings.ToUpper(asin)] = struct{}{}
		asins = append(asins, asin)
	})
	return asins, nil
}
