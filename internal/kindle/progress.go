package kindle

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/util"
)

// DefaultRenderTimeout bounds the wait for the render service response
const DefaultRenderTimeout = 30 * time.Second

// Progress computes how far a book has been read in the web reader
type Progress struct {
	browser browser.Browser
	pacer   *util.Pacer
	timeout time.Duration
	log     *logger.Logger
}

// NewProgress creates a progress extractor opening reader pages in b
func NewProgress(b browser.Browser, pacer *util.Pacer, timeout time.Duration) *Progress {
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}
	return &Progress{
		browser: b,
		pacer:   pacer,
		timeout: timeout,
		log:     logger.Get().WithFields(map[string]interface{}{"component": "kindle-progress"}),
	}
}

// PercentageRead opens the book in the web reader, intercepts the render
// response and converts its position counters into a completion percentage.
// The result may be non-finite; see IsKnownPercentage.
func (p *Progress) PercentageRead(ctx context.Context, book Book) (float64, error) {
	if book.WebReaderURL == "" {
		return 0, fmt.Errorf("book %s has no reader url", book.ASIN)
	}

	page, err := p.browser.NewPage(ctx)
	if err != nil {
		return 0, err
	}
	defer page.Close()

	pending, err := page.ExpectResponse(ctx, RenderURLPrefix)
	if err != nil {
		return 0, err
	}

	if err := p.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	if err := page.Navigate(ctx, book.WebReaderURL); err != nil {
		// The reader keeps streaming after the render response; only the response matters
		p.log.Debug("Reader navigation did not complete", map[string]interface{}{
			"asin":  book.ASIN,
			"error": err,
		})
	}

	resp, err := pending.Wait(ctx, p.timeout)
	if err != nil {
		return 0, fmt.Errorf("no render response for %s: %w", book.ASIN, err)
	}

	starting, err := startingPosition(resp.URL)
	if err != nil {
		return 0, err
	}

	meta, err := ReadRenderMetadata(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("book %s: %w", book.ASIN, err)
	}

	pct := Percentage(meta.FirstPositionID, starting, meta.LastPositionID)
	p.log.Debug("Computed reading progress", map[string]interface{}{
		"asin":        book.ASIN,
		"title":       meta.BookTitle,
		"starting":    starting,
		"last":        meta.LastPositionID,
		"percentage":  pct,
		"archiveSize": humanize.Bytes(uint64(len(resp.Body))),
	})
	return pct, nil
}

// startingPosition reads the startingPosition query parameter of the render URL
func startingPosition(rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	value := u.Query().Get("startingPosition")
	position, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPosition, value)
	}
	return position, nil
}

// Percentage converts reader positions into a completion percentage.
// The ratio is truncated to three decimals before it is scaled to 100,
// matching the reader's own rounding. A missing first position counts as 0.
func Percentage(firstPositionID *int64, startingPosition, lastPositionID int64) float64 {
	var first int64
	if firstPositionID != nil {
		first = *firstPositionID
	}
	ratio := float64(first+startingPosition) / float64(lastPositionID)
	return math.Floor(ratio*1000) / 1000 * 100
}

// IsKnownPercentage reports whether pct is a usable completion value
func IsKnownPercentage(pct float64) bool {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return false
	}
	return pct >= 0 && pct <= 100
}
