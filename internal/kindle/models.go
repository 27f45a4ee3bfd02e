// Package kindle reads the Kindle cloud library: the catalog of owned books
// and the reading position of each book in the web reader.
package kindle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCatalogParse is returned when a catalog page body is empty or not valid JSON
	ErrCatalogParse = errors.New("failed to parse catalog page")
	// ErrMetadataNotFound is returned when the render archive has no metadata.json entry
	ErrMetadataNotFound = errors.New("metadata not found")
	// ErrInvalidPosition is returned when the render response has a non-numeric startingPosition
	ErrInvalidPosition = errors.New("invalid starting position")
)

const (
	// LibraryURL is the authenticated landing page of the Kindle library
	LibraryURL = "https://read.amazon.co.jp/kindle-library?sortType=recency"
	// SearchURL is the paginated catalog endpoint
	SearchURL = "https://read.amazon.co.jp/kindle-library/search"
	// RenderURLPrefix matches the web reader's render service response
	RenderURLPrefix = "https://read.amazon.co.jp/renderer/render"
	// SignInURLPrefix is where an unauthenticated session is redirected
	SignInURLPrefix = "https://www.amazon.co.jp/ap/signin"
	// MFAURLPrefix is the one-time password challenge page
	MFAURLPrefix = "https://www.amazon.co.jp/ap/mfa"

	// PageSize is the number of items requested per catalog page
	PageSize = 50
)

// Book is an item of the Kindle library
type Book struct {
	ASIN             string   `json:"asin"`
	WebReaderURL     string   `json:"webReaderUrl"`
	ProductURL       string   `json:"productUrl"`
	Title            string   `json:"title"`
	PercentageRead   float64  `json:"percentageRead"`
	Authors          []string `json:"authors"`
	ResourceType     string   `json:"resourceType"`
	OriginType       string   `json:"originType"`
	MangaOrComicAsin bool     `json:"mangaOrComicAsin"`
}

// Key returns the case-insensitive identity of the book
func (b Book) Key() string {
	return strings.ToUpper(b.ASIN)
}

// StoreURL returns the Amazon product page of the book
func (b Book) StoreURL() string {
	return fmt.Sprintf("https://www.amazon.co.jp/dp/%s/", b.ASIN)
}

// searchResponse is one page of the catalog endpoint
type searchResponse struct {
	ItemsList       []Book `json:"itemsList"`
	PaginationToken string `json:"paginationToken"`
	LibraryType     string `json:"libraryType"`
	SortType        string `json:"sortType"`
}

// RenderMetadata is the metadata.json entry of a render archive
type RenderMetadata struct {
	BookTitle            string   `json:"bookTitle"`
	Lang                 string   `json:"lang"`
	Authors              []string `json:"authors"`
	FirstPositionID      *int64   `json:"firstPositionId,omitempty"`
	LastPositionID       int64    `json:"lastPositionId"`
	CoverPosition        int64    `json:"coverPosition"`
	WritingMode          string   `json:"writingMode"`
	Direction            string   `json:"direction"`
	ProgressionDirection string   `json:"progressionDirection"`
}
