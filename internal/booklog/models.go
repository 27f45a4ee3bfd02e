// Package booklog drives the Booklog bookshelf: it reads the shelf export,
// adds books and edits shelf records through the edit form.
package booklog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned when an edit value is rejected before it reaches the page
	ErrValidation = errors.New("validation failed")
	// ErrNotImplemented is returned for edit fields the form automation does not support
	ErrNotImplemented = errors.New("not implemented")
)

const (
	// LoginURL is the sign-in page; it doubles as the landing page of the session
	LoginURL = "https://booklog.jp/login"
	// ExportURL is the shelf export page
	ExportURL = "https://booklog.jp/export"
	// EditURLPrefix prefixes the edit page of every shelf record
	EditURLPrefix = "https://booklog.jp/edit/1/"
)

// EditURL returns the edit page of a shelf record
func EditURL(itemID string) string {
	return EditURLPrefix + itemID
}

// Status is the reading status of a shelf record
type Status int

// The numeric values are the ones used in the edit form's element ids
const (
	StatusUnset Status = iota
	StatusWantToRead
	StatusReading
	StatusFinished
	StatusShelved
)

var statusLabels = map[Status]string{
	StatusUnset:      "",
	StatusWantToRead: "読みたい",
	StatusReading:    "いま読んでる",
	StatusFinished:   "読み終わった",
	StatusShelved:    "積読",
}

var statusNames = map[Status]string{
	StatusUnset:      "unset",
	StatusWantToRead: "want-to-read",
	StatusReading:    "reading",
	StatusFinished:   "finished",
	StatusShelved:    "shelved",
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the label used by the shelf export
func (s Status) Label() string {
	return statusLabels[s]
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus maps an export label to a Status. Unknown labels are rejected.
func ParseStatus(label string) (Status, error) {
	label = strings.TrimSpace(label)
	for status, l := range statusLabels {
		if l == label {
			return status, nil
		}
	}
	return StatusUnset, fmt.Errorf("%w: unknown status %q", ErrValidation, label)
}

// StatusFromInt maps a form value to a Status. Values outside 0..4 are rejected.
func StatusFromInt(v int) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return StatusUnset, fmt.Errorf("%w: unknown status value %d", ErrValidation, v)
	}
	return s, nil
}

// Book is a record of the shelf export. Rating and PageCount are 0 when unset.
type Book struct {
	ServiceID   int
	ItemID      string
	ISBN        string
	Category    string
	Rating      int
	Status      Status
	Review      string
	Tags        []string
	Memo        string
	CreatedAt   string
	ReadAt      string
	Title       string
	Author      string
	Publisher   string
	PublishedAt string
	Genre       string
	PageCount   int
}

// Key returns the case-insensitive identity of the record
func (b Book) Key() string {
	return strings.ToUpper(b.ItemID)
}

// Edit is a sparse set of field changes. A nil field is left untouched;
// a nil Tags slice is absent while an empty one clears the tags.
type Edit struct {
	Status          *Status
	ReadAt          *string
	Rating          *int
	Category        *string
	Review          *string
	IsReviewSpoiler *bool
	Tags            []string
	CreatedAt       *string
	Memo            *string
	IsPrivate       *bool
}

// Empty reports whether the edit changes nothing
func (e Edit) Empty() bool {
	return e.Status == nil && e.ReadAt == nil && e.Rating == nil && e.Category == nil &&
		e.Review == nil && e.IsReviewSpoiler == nil && e.Tags == nil && e.CreatedAt == nil &&
		e.Memo == nil && e.IsPrivate == nil
}
