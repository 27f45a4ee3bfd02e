// Package reconcile compares the Kindle library with the Booklog shelf.
// Every function here is pure: the same snapshots always yield the same plan.
package reconcile

import (
	"strings"

	"github.com/drallgood/kindle-booklog-sync/internal/booklog"
	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
)

// PromotionThreshold is the completion percentage at which a book counts as read.
// The reader rarely reports exactly 100.
const PromotionThreshold = 99.0

// DefaultResourceTypes are the resource types eligible for promotion
var DefaultResourceTypes = []string{"EBOOK"}

// Candidate is an unset shelf record together with the library book it matches
type Candidate struct {
	Shelf  booklog.Book
	Source kindle.Book
}

// Options tunes Build
type Options struct {
	// ResourceTypes restricts promotion; empty uses DefaultResourceTypes
	ResourceTypes []string
	// PreviouslyAdded holds upper-cased ASINs that were added by an earlier run
	PreviouslyAdded map[string]bool
}

// Plan is the outcome of comparing two snapshots
type Plan struct {
	// NewItems are library books to add to the shelf
	NewItems []kindle.Book
	// PreviouslyAdded are library books missing from the shelf that an earlier run already added
	PreviouslyAdded []kindle.Book
	// Candidates are unset shelf records eligible for promotion
	Candidates []Candidate
	// Ineligible are unset shelf records whose resource type is not promoted
	Ineligible []Candidate
}

// NewItems returns the source books absent from the shelf, in source order.
// Identifiers are compared case-insensitively.
func NewItems(source []kindle.Book, shelf []booklog.Book) []kindle.Book {
	onShelf := make(map[string]struct{}, len(shelf))
	for _, b := range shelf {
		onShelf[b.Key()] = struct{}{}
	}

	var out []kindle.Book
	for _, b := range source {
		if _, ok := onShelf[b.Key()]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// StatusUnsetCandidates returns the shelf records with no status that match a
// source book, in shelf order
func StatusUnsetCandidates(source []kindle.Book, shelf []booklog.Book) []Candidate {
	bySource := make(map[string]kindle.Book, len(source))
	for _, b := range source {
		if _, ok := bySource[b.Key()]; !ok {
			bySource[b.Key()] = b
		}
	}

	var out []Candidate
	for _, b := range shelf {
		if b.Status != booklog.StatusUnset {
			continue
		}
		if src, ok := bySource[b.Key()]; ok {
			out = append(out, Candidate{Shelf: b, Source: src})
		}
	}
	return out
}

// Promotable reports whether the candidate's resource type is one of resourceTypes
func Promotable(c Candidate, resourceTypes []string) bool {
	if len(resourceTypes) == 0 {
		resourceTypes = DefaultResourceTypes
	}
	for _, t := range resourceTypes {
		if strings.EqualFold(t, c.Source.ResourceType) {
			return true
		}
	}
	return false
}

// ShouldPromote reports whether pct is a known percentage at or above the threshold
func ShouldPromote(pct float64) bool {
	return kindle.IsKnownPercentage(pct) && pct >= PromotionThreshold
}

// TagsFor returns the shelf tags of a library book: its origin and resource type.
// Spaces become underscores since the tag field is space separated.
func TagsFor(b kindle.Book) []string {
	tags := []string{}
	seen := map[string]bool{}
	for _, t := range []string{b.OriginType, b.ResourceType} {
		t = strings.Join(strings.Fields(t), "_")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}

// AdditionEdit is the edit applied to a freshly added book
func AdditionEdit(b kindle.Book) booklog.Edit {
	return booklog.Edit{Tags: TagsFor(b)}
}

// PromotionEdit is the edit applied to a promoted record
func PromotionEdit() booklog.Edit {
	status := booklog.StatusFinished
	return booklog.Edit{Status: &status}
}

// Build computes the full plan for two snapshots
func Build(source []kindle.Book, shelf []booklog.Book, opts Options) Plan {
	var plan Plan

	for _, b := range NewItems(source, shelf) {
		if opts.PreviouslyAdded[b.Key()] {
			plan.PreviouslyAdded = append(plan.PreviouslyAdded, b)
			continue
		}
		plan.NewItems = append(plan.NewItems, b)
	}

	for _, c := range StatusUnsetCandidates(source, shelf) {
		if Promotable(c, opts.ResourceTypes) {
			plan.Candidates = append(plan.Candidates, c)
		} else {
			plan.Ineligible = append(plan.Ineligible, c)
		}
	}

	return plan
}
