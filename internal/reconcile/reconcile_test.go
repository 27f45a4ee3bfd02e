package reconcile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/kindle-booklog-sync/internal/booklog"
	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
)

func ebook(asin string) kindle.Book {
	return kindle.Book{ASIN: asin, Title: "Title " + asin, ResourceType: "EBOOK", OriginType: "PURCHASE"}
}

func shelved(itemID string, status booklog.Status) booklog.Book {
	return booklog.Book{ItemID: itemID, Status: status}
}

func asins(books []kindle.Book) []string {
	out := []string{}
	for _, b := range books {
		out = append(out, b.ASIN)
	}
	return out
}

func TestNewItems(t *testing.T) {
	source := []kindle.Book{ebook("B001"), ebook("b002"), ebook("B003"), ebook("B004")}
	shelf := []booklog.Book{
		shelved("b001", booklog.StatusFinished),
		shelved("B002", booklog.StatusUnset),
		shelved("4088820991", booklog.StatusReading),
	}

	assert.Equal(t, []string{"B003", "B004"}, asins(NewItems(source, shelf)))
}

func TestNewItemsCaseInvariance(t *testing.T) {
	for _, id := range []string{"abc123", "ABC123", "Abc123"} {
		got := NewItems([]kindle.Book{ebook("ABC123")}, []booklog.Book{shelved(id, booklog.StatusUnset)})
		assert.Empty(t, got, id)

		got = NewItems([]kindle.Book{ebook(id)}, []booklog.Book{shelved("abc123", booklog.StatusUnset)})
		assert.Empty(t, got, id)
	}
}

func TestNewItemsIsIdempotent(t *testing.T) {
	source := []kindle.Book{ebook("B1"), ebook("B2"), ebook("B3")}
	shelf := []booklog.Book{shelved("B2", booklog.StatusUnset)}

	first := NewItems(source, shelf)
	second := NewItems(source, shelf)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"B1", "B3"}, asins(first))

	// the inputs are left untouched
	assert.Equal(t, []string{"B1", "B2", "B3"}, asins(source))
}

func TestNewItemsEmpty(t *testing.T) {
	assert.Empty(t, NewItems(nil, nil))
	assert.Empty(t, NewItems(nil, []booklog.Book{shelved("B1", booklog.StatusUnset)}))
	assert.Len(t, NewItems([]kindle.Book{ebook("B1")}, nil), 1)
}

func TestStatusUnsetCandidates(t *testing.T) {
	source := []kindle.Book{ebook("B1"), ebook("B2"), ebook("B3")}
	shelf := []booklog.Book{
		shelved("b1", booklog.StatusUnset),
		shelved("B2", booklog.StatusFinished),
		shelved("B3", booklog.StatusUnset),
		shelved("X9", booklog.StatusUnset),
	}

	got := StatusUnsetCandidates(source, shelf)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].Shelf.ItemID)
	assert.Equal(t, "B1", got[0].Source.ASIN)
	assert.Equal(t, "B3", got[1].Shelf.ItemID)
}

func TestPromotable(t *testing.T) {
	c := Candidate{Source: kindle.Book{ResourceType: "EBOOK"}}
	assert.True(t, Promotable(c, nil))
	assert.True(t, Promotable(c, []string{"ebook"}))
	assert.False(t, Promotable(c, []string{"EBOOK_SAMPLE"}))

	for _, rt := range []string{"", "EBOOK_SAMPLE", "PDOC", "KINDLE_UNLIMITED"} {
		assert.False(t, Promotable(Candidate{Source: kindle.Book{ResourceType: rt}}, nil), rt)
	}
}

func TestShouldPromote(t *testing.T) {
	tests := []struct {
		pct  float64
		want bool
	}{
		{0, false},
		{50, false},
		{98.9, false},
		{99, true},
		{99.5, true},
		{100, true},
		{math.NaN(), false},
		{math.Inf(1), false},
		{-1, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldPromote(tt.pct), "pct %v", tt.pct)
	}

	// 9989/10000 truncates to 99.8
	assert.True(t, ShouldPromote(kindle.Percentage(nil, 9989, 10000)))
	assert.False(t, ShouldPromote(kindle.Percentage(nil, 9899, 10000)))
}

func TestTagsFor(t *testing.T) {
	assert.Equal(t, []string{"PURCHASE", "EBOOK"}, TagsFor(kindle.Book{OriginType: "PURCHASE", ResourceType: "EBOOK"}))
	assert.Equal(t, []string{"KINDLE_UNLIMITED"}, TagsFor(kindle.Book{OriginType: "KINDLE UNLIMITED"}))
	assert.Equal(t, []string{"EBOOK"}, TagsFor(kindle.Book{OriginType: "EBOOK", ResourceType: "EBOOK"}))
	assert.Equal(t, []string{}, TagsFor(kindle.Book{}))
}

func TestEdits(t *testing.T) {
	add := AdditionEdit(kindle.Book{OriginType: "PURCHASE", ResourceType: "EBOOK"})
	assert.Equal(t, []string{"PURCHASE", "EBOOK"}, add.Tags)
	assert.Nil(t, add.Status)

	promote := PromotionEdit()
	require.NotNil(t, promote.Status)
	assert.Equal(t, booklog.StatusFinished, *promote.Status)
	assert.Nil(t, promote.ReadAt)
	assert.Nil(t, promote.Tags)
}

func TestBuild(t *testing.T) {
	source := []kindle.Book{
		ebook("B1"),
		ebook("B2"),
		{ASIN: "B3", ResourceType: "EBOOK_SAMPLE"},
		ebook("B4"),
	}
	shelf := []booklog.Book{
		shelved("B2", booklog.StatusUnset),
		shelved("b3", booklog.StatusUnset),
	}

	plan := Build(source, shelf, Options{PreviouslyAdded: map[string]bool{"B4": true}})
	assert.Equal(t, []string{"B1"}, asins(plan.NewItems))
	assert.Equal(t, []string{"B4"}, asins(plan.PreviouslyAdded))
	require.Len(t, plan.Candidates, 1)
	assert.Equal(t, "B2", plan.Candidates[0].Shelf.ItemID)
	require.Len(t, plan.Ineligible, 1)
	assert.Equal(t, "b3", plan.Ineligible[0].Shelf.ItemID)

	assert.Equal(t, plan, Build(source, shelf, Options{PreviouslyAdded: map[string]bool{"B4": true}}))
}
