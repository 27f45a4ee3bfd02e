package mismatch

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

func init() {
	logger.Setup(logger.Config{Level: "debug", Format: "json"})
}

func newTestCollector() *Collector {
	c := NewCollector()
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestAddDefaults(t *testing.T) {
	c := newTestCollector()
	c.Add(BookMismatch{ASIN: "B1", Reason: ReasonAddFailed})

	all := c.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, int64(1700000000), all[0].Timestamp)
	assert.Equal(t, 1, all[0].Attempts)
	assert.False(t, all[0].CreatedAt.IsZero())
}

func TestAddMergesRepeats(t *testing.T) {
	c := newTestCollector()
	c.Add(BookMismatch{ASIN: "b1", Reason: ReasonProgressUnavailable, Detail: "first"})
	c.Add(BookMismatch{ASIN: "B1", Reason: ReasonProgressUnavailable, Detail: "second"})
	c.Add(BookMismatch{ASIN: "B1", Reason: ReasonUpdateFailed})

	all := c.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Attempts)
	assert.Equal(t, "second", all[0].Detail)
	assert.Equal(t, ReasonUpdateFailed, all[1].Reason)
}

func TestAddBook(t *testing.T) {
	c := newTestCollector()
	book := kindle.Book{
		ASIN:         "B0TEST",
		Title:        "タイトル",
		Authors:      []string{"著者A", "著者B"},
		ResourceType: "EBOOK",
		WebReaderURL: "https://read.amazon.co.jp/?asin=B0TEST",
	}
	c.AddBook(book, "b0test", ReasonProgressUnavailable, errors.New("metadata not found"))

	m := c.GetAll()[0]
	assert.Equal(t, "B0TEST", m.ASIN)
	assert.Equal(t, "b0test", m.ItemID)
	assert.Equal(t, "著者A, 著者B", m.Author)
	assert.Equal(t, "metadata not found", m.Detail)
	assert.Equal(t, "EBOOK", m.ResourceType)
}

func TestGetAllReturnsCopy(t *testing.T) {
	c := newTestCollector()
	c.Add(BookMismatch{ASIN: "B1", Title: "original"})

	all := c.GetAll()
	all[0].Title = "changed"
	assert.Equal(t, "original", c.GetAll()[0].Title)
}

func TestSaveToFile(t *testing.T) {
	c := newTestCollector()
	c.Add(BookMismatch{ASIN: "B1", Title: "One", Reason: ReasonProgressUnavailable})
	c.Add(BookMismatch{ASIN: "B2", Title: "Two", Reason: ReasonAddFailed})

	path := filepath.Join(t.TempDir(), "data", "unresolved_books.json")
	require.NoError(t, c.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, int64(1700000000), got.Timestamp)
	assert.Equal(t, "B2", got.Mismatches[1].ASIN)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// a later run replaces the report
	c = newTestCollector()
	require.NoError(t, c.SaveToFile(path))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Zero(t, got.Count)
}

func TestSaveToFileDisabled(t *testing.T) {
	c := newTestCollector()
	c.Add(BookMismatch{ASIN: "B1"})
	assert.NoError(t, c.SaveToFile(""))
}
