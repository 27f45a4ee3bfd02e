package booklog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

// exportColumns is the column count of the shelf export:
// service id, item id, ISBN-13, category, rating, status, review, tags, memo,
// created at, read at, title, author, publisher, published at, genre, page count
const exportColumns = 17

// ParseExport decodes a Windows-31J encoded shelf export. When an item id
// appears more than once, the first row wins.
func ParseExport(r io.Reader) ([]Book, error) {
	log := logger.Get().WithFields(map[string]interface{}{"component": "booklog-export"})

	reader := csv.NewReader(transform.NewReader(r, japanese.ShiftJIS.NewDecoder()))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var books []Book
	seen := make(map[string]int)

	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read export line %d: %w", line, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) < exportColumns {
			return nil, fmt.Errorf("export line %d has %d columns, want %d", line, len(row), exportColumns)
		}

		book, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("export line %d: %w", line, err)
		}

		if first, ok := seen[book.Key()]; ok {
			log.Warn("Duplicate item in shelf export", map[string]interface{}{
				"item_id":    book.ItemID,
				"line":       line,
				"first_line": first,
			})
			continue
		}
		seen[book.Key()] = line
		books = append(books, book)
	}

	return books, nil
}

func parseRow(row []string) (Book, error) {
	serviceID, err := optionalInt(row[0])
	if err != nil {
		return Book{}, fmt.Errorf("service id: %w", err)
	}
	rating, err := optionalInt(row[4])
	if err != nil {
		return Book{}, fmt.Errorf("rating: %w", err)
	}
	status, err := ParseStatus(row[5])
	if err != nil {
		return Book{}, err
	}
	pageCount, err := optionalInt(row[16])
	if err != nil {
		return Book{}, fmt.Errorf("page count: %w", err)
	}

	return Book{
		ServiceID:   serviceID,
		ItemID:      strings.TrimSpace(row[1]),
		ISBN:        row[2],
		Category:    row[3],
		Rating:      rating,
		Status:      status,
		Review:      row[6],
		Tags:        strings.Fields(row[7]),
		Memo:        row[8],
		CreatedAt:   row[9],
		ReadAt:      row[10],
		Title:       row[11],
		Author:      row[12],
		Publisher:   row[13],
		PublishedAt: row[14],
		Genre:       row[15],
		PageCount:   pageCount,
	}, nil
}

// optionalInt parses an integer column where empty means 0
func optionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
