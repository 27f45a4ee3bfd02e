// Package mismatch collects the books a sync run could not reconcile and
// writes them to a JSON report.
package mismatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

// Collector gathers mismatches of one run. It is safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	mismatches []BookMismatch
	now        func() time.Time
}

// NewCollector returns an empty collector
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// Add records a mismatch. Adding the same ASIN and reason again bumps its attempts.
func (c *Collector) Add(m BookMismatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if m.Timestamp == 0 {
		m.Timestamp = now.Unix()
	}
	if m.Attempts == 0 {
		m.Attempts = 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	for i := range c.mismatches {
		existing := &c.mismatches[i]
		if strings.EqualFold(existing.ASIN, m.ASIN) && existing.Reason == m.Reason {
			existing.Attempts++
			existing.Detail = m.Detail
			existing.Timestamp = m.Timestamp
			return
		}
	}
	c.mismatches = append(c.mismatches, m)

	logger.Get().Info("Mismatch recorded", map[string]interface{}{
		"asin":   m.ASIN,
		"title":  m.Title,
		"reason": m.Reason,
	})
}

// AddBook records book with reason; cause, when non-nil, becomes the detail
func (c *Collector) AddBook(book kindle.Book, itemID, reason string, cause error) {
	m := BookMismatch{
		ASIN:         book.ASIN,
		ItemID:       itemID,
		Title:        book.Title,
		Author:       strings.Join(book.Authors, ", "),
		ResourceType: book.ResourceType,
		WebReaderURL: book.WebReaderURL,
		Reason:       reason,
	}
	if cause != nil {
		m.Detail = cause.Error()
	}
	c.Add(m)
}

// GetAll returns a copy of all collected mismatches
func (c *Collector) GetAll() []BookMismatch {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]BookMismatch, len(c.mismatches))
	copy(result, c.mismatches)
	return result
}

// Len returns the number of collected mismatches
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mismatches)
}

type report struct {
	Mismatches []BookMismatch `json:"mismatches"`
	Count      int            `json:"count"`
	Timestamp  int64          `json:"timestamp"`
}

// ExportJSON returns all mismatches as an indented JSON document
func (c *Collector) ExportJSON() ([]byte, error) {
	mismatches := c.GetAll()

	data, err := json.MarshalIndent(report{
		Mismatches: mismatches,
		Count:      len(mismatches),
		Timestamp:  c.now().Unix(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mismatches to JSON: %w", err)
	}
	return data, nil
}

// SaveToFile writes the report to path, replacing the report of the previous run.
// An empty path disables the report.
func (c *Collector) SaveToFile(path string) error {
	log := logger.Get()
	if path == "" {
		log.Debug("No mismatch file configured")
		return nil
	}

	data, err := c.ExportJSON()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create mismatch directory: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write mismatch file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to replace mismatch file: %w", err)
	}

	log.Info("Saved mismatch report", map[string]interface{}{
		"path":  path,
		"count": c.Len(),
	})
	return nil
}
