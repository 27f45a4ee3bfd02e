package mismatch

import "time"

// Reasons a book could not be reconciled
const (
	ReasonProgressUnavailable = "progress_unavailable"
	ReasonAddFailed           = "add_failed"
	ReasonUpdateFailed        = "update_failed"
	ReasonNotPromotable       = "not_promotable"
)

// BookMismatch is a library book the sync could not reconcile with the shelf
type BookMismatch struct {
	ASIN         string    `json:"asin"`
	ItemID       string    `json:"item_id,omitempty"`
	Title        string    `json:"title"`
	Author       string    `json:"author,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	WebReaderURL string    `json:"web_reader_url,omitempty"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    int64     `json:"timestamp"`
	Attempts     int       `json:"attempts,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
