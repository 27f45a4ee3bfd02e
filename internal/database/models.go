package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// AddedBook records a Kindle book the sync once added to the shelf. A book in
// this ledger is not added again even after it was removed from the shelf.
type AddedBook struct {
	ASIN      string    `gorm:"primaryKey" json:"asin"`
	Title     string    `json:"title"`
	RunID     string    `gorm:"index" json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncRun is the history entry of one sync
type SyncRun struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	StartedAt  time.Time  `gorm:"index" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `gorm:"not null;default:running" json:"status"`
	DryRun     bool       `json:"dry_run"`
	Added      int        `json:"added"`
	Promoted   int        `json:"promoted"`
	Skipped    int        `json:"skipped"`
	Mismatches int        `json:"mismatches"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
}

// Duration returns how long the run took, or 0 while it is running
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// BeforeCreate hook for AddedBook
func (b *AddedBook) BeforeCreate(tx *gorm.DB) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return nil
}

// BeforeCreate hook for SyncRun
func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return nil
}
