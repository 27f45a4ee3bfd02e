package sync

import (
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/database"
)

// Result summarizes one sync run
type Result struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`

	LibraryBooks    int `json:"library_books"`
	ShelfBooks      int `json:"shelf_books"`
	PreviouslyAdded int `json:"previously_added"`
	Ineligible      int `json:"ineligible"`

	// Added holds the ASINs added to the shelf
	Added []string `json:"added"`
	// Promoted holds the item ids marked as finished
	Promoted []string `json:"promoted"`
	// Skipped counts candidates whose progress could not be read
	Skipped    int    `json:"skipped"`
	Mismatches int    `json:"mismatches"`
	Error      string `json:"error,omitempty"`
}

// Duration returns how long the run took
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the run finished without error
func (r *Result) Succeeded() bool {
	return r.Error == ""
}

func (r *Result) counts() database.RunCounts {
	return database.RunCounts{
		Added:      len(r.Added),
		Promoted:   len(r.Promoted),
		Skipped:    r.Skipped,
		Mismatches: r.Mismatches,
	}
}
