package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

// RunCounts are the totals recorded with a finished run
type RunCounts struct {
	Added      int
	Promoted   int
	Skipped    int
	Mismatches int
}

// Repository provides ledger and run history operations
type Repository struct {
	db     *Database
	logger *logger.Logger
}

// NewRepository creates a new repository instance
func NewRepository(db *Database, log *logger.Logger) *Repository {
	if log == nil {
		log = logger.Get()
	}
	return &Repository{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "repository"}),
	}
}

// RecordAdded stores asin in the added-book ledger. Recording the same book
// twice keeps the first entry.
func (r *Repository) RecordAdded(asin, title, runID string) error {
	book := AddedBook{
		ASIN:  strings.ToUpper(asin),
		Title: title,
		RunID: runID,
	}
	err := r.db.GetDB().Clauses(clause.OnConflict{DoNothing: true}).Create(&book).Error
	if err != nil {
		return fmt.Errorf("failed to record added book %s: %w", asin, err)
	}
	return nil
}

// AddedASINs returns the upper-cased ASINs of the ledger
func (r *Repository) AddedASINs() (map[string]bool, error) {
	var asins []string
	if err := r.db.GetDB().Model(&AddedBook{}).Pluck("asin", &asins).Error; err != nil {
		return nil, fmt.Errorf("failed to read added books: %w", err)
	}

	out := make(map[string]bool, len(asins))
	for _, a := range asins {
		out[strings.ToUpper(a)] = true
	}
	return out, nil
}

// ListAdded returns the ledger, most recent first
func (r *Repository) ListAdded(limit int) ([]AddedBook, error) {
	var books []AddedBook
	q := r.db.GetDB().Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list added books: %w", err)
	}
	return books, nil
}

// StartRun creates a running sync run
func (r *Repository) StartRun(dryRun bool) (*SyncRun, error) {
	run := &SyncRun{
		Status: RunStatusRunning,
		DryRun: dryRun,
	}
	if err := r.db.GetDB().Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	r.logger.Debug("Started sync run", map[string]interface{}{"run_id": run.ID})
	return run, nil
}

// FinishRun records the outcome of run. A nil runErr marks it succeeded.
func (r *Repository) FinishRun(run *SyncRun, counts RunCounts, runErr error) error {
	now := time.Now()
	run.FinishedAt = &now
	run.Added = counts.Added
	run.Promoted = counts.Promoted
	run.Skipped = counts.Skipped
	run.Mismatches = counts.Mismatches
	run.Status = RunStatusSucceeded
	run.Error = ""
	if runErr != nil {
		run.Status = RunStatusFailed
		run.Error = runErr.Error()
	}

	if err := r.db.GetDB().Save(run).Error; err != nil {
		return fmt.Errorf("failed to save sync run %s: %w", run.ID, err)
	}

	r.logger.Debug("Finished sync run", map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
	})
	return nil
}

// RecentRuns returns up to limit runs, most recent first
func (r *Repository) RecentRuns(limit int) ([]SyncRun, error) {
	var runs []SyncRun
	q := r.db.GetDB().Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

// Health checks the ledger database connection
func (r *Repository) Health() error {
	return r.db.Health()
}
