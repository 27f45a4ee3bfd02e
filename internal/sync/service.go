// Package sync runs the Kindle to Booklog synchronization: it signs in to
// both services, compares the library with the shelf, adds new books and
// promotes finished ones.
package sync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drallgood/kindle-booklog-sync/internal/booklog"
	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/config"
	"github.com/drallgood/kindle-booklog-sync/internal/database"
	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/mismatch"
	"github.com/drallgood/kindle-booklog-sync/internal/notify"
	"github.com/drallgood/kindle-booklog-sync/internal/reconcile"
	"github.com/drallgood/kindle-booklog-sync/internal/session"
	"github.com/drallgood/kindle-booklog-sync/internal/util"
)

// Launcher starts the browser used by one run
type Launcher func(ctx context.Context) (browser.Browser, error)

// Ledger records added books and run history
type Ledger interface {
	AddedASINs() (map[string]bool, error)
	RecordAdded(asin, title, runID string) error
	StartRun(dryRun bool) (*database.SyncRun, error)
	FinishRun(run *database.SyncRun, counts database.RunCounts, runErr error) error
}

// Options wires the collaborators of a Service. Zero values get defaults:
// a chromedp launcher, no ledger and no notifications.
type Options struct {
	Launcher   Launcher
	Ledger     Ledger
	Notifier   notify.Notifier
	HTTPClient *http.Client
	Pacer      *util.Pacer

	// SettleDelay is the pause before an edit form is saved; 0 keeps the
	// default and a negative value disables it
	SettleDelay time.Duration
}

// Service handles the synchronization between the Kindle library and Booklog
type Service struct {
	config   *config.Config
	launch   Launcher
	ledger   Ledger
	notifier notify.Notifier
	client   *http.Client
	pacer    *util.Pacer
	settle   time.Duration
	lock     *runLock
	log      *logger.Logger
	now      func() time.Time

	running sync.Mutex

	mu   sync.RWMutex
	last *Result
}

// NewService creates a new sync service
func NewService(cfg *config.Config, opts Options) *Service {
	if opts.Launcher == nil {
		opts.Launcher = ChromeLauncher(cfg)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.New(notify.Config{})
	}
	if opts.Pacer == nil {
		opts.Pacer = util.NewPacer(0, 0)
	}
	switch {
	case opts.SettleDelay == 0:
		opts.SettleDelay = booklog.DefaultSettleDelay
	case opts.SettleDelay < 0:
		opts.SettleDelay = 0
	}

	return &Service{
		config:   cfg,
		launch:   opts.Launcher,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		client:   opts.HTTPClient,
		pacer:    opts.Pacer,
		settle:   opts.SettleDelay,
		lock:     newRunLock(cfg.Paths.LockFile),
		log:      logger.Get().WithFields(map[string]interface{}{"component": "sync"}),
		now:      time.Now,
	}
}

// ChromeLauncher launches chromium as configured
func ChromeLauncher(cfg *config.Config) Launcher {
	return func(ctx context.Context) (browser.Browser, error) {
		opts := browser.LaunchOptions{
			Headless:      cfg.Browser.Headless,
			WindowWidth:   cfg.Browser.WindowWidth,
			WindowHeight:  cfg.Browser.WindowHeight,
			Flags:         browser.DefaultFlags(),
			ProxyServer:   cfg.Proxy.Server,
			ProxyUsername: cfg.Proxy.Username,
			ProxyPassword: cfg.Proxy.Password,
			WaitTimeout:   cfg.Browser.WaitTimeout,
		}
		if err := opts.ApplyPassthrough(cfg.Puppeteer); err != nil {
			return nil, fmt.Errorf("invalid browser options: %w", err)
		}
		return browser.Launch(ctx, opts)
	}
}

// LastResult returns the result of the most recent run, or nil
func (s *Service) LastResult() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Sync runs one synchronization. Only one run may be active at a time;
// a concurrent call returns ErrSyncInProgress.
func (s *Service) Sync(ctx context.Context) (*Result, error) {
	if !s.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.running.Unlock()

	if err := s.lock.acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.lock.release(); err != nil {
			s.log.Warn("Failed to release run lock", map[string]interface{}{"error": err})
		}
	}()

	result := &Result{
		RunID:     uuid.NewString(),
		StartedAt: s.now(),
		DryRun:    s.config.Sync.DryRun,
	}

	var run *database.SyncRun
	if s.ledger != nil {
		r, err := s.ledger.StartRun(result.DryRun)
		if err != nil {
			s.log.Warn("Failed to record sync run", map[string]interface{}{"error": err})
		} else {
			run = r
			result.RunID = r.ID
		}
	}

	log := s.log.WithFields(map[string]interface{}{"run_id": result.RunID})
	log.Info("========================================")
	log.Info("STARTING SYNCHRONIZATION", map[string]interface{}{
		"dry_run":      result.DryRun,
		"catalog_mode": s.config.Amazon.CatalogMode,
	})
	log.Info("========================================")

	mismatches := mismatch.NewCollector()
	err := s.runWithBrowser(ctx, log, func(b browser.Browser) error {
		return s.sync(ctx, log, b, result, mismatches)
	})

	result.FinishedAt = s.now()
	result.Mismatches = mismatches.Len()
	if err != nil {
		result.Error = err.Error()
		log.Error("Sync failed", map[string]interface{}{"error": err})
		if nerr := s.notifier.NotifyError(ctx, err); nerr != nil {
			log.Warn("Failed to send error notification", map[string]interface{}{"error": nerr})
		}
	}

	if serr := mismatches.SaveToFile(s.config.Paths.MismatchFile); serr != nil {
		log.Error("Failed to save mismatch report", map[string]interface{}{"error": serr})
	}

	if run != nil {
		if ferr := s.ledger.FinishRun(run, result.counts(), err); ferr != nil {
			log.Warn("Failed to record sync run result", map[string]interface{}{"error": ferr})
		}
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if err != nil {
		return result, err
	}

	log.Info("Sync completed successfully", map[string]interface{}{
		"added":      len(result.Added),
		"promoted":   len(result.Promoted),
		"skipped":    result.Skipped,
		"mismatches": result.Mismatches,
		"duration":   result.Duration().Round(time.Millisecond).String(),
	})
	return result, nil
}

// Plan signs in and computes what a sync would do without changing anything
func (s *Service) Plan(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.runWithBrowser(ctx, s.log, func(b browser.Browser) error {
		var err error
		snap, err = s.snapshot(ctx, s.log, b)
		return err
	})
	return snap, err
}

// Login signs in to both services and refreshes the cookie snapshots
func (s *Service) Login(ctx context.Context, ignoreSnapshot bool) error {
	return s.runWithBrowser(ctx, s.log, func(b browser.Browser) error {
		for _, manager := range []*session.Manager{
			s.amazonSession(ignoreSnapshot),
			s.booklogSession(ignoreSnapshot),
		} {
			page, err := b.NewPage(ctx)
			if err != nil {
				return err
			}
			if err := manager.Login(ctx, page); err != nil {
				return err
			}
			_ = page.Close()
		}
		return nil
	})
}

// runWithBrowser launches the browser, runs fn and always closes the browser.
// When fn fails, every page still open is captured into the debug directory.
func (s *Service) runWithBrowser(ctx context.Context, log *logger.Logger, fn func(browser.Browser) error) error {
	b, err := s.launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("Failed to close browser", map[string]interface{}{"error": err})
		}
	}()

	if err := fn(b); err != nil {
		CaptureDiagnostics(ctx, b.Pages(), s.config.Paths.DebugDir, s.now())
		return err
	}
	return nil
}

// Snapshot is the state of both services and the plan computed from it
type Snapshot struct {
	Source []kindle.Book
	Shelf  []booklog.Book
	Plan   reconcile.Plan
}

// snapshot signs in to both services and reads both catalogs. The Amazon page
// is closed once the catalog is read; its cookies stay in the browser for the
// reader pages. The Booklog page is closed on success.
func (s *Service) snapshot(ctx context.Context, log *logger.Logger, b browser.Browser) (*Snapshot, error) {
	amazonPage, err := b.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.amazonSession(false).Login(ctx, amazonPage); err != nil {
		return nil, err
	}

	catalog := kindle.NewCatalog(amazonPage, s.pacer)
	var source []kindle.Book
	if s.config.Amazon.CatalogMode == "scroll" {
		source, err = catalog.ScrollBooks(ctx)
	} else {
		source, err = catalog.Books(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read Kindle catalog: %w", err)
	}
	_ = amazonPage.Close()

	booklogPage, err := b.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.booklogSession(false).Login(ctx, booklogPage); err != nil {
		return nil, err
	}

	shelf, err := s.shelf(b).Books(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read Booklog shelf: %w", err)
	}
	_ = booklogPage.Close()

	opts := reconcile.Options{ResourceTypes: s.config.Sync.PromotableResourceTypes}
	if s.config.Sync.SkipPreviouslyAdded && s.ledger != nil {
		added, err := s.ledger.AddedASINs()
		if err != nil {
			return nil, err
		}
		opts.PreviouslyAdded = added
	}

	plan := reconcile.Build(source, shelf, opts)
	log.Info("Computed sync plan", map[string]interface{}{
		"library":          len(source),
		"shelf":            len(shelf),
		"new":              len(plan.NewItems),
		"previously_added": len(plan.PreviouslyAdded),
		"candidates":       len(plan.Candidates),
		"ineligible":       len(plan.Ineligible),
	})

	return &Snapshot{Source: source, Shelf: shelf, Plan: plan}, nil
}

func (s *Service) sync(ctx context.Context, log *logger.Logger, b browser.Browser, result *Result, mismatches *mismatch.Collector) error {
	snap, err := s.snapshot(ctx, log, b)
	if err != nil {
		return err
	}
	result.LibraryBooks = len(snap.Source)
	result.ShelfBooks = len(snap.Shelf)
	result.PreviouslyAdded = len(snap.Plan.PreviouslyAdded)
	result.Ineligible = len(snap.Plan.Ineligible)

	shelf := s.shelf(b)

	if err := s.addNewBooks(ctx, log, shelf, snap.Plan.NewItems, result, mismatches); err != nil {
		return err
	}
	return s.promoteFinished(ctx, log, b, shelf, snap.Plan.Candidates, result, mismatches)
}

func (s *Service) addNewBooks(ctx context.Context, log *logger.Logger, shelf *booklog.Shelf, books []kindle.Book, result *Result, mismatches *mismatch.Collector) error {
	for _, book := range books {
		bookLog := log.WithFields(map[string]interface{}{
			"asin":  book.ASIN,
			"title": book.Title,
		})

		edit := reconcile.AdditionEdit(book)
		if result.DryRun {
			bookLog.Info("[DRY-RUN] Would add book", map[string]interface{}{"tags": edit.Tags})
			result.Added = append(result.Added, book.ASIN)
			continue
		}

		if err := shelf.Add(ctx, book.ASIN); err != nil {
			mismatches.AddBook(book, book.ASIN, mismatch.ReasonAddFailed, err)
			return err
		}
		if len(edit.Tags) > 0 {
			if err := shelf.Update(ctx, book.ASIN, edit); err != nil {
				mismatches.AddBook(book, book.ASIN, mismatch.ReasonUpdateFailed, err)
				return err
			}
		}
		result.Added = append(result.Added, book.ASIN)
		bookLog.Info("Added book", map[string]interface{}{"tags": edit.Tags})

		if s.ledger != nil {
			if err := s.ledger.RecordAdded(book.ASIN, book.Title, result.RunID); err != nil {
				bookLog.Warn("Failed to record added book", map[string]interface{}{"error": err})
			}
		}
		if err := s.notifier.NotifyAdded(ctx, book.ASIN, book.Title); err != nil {
			bookLog.Warn("Failed to send notification", map[string]interface{}{"error": err})
		}
	}
	return nil
}

// promoteFinished marks candidates read to the threshold as finished.
// A candidate whose progress cannot be read is recorded and skipped.
func (s *Service) promoteFinished(ctx context.Context, log *logger.Logger, b browser.Browser, shelf *booklog.Shelf, candidates []reconcile.Candidate, result *Result, mismatches *mismatch.Collector) error {
	progress := kindle.NewProgress(b, s.pacer, 0)

	for _, c := range candidates {
		bookLog := log.WithFields(map[string]interface{}{
			"item_id": c.Shelf.ItemID,
			"title":   c.Source.Title,
		})

		pct, err := progress.PercentageRead(ctx, c.Source)
		if err == nil && !kindle.IsKnownPercentage(pct) {
			err = fmt.Errorf("unknown percentage %v", pct)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			bookLog.Warn("Skipping book, progress unavailable", map[string]interface{}{"error": err})
			mismatches.AddBook(c.Source, c.Shelf.ItemID, mismatch.ReasonProgressUnavailable, err)
			result.Skipped++
			continue
		}

		if !reconcile.ShouldPromote(pct) {
			bookLog.Debug("Book not finished", map[string]interface{}{"percentage": pct})
			continue
		}

		if result.DryRun {
			bookLog.Info("[DRY-RUN] Would mark book as finished", map[string]interface{}{"percentage": pct})
			result.Promoted = append(result.Promoted, c.Shelf.ItemID)
			continue
		}

		if err := shelf.Update(ctx, c.Shelf.ItemID, reconcile.PromotionEdit()); err != nil {
			mismatches.AddBook(c.Source, c.Shelf.ItemID, mismatch.ReasonUpdateFailed, err)
			return err
		}
		result.Promoted = append(result.Promoted, c.Shelf.ItemID)
		bookLog.Info("Marked book as finished", map[string]interface{}{"percentage": pct})

		if err := s.notifier.NotifyPromoted(ctx, c.Shelf.ItemID, c.Source.Title, pct); err != nil {
			bookLog.Warn("Failed to send notification", map[string]interface{}{"error": err})
		}
	}
	return nil
}

func (s *Service) shelf(b browser.Browser) *booklog.Shelf {
	return booklog.NewShelf(b, s.client, s.pacer).WithSettleDelay(s.settle)
}

func (s *Service) amazonSession(ignoreSnapshot bool) *session.Manager {
	return session.NewManager(kindle.SessionProfile(), session.Credentials{
		Username:  s.config.Amazon.Username,
		Password:  s.config.Amazon.Password,
		OTPSecret: s.config.Amazon.OTPSecret,
	}, session.NewStore(s.config.Amazon.CookiePath), session.Options{
		IgnoreSnapshot: ignoreSnapshot,
		WaitTimeout:    s.config.Browser.WaitTimeout,
	})
}

func (s *Service) booklogSession(ignoreSnapshot bool) *session.Manager {
	return session.NewManager(booklog.SessionProfile(), session.Credentials{
		Username: s.config.Booklog.Username,
		Password: s.config.Booklog.Password,
	}, session.NewStore(s.config.Booklog.CookiePath), session.Options{
		IgnoreSnapshot: ignoreSnapshot,
		WaitTimeout:    s.config.Browser.WaitTimeout,
	})
}
