package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/drallgood/kindle-booklog-sync/internal/config"
	"github.com/drallgood/kindle-booklog-sync/internal/database"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/notify"
	"github.com/drallgood/kindle-booklog-sync/internal/server"
	"github.com/drallgood/kindle-booklog-sync/internal/session"
	"github.com/drallgood/kindle-booklog-sync/internal/sync"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	return &cli.App{
		Name:    "kindle-booklog-sync",
		Usage:   "Sync a Kindle library to a Booklog bookshelf",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CONFIG_PATH"}, Value: config.DefaultConfigPath, Usage: "Path to config file (JSON)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log changes without applying them"},
			&cli.StringFlag{Name: "proxy-server", Usage: "Proxy server for the browser"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
		},
		DefaultCommand: "sync",
		Commands: []*cli.Command{
			syncCmd(),
			serveCmd(),
			planCmd(),
			loginCmd(),
			otpCmd(),
			historyCmd(),
			notifyCmd(),
		},
	}
}

// appEnv holds what every command needs after startup
type appEnv struct {
	cfg *config.Config
	log *logger.Logger
	db  *database.Database
	rep *database.Repository
}

// setup applies the global flags, loads the configuration and sets up logging
func setup(c *cli.Context) (*appEnv, error) {
	if c.Bool("dry-run") {
		os.Setenv("DRY_RUN", "true")
	}
	setEnvFromFlag(c.String("proxy-server"), "PROXY_SERVER")
	setEnvFromFlag(c.String("log-level"), "LOG_LEVEL")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	log.Info("Starting kindle-booklog-sync", map[string]interface{}{
		"version":    version,
		"log_level":  cfg.Logging.Level,
		"log_format": cfg.Logging.Format,
		"dry_run":    cfg.Sync.DryRun,
		"headless":   cfg.Browser.Headless,
	})

	return &appEnv{cfg: cfg, log: log}, nil
}

// openLedger opens the sqlite ledger and run history
func (a *appEnv) openLedger() error {
	db, err := database.NewDatabase(a.cfg.Paths.Database, a.log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	a.rep = database.NewRepository(db, a.log)
	return nil
}

func (a *appEnv) close() {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close database", map[string]interface{}{"error": err})
	}
}

func (a *appEnv) notifier() notify.Notifier {
	return notify.New(notify.Config{
		WebhookURL: a.cfg.Discord.WebhookURL,
		Username:   a.cfg.Discord.Username,
	})
}

func (a *appEnv) service() *sync.Service {
	opts := sync.Options{Notifier: a.notifier()}
	if a.rep != nil {
		opts.Ledger = a.rep
	}
	return sync.NewService(a.cfg, opts)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// syncCmd creates the sync command.
func syncCmd() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization and exit",
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			if err := a.openLedger(); err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context)
			defer stop()

			result, err := a.service().Sync(ctx)
			if result != nil {
				printResult(c.App.Writer, result)
			}
			return err
		},
	}
}

// serveCmd creates the serve command.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server with periodic syncs",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "Time between syncs, overrides sync.interval (0 disables)"},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			if err := a.openLedger(); err != nil {
				return err
			}
			defer a.close()

			interval := a.cfg.Sync.Interval
			if c.IsSet("interval") {
				interval = c.Duration("interval")
			}

			ctx, stop := signalContext(c.Context)
			defer stop()

			srv := server.New(":"+a.cfg.Server.Port, a.service(), a.rep, interval, a.log)
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.log.Info("Received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return <-errCh
		},
	}
}

// planCmd creates the plan command.
func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show which books a sync would add and check, without changing anything",
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			if err := a.openLedger(); err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context)
			defer stop()

			snap, err := a.service().Plan(ctx)
			if err != nil {
				return err
			}
			printPlan(c.App.Writer, snap)
			return nil
		},
	}
}

// loginCmd creates the login command.
func loginCmd() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in to Amazon and Booklog and store the session cookies",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Ignore stored cookies and sign in again"},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(c.Context)
			defer stop()

			if err := a.service().Login(ctx, c.Bool("force")); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "Logged in to Amazon and Booklog")
			return nil
		},
	}
}

// otpCmd creates the otp command.
func otpCmd() *cli.Command {
	return &cli.Command{
		Name:  "otp",
		Usage: "Print the current Amazon one-time password",
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			if !a.cfg.OTPEnabled() {
				return errors.New("amazon.otpSecret is not configured")
			}

			code, err := session.GenerateCode(a.cfg.Amazon.OTPSecret, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, code)
			return nil
		},
	}
}

// historyCmd creates the history command.
func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent sync runs or the books added to the shelf",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Usage: "Number of entries to list (0 lists all)"},
			&cli.BoolFlag{Name: "added", Usage: "List added books instead of sync runs"},
		},
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			if err := a.openLedger(); err != nil {
				return err
			}
			defer a.close()

			if c.Bool("added") {
				books, err := a.rep.ListAdded(c.Int("limit"))
				if err != nil {
					return err
				}
				printAdded(c.App.Writer, books)
				return nil
			}

			runs, err := a.rep.RecentRuns(c.Int("limit"))
			if err != nil {
				return err
			}
			printRuns(c.App.Writer, runs)
			return nil
		},
	}
}

// notifyCmd creates the notify command.
func notifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "notify",
		Usage: "Send a test notification to the Discord webhook",
		Action: func(c *cli.Context) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			if a.cfg.Discord.WebhookURL == "" {
				return errors.New("discord.webhookUrl is not configured")
			}
			return a.notifier().TestNotification(c.Context)
		},
	}
}

func printResult(w io.Writer, r *sync.Result) {
	status := "succeeded"
	if !r.Succeeded() {
		status = "failed"
	}
	if r.DryRun {
		status += " (dry run)"
	}

	tw := newTable(w, leftCol("Field"), leftCol("Value"))
	tw.AppendRows([]table.Row{
		{"Run", r.RunID},
		{"Status", status},
		{"Duration", r.Duration().Round(time.Second).String()},
		{"Library books", r.LibraryBooks},
		{"Shelf books", r.ShelfBooks},
		{"Added", strings.Join(r.Added, ", ")},
		{"Finished", strings.Join(r.Promoted, ", ")},
		{"Skipped", r.Skipped},
		{"Previously added", r.PreviouslyAdded},
		{"Ineligible", r.Ineligible},
	})
	if r.Error != "" {
		tw.AppendRow(table.Row{"Error", r.Error})
	}
	tw.Render()
}

func printPlan(w io.Writer, snap *sync.Snapshot) {
	fmt.Fprintf(w, "Library: %d books, shelf: %d books\n\n", len(snap.Source), len(snap.Shelf))

	if len(snap.Plan.NewItems) == 0 {
		fmt.Fprintln(w, "No new books to add")
	} else {
		fmt.Fprintf(w, "Books to add (%d):\n", len(snap.Plan.NewItems))
		tw := newTable(w, leftCol("ASIN"), leftCol("Title"), leftCol("Origin"), leftCol("Type"))
		for _, b := range snap.Plan.NewItems {
			tw.AppendRow(table.Row{b.ASIN, b.Title, b.OriginType, b.ResourceType})
		}
		tw.Render()
	}
	fmt.Fprintln(w)

	if len(snap.Plan.Candidates) == 0 {
		fmt.Fprintln(w, "No books to check for completion")
	} else {
		fmt.Fprintf(w, "Books to check for completion (%d):\n", len(snap.Plan.Candidates))
		tw := newTable(w, leftCol("Item"), leftCol("Title"), leftCol("Type"))
		for _, c := range snap.Plan.Candidates {
			tw.AppendRow(table.Row{c.Shelf.ItemID, c.Source.Title, c.Source.ResourceType})
		}
		tw.Render()
	}

	if n := len(snap.Plan.PreviouslyAdded); n > 0 {
		fmt.Fprintf(w, "\n%d previously added books are skipped\n", n)
	}
	if n := len(snap.Plan.Ineligible); n > 0 {
		fmt.Fprintf(w, "%d unread books cannot be checked for completion\n", n)
	}
}

func printRuns(w io.Writer, runs []database.SyncRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded")
		return
	}

	tw := newTable(w,
		leftCol("Started"), leftCol("Status"), rightCol("Duration"),
		rightCol("Added"), rightCol("Finished"), rightCol("Skipped"), leftCol("Error"))
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		tw.AppendRow(table.Row{humanize.Time(r.StartedAt), status, duration, r.Added, r.Promoted, r.Skipped, r.Error})
	}
	tw.Render()
}

// printAdded lists the books this tool added to the shelf
func printAdded(w io.Writer, books []database.AddedBook) {
	if len(books) == 0 {
		fmt.Fprintln(w, "No books added yet")
		return
	}

	tw := newTable(w, leftCol("Added"), leftCol("ASIN"), leftCol("Title"), leftCol("Run"))
	for _, b := range books {
		tw.AppendRow(table.Row{humanize.Time(b.CreatedAt), b.ASIN, b.Title, b.RunID})
	}
	tw.Render()
}

// setEnvFromFlag sets an environment variable if the flag value is not empty
func setEnvFromFlag(value, envVar string) {
	if value != "" {
		os.Setenv(envVar, value)
	}
}
