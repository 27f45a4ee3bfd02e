// kindle-booklog-sync keeps a Booklog bookshelf in step with a Kindle library.
// It adds newly bought Kindle books to the shelf and marks books read to the
// end as finished. It runs once or as a service with periodic syncs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment Variables:
//   CONFIG_PATH          Path to the JSON config file (default: config.json)
//   AMAZON_USERNAME      Amazon account e-mail
//   AMAZON_PASSWORD      Amazon account password
//   AMAZON_OTP_SECRET    (optional) Base32 TOTP secret for Amazon two-step verification
//   BOOKLOG_USERNAME     Booklog account id
//   BOOKLOG_PASSWORD     Booklog account password
//   DISCORD_WEBHOOK_URL  (optional) Webhook for notifications
//   COOKIE_AMAZON        (optional) Amazon cookie snapshot file
//   COOKIE_BOOKLOG       (optional) Booklog cookie snapshot file
//   DEBUG_DIR            (optional) Directory for failure screenshots
//   WINDOW_WIDTH         (optional) Browser window width
//   WINDOW_HEIGHT        (optional) Browser window height
//   DISPLAY              Browser runs headless when unset
//   PROXY_SERVER         (optional) Proxy for the browser
//   SYNC_INTERVAL        (optional) Go duration between syncs in serve mode
//   DRY_RUN              (optional) Log changes without applying them
//   DATABASE_PATH        (optional) SQLite ledger location
//   LOG_LEVEL            (optional) debug, info, warn, error
//   LOG_FORMAT           (optional) json, console, auto
//   PORT                 (optional) HTTP port in serve mode
//
// Endpoints (serve):
//   GET  /healthz  # Health check
//   POST /sync     # Trigger a sync
//   GET  /status   # Last result and run history

var (
	version = "dev" // Set during build
)

func main() {
	// A missing .env is fine; the environment may be set by other means
	_ = godotenv.Load()

	if err := newCLIApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
