package database

import (
	"gorm.io/gorm"

	appLogger "github.com/drallgood/kindle-booklog-sync/internal/logger"

	// Pure Go SQLite driver (no CGO required)
	"gorm.io/driver/sqlite"
	_ "modernc.org/sqlite"
)

// dialector opens dbPath through modernc.org/sqlite, registered as "sqlite"
func dialector(dbPath string) gorm.Dialector {
	return sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dbPath,
	}
}

// tune applies sqlite pragmas; failures only degrade performance
func tune(db *gorm.DB, log *appLogger.Logger) {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			log.Warn("Failed to apply pragma", map[string]interface{}{
				"pragma": pragma,
				"error":  err,
			})
		}
	}
}
