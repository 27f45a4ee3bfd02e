package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
)

// diagnosticTimeout bounds the capture of one page
const diagnosticTimeout = 15 * time.Second

// DiagnosticName returns the file name of the capture of page index at t,
// e.g. error-2024-01-02T03-04-05.678Z-0.png
func DiagnosticName(t time.Time, index int, ext string) string {
	stamp := strings.ReplaceAll(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"), ":", "-")
	return fmt.Sprintf("error-%s-%d.%s", stamp, index, ext)
}

// CaptureDiagnostics writes a full-page screenshot and the markup of every
// open page into dir. Failures are logged; it returns the files written.
func CaptureDiagnostics(ctx context.Context, pages []browser.Page, dir string, now time.Time) []string {
	log := logger.Get().WithFields(map[string]interface{}{"component": "diagnostics"})
	if len(pages) == 0 {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error("Failed to create debug directory", map[string]interface{}{
			"dir":   dir,
			"error": err,
		})
		return nil
	}

	// The run may have failed on cancellation; the capture still needs a live context
	ctx = context.WithoutCancel(ctx)

	var written []string
	for i, page := range pages {
		pageCtx, cancel := context.WithTimeout(ctx, diagnosticTimeout)

		if png, err := page.Screenshot(pageCtx); err != nil {
			log.Warn("Failed to capture screenshot", map[string]interface{}{"page": i, "error": err})
		} else if path, err := writeDiagnostic(dir, DiagnosticName(now, i, "png"), png); err != nil {
			log.Warn("Failed to write screenshot", map[string]interface{}{"page": i, "error": err})
		} else {
			written = append(written, path)
		}

		if html, err := page.Content(pageCtx); err != nil {
			log.Warn("Failed to capture page content", map[string]interface{}{"page": i, "error": err})
		} else if path, err := writeDiagnostic(dir, DiagnosticName(now, i, "html"), []byte(html)); err != nil {
			log.Warn("Failed to write page content", map[string]interface{}{"page": i, "error": err})
		} else {
			written = append(written, path)
		}

		cancel()
	}

	log.Info("Captured diagnostics", map[string]interface{}{
		"dir":   dir,
		"pages": len(pages),
		"files": len(written),
	})
	return written
}

func writeDiagnostic(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
