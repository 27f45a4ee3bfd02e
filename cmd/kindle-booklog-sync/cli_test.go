package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/kindle-booklog-sync/internal/booklog"
	"github.com/drallgood/kindle-booklog-sync/internal/database"
	"github.com/drallgood/kindle-booklog-sync/internal/kindle"
	"github.com/drallgood/kindle-booklog-sync/internal/reconcile"
	"github.com/drallgood/kindle-booklog-sync/internal/sync"
)

func TestNewTablePadsShortRows(t *testing.T) {
	var buf bytes.Buffer
	tw := newTable(&buf, leftCol("Name"), rightCol("Count"))
	tw.AppendRow(table.Row{"only"})
	tw.AppendRow(table.Row{"both", 12345})
	tw.Render()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[1], "NAME")
	assert.Contains(t, lines[3], "only")
	assert.Equal(t, len([]rune(lines[3])), len([]rune(lines[4])), "short rows fill every column")
	assert.Contains(t, lines[4], "12345")
}

func TestPrintPlan(t *testing.T) {
	snap := &sync.Snapshot{
		Source: []kindle.Book{{ASIN: "B0NEW"}, {ASIN: "B0OLD"}},
		Shelf:  []booklog.Book{{ItemID: "B0OLD"}},
		Plan: reconcile.Plan{
			NewItems: []kindle.Book{{ASIN: "B0NEW", Title: "New Book", OriginType: "PURCHASE", ResourceType: "EBOOK"}},
			Candidates: []reconcile.Candidate{{
				Shelf:  booklog.Book{ItemID: "B0OLD"},
				Source: kindle.Book{ASIN: "B0OLD", Title: "Old Book", ResourceType: "EBOOK"},
			}},
			PreviouslyAdded: []kindle.Book{{ASIN: "B0GONE"}},
		},
	}

	var buf bytes.Buffer
	printPlan(&buf, snap)
	out := buf.String()

	assert.Contains(t, out, "Library: 2 books, shelf: 1 books")
	assert.Contains(t, out, "Books to add (1):")
	assert.Contains(t, out, "New Book")
	assert.Contains(t, out, "Books to check for completion (1):")
	assert.Contains(t, out, "Old Book")
	assert.Contains(t, out, "1 previously added books are skipped")
	assert.NotContains(t, out, "cannot be checked")
}

func TestPrintPlanEmpty(t *testing.T) {
	var buf bytes.Buffer
	printPlan(&buf, &sync.Snapshot{})
	assert.Contains(t, buf.String(), "No new books to add")
	assert.Contains(t, buf.String(), "No books to check for completion")
}

func TestPrintRuns(t *testing.T) {
	finished := time.Now().Add(-time.Hour)
	runs := []database.SyncRun{
		{
			ID:         "run-2",
			StartedAt:  finished.Add(-90 * time.Second),
			FinishedAt: &finished,
			Status:     database.RunStatusFailed,
			Added:      2,
			Error:      "session is stale",
		},
		{ID: "run-1", StartedAt: time.Now(), Status: database.RunStatusRunning, DryRun: true},
	}

	var buf bytes.Buffer
	printRuns(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "session is stale")
	assert.Contains(t, out, "running (dry run)")

	buf.Reset()
	printRuns(&buf, nil)
	assert.Equal(t, "No sync runs recorded\n", buf.String())
}

func TestPrintAdded(t *testing.T) {
	var buf bytes.Buffer
	printAdded(&buf, []database.AddedBook{
		{ASIN: "B0NEW", Title: "New Book", RunID: "run-7", CreatedAt: time.Now().Add(-2 * time.Hour)},
	})
	out := buf.String()

	assert.Contains(t, out, "B0NEW")
	assert.Contains(t, out, "New Book")
	assert.Contains(t, out, "run-7")
	assert.Contains(t, out, "2 hours ago")

	buf.Reset()
	printAdded(&buf, nil)
	assert.Equal(t, "No books added yet\n", buf.String())
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &sync.Result{
		RunID:    "run-1",
		Added:    []string{"B0001", "B0002"},
		Promoted: []string{"B0003"},
		Error:    "failed to launch browser",
	})
	out := buf.String()

	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "B0001, B0002")
	assert.Contains(t, out, "failed to launch browser")
}
