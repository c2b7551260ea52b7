// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.DB) {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestRecordError_IndexedByRunAndItem(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rows := []models.SyncErrorRecord{
		{RunID: "run-1", ItemKey: "SKU-1", ErrorCode: "ITEM", ErrorMessage: "bad price"},
		{RunID: "run-1", ItemKey: "SKU-2", ErrorCode: "ITEM", ErrorMessage: "bad name"},
		{RunID: "run-2", ItemKey: "SKU-1", ErrorCode: "RANGE", ErrorMessage: "unresolved"},
	}
	for _, r := range rows {
		if err := l.RecordError(ctx, r); err != nil {
			t.Fatalf("RecordError() error = %v", err)
		}
	}

	run1, err := l.Errors(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("Errors() error = %v", err)
	}
	if len(run1) != 2 {
		t.Fatalf("Errors(run-1) len = %d, want 2", len(run1))
	}
	if run1[0].ItemKey != "SKU-2" {
		t.Errorf("newest first: got %q, want SKU-2", run1[0].ItemKey)
	}

	item, err := l.ErrorsForItem(ctx, "SKU-1")
	if err != nil {
		t.Fatalf("ErrorsForItem() error = %v", err)
	}
	if len(item) != 2 {
		t.Fatalf("ErrorsForItem(SKU-1) len = %d, want 2", len(item))
	}
}

func TestRecordError_RequiresRunID(t *testing.T) {
	l, _ := newTestLedger(t)
	if err := l.RecordError(context.Background(), models.SyncErrorRecord{ItemKey: "x"}); !errors.Is(err, ErrEmptyRunID) {
		t.Errorf("RecordError() error = %v, want ErrEmptyRunID", err)
	}
	if err := l.RecordBatch(context.Background(), models.BatchRecord{}); !errors.Is(err, ErrEmptyRunID) {
		t.Errorf("RecordBatch() error = %v, want ErrEmptyRunID", err)
	}
}

func TestRunIDWithColonStaysSeparate(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: "a", ItemKey: "k"})
	_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: "a:b", ItemKey: "k"})

	rows, _ := l.Errors(ctx, "a", 0)
	if len(rows) != 1 {
		t.Errorf("Errors(a) len = %d, want 1", len(rows))
	}
	ids, _ := l.RunIDs(ctx)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "a:b" {
		t.Errorf("RunIDs() = %v", ids)
	}
}

func TestKeyComponentsDoNotCollide(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"colon vs escaped colon", "a:b", "a%3Ab"},
		{"percent vs escaped percent", "a%b", "a%25b"},
		{"trailing percent", "a%", "a%25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if escape(tt.a) == escape(tt.b) {
				t.Fatalf("escape(%q) == escape(%q) = %q", tt.a, tt.b, escape(tt.a))
			}
			for _, s := range []string{tt.a, tt.b} {
				if got := unescape(escape(s)); got != s {
					t.Errorf("unescape(escape(%q)) = %q", s, got)
				}
			}

			l, _ := newTestLedger(t)
			ctx := context.Background()
			_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: tt.a, ItemKey: tt.a})
			_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: tt.b, ItemKey: tt.b})

			for _, id := range []string{tt.a, tt.b} {
				rows, err := l.Errors(ctx, id, 0)
				if err != nil {
					t.Fatalf("Errors(%q) error = %v", id, err)
				}
				if len(rows) != 1 || rows[0].RunID != id {
					t.Errorf("Errors(%q) = %+v, want one row of that run", id, rows)
				}
				items, err := l.ErrorsForItem(ctx, id)
				if err != nil {
					t.Fatalf("ErrorsForItem(%q) error = %v", id, err)
				}
				if len(items) != 1 || items[0].ItemKey != id {
					t.Errorf("ErrorsForItem(%q) = %+v, want one row of that item", id, items)
				}
			}
			ids, _ := l.RunIDs(ctx)
			if len(ids) != 2 {
				t.Errorf("RunIDs() = %v, want both runs", ids)
			}
		})
	}
}

func TestStats(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := models.BatchRecord{
			RunID:          "run-s",
			BatchNumber:    i,
			Range:          models.Range{Start: (i-1)*10 + 1, End: i * 10},
			ProcessedCount: 9,
			ErrorCount:     1,
		}
		if err := l.RecordBatch(ctx, rec); err != nil {
			t.Fatalf("RecordBatch() error = %v", err)
		}
	}
	var rows []models.SyncErrorRecord
	for i := 0; i < 7; i++ {
		code := "ITEM"
		if i%3 == 0 {
			code = "RANGE"
		}
		rows = append(rows, models.SyncErrorRecord{RunID: "run-s", ItemKey: fmt.Sprintf("SKU-%d", i), ErrorCode: code})
	}
	if err := l.RecordErrors(ctx, rows); err != nil {
		t.Fatalf("RecordErrors() error = %v", err)
	}

	stats, err := l.Stats(ctx, "run-s", 5)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalErrors != 7 {
		t.Errorf("TotalErrors = %d, want 7", stats.TotalErrors)
	}
	if stats.ByCode["RANGE"] != 3 || stats.ByCode["ITEM"] != 4 {
		t.Errorf("ByCode = %v", stats.ByCode)
	}
	if len(stats.Recent) != 5 {
		t.Errorf("Recent len = %d, want 5", len(stats.Recent))
	}
	if stats.Batches != 3 || stats.ItemsProcessed != 27 || stats.ItemsFailed != 3 {
		t.Errorf("batch totals = %d/%d/%d, want 3/27/3", stats.Batches, stats.ItemsProcessed, stats.ItemsFailed)
	}

	batches, _ := l.Batches(ctx, "run-s")
	for i, b := range batches {
		if b.BatchNumber != i+1 {
			t.Errorf("batch %d number = %d", i, b.BatchNumber)
		}
	}
}

func TestCompact_RetentionWindow(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	old := now.Add(-40 * 24 * time.Hour)
	_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: "old", ItemKey: "SKU-1", Timestamp: old})
	_ = l.RecordBatch(ctx, models.BatchRecord{RunID: "old", BatchNumber: 1, Timestamp: old})
	_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: "new", ItemKey: "SKU-1", Timestamp: now})

	deleted, err := l.Compact(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if rows, _ := l.Errors(ctx, "old", 0); len(rows) != 0 {
		t.Errorf("old rows survived: %v", rows)
	}
	if rows, _ := l.Errors(ctx, "new", 0); len(rows) != 1 {
		t.Errorf("new rows = %d, want 1", len(rows))
	}
	if rows, _ := l.ErrorsForItem(ctx, "SKU-1"); len(rows) != 1 || rows[0].RunID != "new" {
		t.Errorf("item index after compaction = %v", rows)
	}
}

type countingGC struct{ calls int }

func (g *countingGC) RunGC() error { g.calls++; return nil }

func TestCompactor_CompactOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()
	_ = l.RecordError(ctx, models.SyncErrorRecord{RunID: "r", ItemKey: "k", Timestamp: now.Add(-2 * time.Hour)})

	gc := &countingGC{}
	c := NewCompactor(l, gc, config.LedgerConfig{Retention: time.Hour, CompactInterval: time.Hour})
	if got := c.CompactOnce(ctx); got != 1 {
		t.Errorf("CompactOnce() = %d, want 1", got)
	}
	if gc.calls != 1 {
		t.Errorf("gc calls = %d, want 1", gc.calls)
	}
	if last, n := c.LastRun(); last.IsZero() || n != 1 {
		t.Errorf("LastRun() = %v, %d", last, n)
	}
}

func TestCompactor_ServeStops(t *testing.T) {
	l, db := newTestLedger(t)
	c := NewCompactor(l, db, config.LedgerConfig{Retention: time.Hour, CompactInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve() = %v, want deadline exceeded", err)
	}
	if last, _ := c.LastRun(); last.IsZero() {
		t.Error("compactor never ran")
	}
}
