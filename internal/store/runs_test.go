// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(config.StorageConfig{Path: t.TempDir(), GCRatio: 0.5, CloseTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func repositories(t *testing.T, historyLimit int) map[string]RunRepository {
	return map[string]RunRepository{
		"badger": NewRunStore(openTestDB(t), historyLimit, time.Hour),
		"memory": NewMemoryRunStore(historyLimit),
	}
}

func testRun(entity string) *models.SyncRun {
	return &models.SyncRun{
		RunID:     "run-" + entity,
		Entity:    entity,
		Direction: models.DirectionRemoteToLocal,
		Status:    models.StatusRunning,
		BatchSize: 50,
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRunRepository_CompareAndSwap(t *testing.T) {
	for name, repo := range repositories(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := repo.GetRun(ctx, "products"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetRun() on empty store error = %v, want ErrNotFound", err)
			}

			run := testRun("products")
			if err := repo.SaveRun(ctx, run, 0); err != nil {
				t.Fatalf("first SaveRun() error = %v", err)
			}
			if run.Version != 1 {
				t.Errorf("Version = %d, want 1", run.Version)
			}

			stale := run.Clone()
			run.CurrentBatch = 1
			if err := repo.SaveRun(ctx, run, run.Version); err != nil {
				t.Fatalf("second SaveRun() error = %v", err)
			}

			stale.CurrentBatch = 99
			if err := repo.SaveRun(ctx, stale, stale.Version); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("stale SaveRun() error = %v, want ErrVersionConflict", err)
			}
			if err := repo.SaveRun(ctx, testRun("products"), 0); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("create over existing error = %v, want ErrVersionConflict", err)
			}

			got, err := repo.GetRun(ctx, "products")
			if err != nil {
				t.Fatalf("GetRun() error = %v", err)
			}
			if got.CurrentBatch != 1 || got.Version != 2 {
				t.Errorf("stored run = batch %d version %d, want batch 1 version 2", got.CurrentBatch, got.Version)
			}
		})
	}
}

func TestRunRepository_ListAndDelete(t *testing.T) {
	for name, repo := range repositories(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, e := range []string{"customers", "products"} {
				if err := repo.SaveRun(ctx, testRun(e), 0); err != nil {
					t.Fatalf("SaveRun(%s) error = %v", e, err)
				}
			}
			runs, err := repo.ListRuns(ctx)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			if len(runs) != 2 || runs[0].Entity != "customers" || runs[1].Entity != "products" {
				t.Fatalf("ListRuns() = %v", runs)
			}

			if err := repo.DeleteRun(ctx, "customers"); err != nil {
				t.Fatalf("DeleteRun() error = %v", err)
			}
			if _, err := repo.GetRun(ctx, "customers"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetRun() after delete error = %v", err)
			}
		})
	}
}

func TestRunRepository_HistoryCapped(t *testing.T) {
	for name, repo := range repositories(t, 5) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 8; i++ {
				e := models.HistoryEntry{
					RunID:   fmt.Sprintf("run-%d", i),
					Entity:  "products",
					Status:  models.StatusCompleted,
					EndTime: base.Add(time.Duration(i) * time.Minute),
				}
				if err := repo.AppendHistory(ctx, e); err != nil {
					t.Fatalf("AppendHistory() error = %v", err)
				}
			}

			all, err := repo.History(ctx, 0)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("History() len = %d, want 5", len(all))
			}
			if all[0].RunID != "run-7" || all[4].RunID != "run-3" {
				t.Errorf("History() order = %s..%s, want run-7..run-3", all[0].RunID, all[4].RunID)
			}

			two, _ := repo.History(ctx, 2)
			if len(two) != 2 || two[1].RunID != "run-6" {
				t.Errorf("History(2) = %v", two)
			}
		})
	}
}

func TestRunRepository_Markers(t *testing.T) {
	for name, repo := range repositories(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := models.ProgressMarker{Entity: "products", RunID: "r1", CurrentBatch: 4, Offset: 200, BatchSize: 50, SavedAt: time.Now().UTC()}
			if err := repo.SaveMarker(ctx, m); err != nil {
				t.Fatalf("SaveMarker() error = %v", err)
			}
			got, err := repo.GetMarker(ctx, "products")
			if err != nil {
				t.Fatalf("GetMarker() error = %v", err)
			}
			if got.Offset != 200 || got.CurrentBatch != 4 || got.RunID != "r1" {
				t.Errorf("GetMarker() = %+v", got)
			}
			if err := repo.DeleteMarker(ctx, "products"); err != nil {
				t.Fatalf("DeleteMarker() error = %v", err)
			}
			if _, err := repo.GetMarker(ctx, "products"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetMarker() after delete error = %v", err)
			}
		})
	}
}

func TestRunStore_MarkerTTL(t *testing.T) {
	db := openTestDB(t)
	s := NewRunStore(db, 0, time.Hour)
	if err := s.SaveMarker(context.Background(), models.ProgressMarker{Entity: "products"}); err != nil {
		t.Fatalf("SaveMarker() error = %v", err)
	}
	err := db.Badger().View(func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey("products"))
		if err != nil {
			return err
		}
		if item.ExpiresAt() == 0 {
			t.Error("marker should carry a TTL")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestRunStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StorageConfig{Path: dir, CloseTimeout: 5 * time.Second}

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := NewRunStore(db, 0, 0).SaveRun(context.Background(), testRun("products"), 0); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()
	got, err := NewRunStore(db, 0, 0).GetRun(context.Background(), "products")
	if err != nil {
		t.Fatalf("GetRun() after reopen error = %v", err)
	}
	if got.RunID != "run-products" {
		t.Errorf("RunID = %q", got.RunID)
	}
}

func TestDB_Closed(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	if err := db.RunGC(); err != nil {
		t.Errorf("RunGC() in memory error = %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.RunGC(); !errors.Is(err, ErrClosed) {
		t.Errorf("RunGC() after close error = %v, want ErrClosed", err)
	}
	if err := db.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping() after close error = %v, want ErrClosed", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
