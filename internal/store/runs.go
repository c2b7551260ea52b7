// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/models"
)

const (
	runKeyPrefix     = "run:"
	historyKeyPrefix = "history:"
	markerKeyPrefix  = "marker:"

	// DefaultHistoryLimit caps the archived run summaries.
	DefaultHistoryLimit = 100
)

// RunRepository persists sync runs, their history and progress markers.
//
// SaveRun is a compare-and-swap on SyncRun.Version: expected must equal the
// stored version (0 when absent). On success run.Version is bumped.
type RunRepository interface {
	GetRun(ctx context.Context, entity string) (*models.SyncRun, error)
	SaveRun(ctx context.Context, run *models.SyncRun, expected uint64) error
	DeleteRun(ctx context.Context, entity string) error
	ListRuns(ctx context.Context) ([]*models.SyncRun, error)

	AppendHistory(ctx context.Context, entry models.HistoryEntry) error
	History(ctx context.Context, limit int) ([]models.HistoryEntry, error)

	SaveMarker(ctx context.Context, marker models.ProgressMarker) error
	GetMarker(ctx context.Context, entity string) (*models.ProgressMarker, error)
	DeleteMarker(ctx context.Context, entity string) error
}

// RunStore is the BadgerDB RunRepository.
type RunStore struct {
	db           *badger.DB
	historyLimit int
	markerTTL    time.Duration
}

// NewRunStore creates a run store. markerTTL expires progress markers at the
// storage level; zero keeps them until deleted.
func NewRunStore(db *DB, historyLimit int, markerTTL time.Duration) *RunStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &RunStore{db: db.Badger(), historyLimit: historyLimit, markerTTL: markerTTL}
}

func runKey(entity string) []byte    { return []byte(runKeyPrefix + entity) }
func markerKey(entity string) []byte { return []byte(markerKeyPrefix + entity) }

func historyKey(e models.HistoryEntry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", historyKeyPrefix, e.EndTime.UnixNano(), e.RunID))
}

// GetRun returns the current run for entity or ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, entity string) (*models.SyncRun, error) {
	var run models.SyncRun
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(entity), &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// SaveRun writes run if the stored version equals expected.
func (s *RunStore) SaveRun(ctx context.Context, run *models.SyncRun, expected uint64) error {
	next := run.Clone()
	next.Version = expected + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		var current models.SyncRun
		err := getJSON(txn, runKey(run.Entity), &current)
		switch {
		case errors.Is(err, ErrNotFound):
			if expected != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return err
		case current.Version != expected:
			return ErrVersionConflict
		}
		return txn.Set(runKey(run.Entity), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	run.Version = next.Version
	return nil
}

// DeleteRun removes the current run for entity.
func (s *RunStore) DeleteRun(ctx context.Context, entity string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(entity))
	})
}

// ListRuns returns the current run of every entity.
func (s *RunStore) ListRuns(ctx context.Context) ([]*models.SyncRun, error) {
	var runs []*models.SyncRun
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(runKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run models.SyncRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	return runs, err
}

// AppendHistory archives entry and drops the oldest entries past the cap.
func (s *RunStore) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(historyKey(entry), data); err != nil {
			return fmt.Errorf("set history: %w", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		prefix := []byte(historyKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for i := 0; i < len(keys)-s.historyLimit; i++ {
			if err := txn.Delete(keys[i]); err != nil {
				return fmt.Errorf("trim history: %w", err)
			}
		}
		return nil
	})
}

// History returns up to limit archived runs, newest first.
func (s *RunStore) History(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	out := make([]models.HistoryEntry, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(historyKeyPrefix)
		seek := append([]byte(historyKeyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var e models.HistoryEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("unmarshal history: %w", err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// SaveMarker overwrites the progress marker for marker.Entity.
func (s *RunStore) SaveMarker(ctx context.Context, marker models.ProgressMarker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(markerKey(marker.Entity), data)
		if s.markerTTL > 0 {
			e = e.WithTTL(s.markerTTL)
		}
		return txn.SetEntry(e)
	})
}

// GetMarker returns the progress marker for entity or ErrNotFound.
func (s *RunStore) GetMarker(ctx context.Context, entity string) (*models.ProgressMarker, error) {
	var m models.ProgressMarker
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, markerKey(entity), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMarker clears the progress marker for entity.
func (s *RunStore) DeleteMarker(ctx context.Context, entity string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(markerKey(entity))
	})
}

// getJSON decodes key into out, mapping a missing key to ErrNotFound.
func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// GetJSON reads key from db into out. It returns ErrNotFound when absent.
func GetJSON(db *badger.DB, key []byte, out any) error {
	return db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key, out)
	})
}
