// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/store"
)

const (
	errorKeyPrefix = "ledger:err:"
	itemKeyPrefix  = "ledger:item:"
	batchKeyPrefix = "ledger:batch:"

	// DefaultErrorLimit bounds ErrorStats samples.
	DefaultErrorLimit = 50
)

// ErrEmptyRunID is returned when a row carries no run ID.
var ErrEmptyRunID = errors.New("ledger row requires a run id")

// ErrorStats summarizes the ledger for one run.
type ErrorStats struct {
	RunID          string                   `json:"run_id"`
	TotalErrors    int                      `json:"total_errors"`
	ByCode         map[string]int           `json:"by_code"`
	Recent         []models.SyncErrorRecord `json:"recent"`
	Batches        int                      `json:"batches"`
	ItemsProcessed int                      `json:"items_processed"`
	ItemsFailed    int                      `json:"items_failed"`
}

// Ledger is the append-only record of batch outcomes and per-item failures.
// Error rows are indexed by run ID and by item key.
type Ledger struct {
	db  *badger.DB
	seq atomic.Uint64
	now func() time.Time
}

// New creates a ledger on the shared state store.
func New(db *store.DB) *Ledger {
	return &Ledger{db: db.Badger(), now: time.Now}
}

func (l *Ledger) nextSeq() string {
	return fmt.Sprintf("%020d-%06d", l.now().UnixNano(), l.seq.Add(1)%1_000_000)
}

var (
	keyEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	keyUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

// escape keeps ':' out of key components so prefixes stay unambiguous.
// '%' is escaped too so the mapping stays one to one.
func escape(s string) string {
	return keyEscaper.Replace(s)
}

func unescape(s string) string {
	return keyUnescaper.Replace(s)
}

func errorKey(runID, seq string) []byte {
	return []byte(errorKeyPrefix + escape(runID) + ":" + seq)
}

func itemKey(item, runID, seq string) []byte {
	return []byte(itemKeyPrefix + escape(item) + ":" + escape(runID) + ":" + seq)
}

func batchKey(runID string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", batchKeyPrefix, escape(runID), n))
}

// RecordBatch stores one batch outcome.
func (l *Ledger) RecordBatch(ctx context.Context, rec models.BatchRecord) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(rec.RunID, rec.BatchNumber), data)
	})
}

// RecordError appends one item failure.
func (l *Ledger) RecordError(ctx context.Context, rec models.SyncErrorRecord) error {
	return l.RecordErrors(ctx, []models.SyncErrorRecord{rec})
}

// RecordErrors appends item failures in one transaction.
func (l *Ledger) RecordErrors(ctx context.Context, recs []models.SyncErrorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return l.db.Update(func(txn *badger.Txn) error {
		for i := range recs {
			rec := recs[i]
			if rec.RunID == "" {
				return ErrEmptyRunID
			}
			if rec.Timestamp.IsZero() {
				rec.Timestamp = l.now()
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal error row: %w", err)
			}
			seq := l.nextSeq()
			ek := errorKey(rec.RunID, seq)
			if err := txn.Set(ek, data); err != nil {
				return fmt.Errorf("set error row: %w", err)
			}
			if rec.ItemKey != "" {
				if err := txn.Set(itemKey(rec.ItemKey, rec.RunID, seq), ek); err != nil {
					return fmt.Errorf("set item index: %w", err)
				}
			}
		}
		return nil
	})
}

// Errors returns up to limit error rows of runID, newest first.
// limit <= 0 returns all of them.
func (l *Ledger) Errors(ctx context.Context, runID string, limit int) ([]models.SyncErrorRecord, error) {
	prefix := []byte(errorKeyPrefix + escape(runID) + ":")
	var out []models.SyncErrorRecord
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(bytes.Clone(prefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec models.SyncErrorRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal error row: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ErrorsForItem returns every error row recorded for an item key across
// runs, oldest first.
func (l *Ledger) ErrorsForItem(ctx context.Context, key string) ([]models.SyncErrorRecord, error) {
	prefix := []byte(itemKeyPrefix + escape(key) + ":")
	var out []models.SyncErrorRecord
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ref, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(ref)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var rec models.SyncErrorRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal error row: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Batches returns the batch records of runID in batch order.
func (l *Ledger) Batches(ctx context.Context, runID string) ([]models.BatchRecord, error) {
	prefix := []byte(batchKeyPrefix + escape(runID) + ":")
	var out []models.BatchRecord
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.BatchRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal batch: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Stats aggregates the error rows and batch records of runID. Recent holds
// at most limit rows, newest first.
func (l *Ledger) Stats(ctx context.Context, runID string, limit int) (*ErrorStats, error) {
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	rows, err := l.Errors(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	batches, err := l.Batches(ctx, runID)
	if err != nil {
		return nil, err
	}

	stats := &ErrorStats{
		RunID:       runID,
		TotalErrors: len(rows),
		ByCode:      make(map[string]int),
		Batches:     len(batches),
	}
	for _, r := range rows {
		code := r.ErrorCode
		if code == "" {
			code = "unknown"
		}
		stats.ByCode[code]++
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	stats.Recent = rows
	for i := range batches {
		stats.ItemsProcessed += batches[i].Processed()
		stats.ItemsFailed += batches[i].Failed()
	}
	return stats, nil
}

// Compact deletes error rows, their index entries and batch records older
// than cutoff. It returns how many rows were deleted.
func (l *Ledger) Compact(ctx context.Context, cutoff time.Time) (int, error) {
	var doomed [][]byte

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for _, p := range []string{errorKeyPrefix, batchKeyPrefix} {
			prefix := []byte(p)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var row struct {
					Timestamp time.Time `json:"timestamp"`
				}
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &row)
				}); err != nil {
					continue
				}
				if row.Timestamp.Before(cutoff) {
					doomed = append(doomed, it.Item().KeyCopy(nil))
				}
			}
		}

		// Index entries point at error keys; drop the ones whose target goes.
		gone := make(map[string]struct{}, len(doomed))
		for _, k := range doomed {
			gone[string(k)] = struct{}{}
		}
		prefix := []byte(itemKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ref, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			if _, ok := gone[string(ref)]; ok {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan ledger: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	rows := 0
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete ledger row: %w", err)
		}
		if !bytes.HasPrefix(k, []byte(itemKeyPrefix)) {
			rows++
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush ledger deletes: %w", err)
	}
	return rows, nil
}

// RunIDs lists the runs that have error rows, sorted.
func (l *Ledger) RunIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(errorKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), errorKeyPrefix)
			if i := strings.LastIndex(rest, ":"); i > 0 {
				seen[unescape(rest[:i])] = struct{}{}
			}
		}
		return nil
	})
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, err
}
