// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/store"
)

// Record is the persisted lock for one entity.
type Record struct {
	Entity         string    `json:"entity"`
	OwnerID        string    `json:"owner_id"`
	PID            int       `json:"pid"`
	Hostname       string    `json:"hostname"`
	AcquiredAt     time.Time `json:"acquired_at"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	HeartbeatAt    time.Time `json:"heartbeat_at"`
	Version        uint64    `json:"version"`
}

// Timeout returns TimeoutSeconds as a duration.
func (r *Record) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Repository stores lock records with compare-and-swap semantics.
// expected is the stored Version, 0 meaning "must be absent".
type Repository interface {
	Get(ctx context.Context, entity string) (*Record, error)
	CompareAndSwap(ctx context.Context, rec *Record, expected uint64) error
	Delete(ctx context.Context, entity string, expected uint64) error
}

const lockKeyPrefix = "lock:"

func lockKey(entity string) []byte { return []byte(lockKeyPrefix + entity) }

// BadgerRepository keeps lock records in the shared state store.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates a repository on db.
func NewBadgerRepository(db *store.DB) *BadgerRepository {
	return &BadgerRepository{db: db.Badger()}
}

// Get returns the record for entity or store.ErrNotFound.
func (r *BadgerRepository) Get(ctx context.Context, entity string) (*Record, error) {
	var rec Record
	if err := store.GetJSON(r.db, lockKey(entity), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompareAndSwap writes rec when the stored version equals expected and
// bumps rec.Version on success.
func (r *BadgerRepository) CompareAndSwap(ctx context.Context, rec *Record, expected uint64) error {
	next := *rec
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		if err := checkVersion(txn, rec.Entity, expected); err != nil {
			return err
		}
		return txn.Set(lockKey(rec.Entity), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return store.ErrVersionConflict
	}
	if err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

// Delete removes the record when the stored version equals expected.
func (r *BadgerRepository) Delete(ctx context.Context, entity string, expected uint64) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := checkVersion(txn, entity, expected); err != nil {
			return err
		}
		return txn.Delete(lockKey(entity))
	})
	if errors.Is(err, badger.ErrConflict) {
		return store.ErrVersionConflict
	}
	return err
}

func checkVersion(txn *badger.Txn, entity string, expected uint64) error {
	item, err := txn.Get(lockKey(entity))
	if errors.Is(err, badger.ErrKeyNotFound) {
		if expected != 0 {
			return store.ErrVersionConflict
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lock: %w", err)
	}
	var current Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &current)
	}); err != nil {
		return fmt.Errorf("unmarshal lock: %w", err)
	}
	if current.Version != expected {
		return store.ErrVersionConflict
	}
	return nil
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[string]Record)}
}

func (r *MemoryRepository) Get(_ context.Context, entity string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[entity]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) CompareAndSwap(_ context.Context, rec *Record, expected uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.recs[rec.Entity]
	if (!ok && expected != 0) || (ok && current.Version != expected) {
		return store.ErrVersionConflict
	}
	next := *rec
	next.Version = expected + 1
	r.recs[rec.Entity] = next
	rec.Version = next.Version
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, entity string, expected uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.recs[entity]
	if !ok {
		if expected != 0 {
			return store.ErrVersionConflict
		}
		return nil
	}
	if current.Version != expected {
		return store.ErrVersionConflict
	}
	delete(r.recs, entity)
	return nil
}
