// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
)

// Errors
var (
	// ErrClosed is returned when the database is closed.
	ErrClosed = errors.New("state store is closed")

	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a compare-and-swap loses.
	ErrVersionConflict = errors.New("version conflict")
)

// DB owns the BadgerDB instance shared by the run store, lock records and
// the error ledger.
type DB struct {
	db  *badger.DB
	cfg config.StorageConfig

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the state database at cfg.Path.
func Open(cfg config.StorageConfig) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("compression", cfg.Compression).
		Msg("State store opened")
	return &DB{db: db, cfg: cfg}, nil
}

// OpenInMemory opens a non-persistent database for tests and dry runs.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory BadgerDB: %w", err)
	}
	return &DB{db: db, cfg: config.StorageConfig{GCRatio: 0.5, CloseTimeout: 5 * time.Second}}, nil
}

// Badger exposes the underlying handle to the packages that keep their own
// key spaces in it.
func (d *DB) Badger() *badger.DB {
	return d.db
}

// Ping reports whether the database accepts reads.
func (d *DB) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.db.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(func(*badger.Txn) error { return nil })
}

// RunGC reclaims value log space until nothing is left to rewrite.
func (d *DB) RunGC() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if d.db.Opts().InMemory {
		return nil
	}

	ratio := d.cfg.GCRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	for {
		err := d.db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close closes the database, giving up after CloseTimeout.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	timeout := d.cfg.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- d.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("State store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("close BadgerDB: timed out after %v", timeout)
	}
}
