// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
)

const (
	itemsTable   = "catalog_items"
	queryTimeout = 30 * time.Second
)

// ErrItemNotFound is returned by Get for an unknown (entity, sku).
var ErrItemNotFound = errors.New("catalog item not found")

// Store is the local catalog. Upsert is idempotent per (entity, sku).
type Store interface {
	// Upsert applies item. It returns false when the stored item already
	// carries the same fingerprint.
	Upsert(ctx context.Context, item Item) (bool, error)

	// Count returns how many items of entity pass filters.
	Count(ctx context.Context, entity string, filters models.Filters) (int, error)

	// Page returns the items of entity at positions r (1-based, inclusive),
	// ordered by SKU.
	Page(ctx context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error)

	// Get returns one item.
	Get(ctx context.Context, entity, sku string) (*Item, error)
}

// DuckDBStore keeps the catalog in a DuckDB file.
type DuckDBStore struct {
	conn  *sql.DB
	cfg   config.CatalogConfig
	cache *FingerprintCache
	now   func() time.Time
}

// Open opens (or creates) the catalog database and its schema.
func Open(cfg config.CatalogConfig) (*DuckDBStore, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	path := cfg.Path
	if path != "" && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create catalog directory %s: %w", dir, err)
			}
		}
	} else {
		path = ""
	}

	connStr := fmt.Sprintf("%s?threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	conn.SetMaxOpenConns(threads)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	s := &DuckDBStore{
		conn:  conn,
		cfg:   cfg,
		cache: NewFingerprintCache(cfg.FingerprintCacheSize, cfg.FingerprintTTL),
		now:   time.Now,
	}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("threads", threads).
		Str("max_memory", maxMemory).
		Msg("Catalog store opened")
	return s, nil
}

func (s *DuckDBStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+itemsTable+` (
		entity      VARCHAR NOT NULL,
		sku         VARCHAR NOT NULL,
		name        VARCHAR,
		payload     VARCHAR NOT NULL,
		fingerprint VARCHAR NOT NULL,
		modified_at TIMESTAMP,
		synced_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (entity, sku)
	)`)
	return err
}

// Cache exposes the fingerprint cache so it can be registered as a memory
// guard evictor.
func (s *DuckDBStore) Cache() *FingerprintCache {
	return s.cache
}

// Ping checks the connection.
func (s *DuckDBStore) Ping(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return s.conn.PingContext(ctx)
}

// Close closes the database.
func (s *DuckDBStore) Close() error {
	return s.conn.Close()
}

func ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, queryTimeout)
	}
	return ctx, func() {}
}

func formatFingerprint(fp uint64) string {
	return strconv.FormatUint(fp, 16)
}

// Upsert implements Store.
func (s *DuckDBStore) Upsert(ctx context.Context, item Item) (bool, error) {
	if item.Entity == "" || item.SKU == "" {
		return false, ErrMissingKey
	}
	if s.cache.Unchanged(item.Entity, item.SKU, item.Fingerprint) {
		return false, nil
	}

	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var modified sql.NullTime
	if item.ModifiedAt != nil {
		modified = sql.NullTime{Time: item.ModifiedAt.UTC(), Valid: true}
	}

	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `INSERT INTO `+itemsTable+`
		(entity, sku, name, payload, fingerprint, modified_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, sku) DO UPDATE SET
			name = EXCLUDED.name,
			payload = EXCLUDED.payload,
			fingerprint = EXCLUDED.fingerprint,
			modified_at = EXCLUDED.modified_at,
			synced_at = EXCLUDED.synced_at`,
		item.Entity, item.SKU, item.Name, string(item.Payload),
		formatFingerprint(item.Fingerprint), modified, s.now().UTC())
	metrics.RecordDBQuery("upsert", itemsTable, time.Since(start), err)
	if err != nil {
		s.cache.Forget(item.Entity, item.SKU)
		return false, fmt.Errorf("upsert %s/%s: %w", item.Entity, item.SKU, err)
	}
	s.cache.Remember(item.Entity, item.SKU, item.Fingerprint)
	return true, nil
}

// whereClause builds the entity and modification filter.
func whereClause(entity string, filters models.Filters) (string, []any) {
	clauses := []string{"entity = ?"}
	args := []any{entity}
	if bound, ok := filters.LowerBound(); ok {
		clauses = append(clauses, "modified_at >= ?")
		args = append(args, bound)
	}
	return strings.Join(clauses, " AND "), args
}

// Count implements Store.
func (s *DuckDBStore) Count(ctx context.Context, entity string, filters models.Filters) (int, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	where, args := whereClause(entity, filters)
	start := time.Now()
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+itemsTable+` WHERE `+where, args...).Scan(&n)
	metrics.RecordDBQuery("count", itemsTable, time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// Page implements Store.
func (s *DuckDBStore) Page(ctx context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid range %s", r)
	}
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	where, args := whereClause(entity, filters)
	args = append(args, r.Size(), r.Start-1)

	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, `SELECT sku, payload FROM `+itemsTable+`
		WHERE `+where+` ORDER BY sku LIMIT ? OFFSET ?`, args...)
	if err != nil {
		metrics.RecordDBQuery("page", itemsTable, time.Since(start), err)
		return nil, fmt.Errorf("page %s %s: %w", entity, r, err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.RawItem
	for rows.Next() {
		var sku, payload string
		if err := rows.Scan(&sku, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entity, err)
		}
		item := Item{SKU: sku, Payload: []byte(payload)}
		raw, err := item.RawItem()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	err = rows.Err()
	metrics.RecordDBQuery("page", itemsTable, time.Since(start), err)
	return out, err
}

// Get implements Store.
func (s *DuckDBStore) Get(ctx context.Context, entity, sku string) (*Item, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	var (
		name     sql.NullString
		payload  string
		fp       string
		modified sql.NullTime
	)
	err := s.conn.QueryRowContext(ctx, `SELECT name, payload, fingerprint, modified_at
		FROM `+itemsTable+` WHERE entity = ? AND sku = ?`, entity, sku).
		Scan(&name, &payload, &fp, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", entity, sku, err)
	}

	item := &Item{Entity: entity, SKU: sku, Name: name.String, Payload: []byte(payload)}
	item.Fingerprint, _ = strconv.ParseUint(fp, 16, 64)
	if modified.Valid {
		t := modified.Time.UTC()
		item.ModifiedAt = &t
	}
	return item, nil
}
