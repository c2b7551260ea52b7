// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// GarbageCollector reclaims storage after deletes.
type GarbageCollector interface {
	RunGC() error
}

// Compactor periodically applies the retention window to the ledger and
// then runs value log GC on the state store. It is a suture service.
type Compactor struct {
	ledger *Ledger
	gc     GarbageCollector
	cfg    config.LedgerConfig
	now    func() time.Time

	mu          sync.Mutex
	lastRun     time.Time
	lastDeleted int
}

// NewCompactor creates a compactor. gc may be nil.
func NewCompactor(l *Ledger, gc GarbageCollector, cfg config.LedgerConfig) *Compactor {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = time.Hour
	}
	return &Compactor{ledger: l, gc: gc, cfg: cfg, now: time.Now}
}

// Serve implements suture.Service.
func (c *Compactor) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", c.cfg.CompactInterval).
		Dur("retention", c.cfg.Retention).
		Msg("Ledger compactor started")

	ticker := time.NewTicker(c.cfg.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Ledger compactor stopped")
			return ctx.Err()
		case <-ticker.C:
			c.CompactOnce(ctx)
		}
	}
}

func (c *Compactor) String() string { return "ledger-compactor" }

// CompactOnce deletes rows older than the retention window and runs GC.
func (c *Compactor) CompactOnce(ctx context.Context) int {
	start := time.Now()
	cutoff := c.now().Add(-c.cfg.Retention)

	deleted, err := c.ledger.Compact(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("Ledger compaction failed")
	}
	if c.gc != nil {
		if err := c.gc.RunGC(); err != nil {
			logging.Error().Err(err).Msg("State store GC error")
		}
	}

	c.mu.Lock()
	c.lastRun = c.now()
	c.lastDeleted = deleted
	c.mu.Unlock()

	metrics.RecordLedgerCompaction(deleted)
	if deleted > 0 {
		logging.Info().
			Int("deleted", deleted).
			Time("cutoff", cutoff).
			Dur("duration", time.Since(start)).
			Msg("Ledger compaction completed")
	}
	return deleted
}

// LastRun returns when the compactor last ran and how many rows it removed.
func (c *Compactor) LastRun() (time.Time, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun, c.lastDeleted
}
