// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package memguard

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// DefaultMinBatchSize is the floor AdjustBatchSize never goes below.
const DefaultMinBatchSize = 10

// Evictor releases cached data and reports how many entries it dropped.
type Evictor func() int

// CleanupStats describes one cleanup pass.
type CleanupStats struct {
	Reason   string
	Before   uint64
	After    uint64
	Freed    int64
	Evicted  int
	Duration time.Duration
}

// Guard watches process memory against a budget.
//
// The budget is LimitMB (or total system memory when LimitMB <= 0) scaled by
// BufferFraction. Usage above the budget means over limit; usage above
// AdjustThreshold of the budget shrinks batches.
type Guard struct {
	cfg     config.MemoryConfig
	sampler Sampler
	now     func() time.Time
	gc      func()

	mu          sync.Mutex
	evictors    map[string]Evictor
	itemsSince  int
	lastCleanup time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithSampler replaces the memory sampler.
func WithSampler(s Sampler) Option {
	return func(g *Guard) { g.sampler = s }
}

// WithClock replaces the cleanup interval clock.
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) { g.now = fn }
}

// WithGC replaces the forced collection routine.
func WithGC(fn func()) Option {
	return func(g *Guard) { g.gc = fn }
}

// New creates a Guard. Zero config fields take their defaults.
func New(cfg config.MemoryConfig, opts ...Option) *Guard {
	if cfg.BufferFraction <= 0 || cfg.BufferFraction > 1 {
		cfg.BufferFraction = 0.8
	}
	if cfg.AdjustThreshold <= 0 || cfg.AdjustThreshold > 1 {
		cfg.AdjustThreshold = 0.7
	}
	if cfg.CleanupItems <= 0 {
		cfg.CleanupItems = 100
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	g := &Guard{
		cfg:      cfg,
		now:      time.Now,
		gc:       forceGC,
		evictors: make(map[string]Evictor),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sampler == nil {
		g.sampler = NewSystemSampler()
	}
	g.lastCleanup = g.now()
	return g
}

func forceGC() {
	runtime.GC()
	debug.FreeOSMemory()
}

// RegisterEvictor adds a cache evictor run on every cleanup.
func (g *Guard) RegisterEvictor(name string, fn Evictor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictors[name] = fn
}

// budget returns the usable bytes for limitMB, or 0 when unknown.
func (g *Guard) budget(s Sample, limitMB int) uint64 {
	var limit uint64
	if limitMB > 0 {
		limit = uint64(limitMB) << 20
	} else {
		limit = s.Total
	}
	return uint64(float64(limit) * g.cfg.BufferFraction)
}

// Usage samples memory and returns RSS and its fraction of the budget.
func (g *Guard) Usage(ctx context.Context) (uint64, float64) {
	return g.usage(ctx, g.cfg.LimitMB)
}

func (g *Guard) usage(ctx context.Context, limitMB int) (uint64, float64) {
	s, err := g.sampler.Sample(ctx)
	if err != nil {
		logging.Debug().Err(err).Msg("Memory sample failed")
		return 0, 0
	}
	b := g.budget(s, limitMB)
	if b == 0 {
		return s.RSS, 0
	}
	ratio := float64(s.RSS) / float64(b)
	metrics.UpdateMemoryUsage(s.RSS, ratio)
	return s.RSS, ratio
}

// IsOverLimit reports whether RSS exceeds limitMB x BufferFraction.
// limitMB <= 0 uses the configured limit, then total system memory.
// An unavailable sample is treated as under the limit.
func (g *Guard) IsOverLimit(ctx context.Context, limitMB int) bool {
	if limitMB <= 0 {
		limitMB = g.cfg.LimitMB
	}
	_, ratio := g.usage(ctx, limitMB)
	return ratio > 1
}

// AdjustBatchSize halves current when usage exceeds the adjust threshold,
// never going below minSize.
func (g *Guard) AdjustBatchSize(ctx context.Context, current, minSize int) int {
	if minSize <= 0 {
		minSize = DefaultMinBatchSize
	}
	if current <= minSize {
		return current
	}
	used, ratio := g.Usage(ctx)
	if ratio <= g.cfg.AdjustThreshold {
		return current
	}
	next := current / 2
	if next < minSize {
		next = minSize
	}
	logging.Warn().
		Uint64("rss_bytes", used).
		Float64("budget_ratio", ratio).
		Int("from", current).
		Int("to", next).
		Msg("Memory pressure, reducing batch size")
	return next
}

// Cleanup forces a collection and runs every registered evictor.
func (g *Guard) Cleanup(ctx context.Context, reason string) CleanupStats {
	start := time.Now()
	before, _ := g.sampler.Sample(ctx)

	g.mu.Lock()
	evictors := make([]Evictor, 0, len(g.evictors))
	for _, fn := range g.evictors {
		evictors = append(evictors, fn)
	}
	g.itemsSince = 0
	g.lastCleanup = g.now()
	g.mu.Unlock()

	evicted := 0
	for _, fn := range evictors {
		evicted += fn()
	}
	g.gc()

	after, _ := g.sampler.Sample(ctx)
	stats := CleanupStats{
		Reason:   reason,
		Before:   before.RSS,
		After:    after.RSS,
		Freed:    int64(before.RSS) - int64(after.RSS),
		Evicted:  evicted,
		Duration: time.Since(start),
	}
	metrics.RecordMemoryCleanup(stats.Freed)
	logging.Debug().
		Str("reason", reason).
		Uint64("before_bytes", stats.Before).
		Uint64("after_bytes", stats.After).
		Int("evicted", evicted).
		Dur("duration", stats.Duration).
		Msg("Memory cleanup")
	return stats
}

// Tick records n processed items and runs a cleanup once CleanupItems items
// or CleanupInterval have passed since the last one. It reports whether a
// cleanup ran.
func (g *Guard) Tick(ctx context.Context, n int) bool {
	g.mu.Lock()
	g.itemsSince += n
	due := g.itemsSince >= g.cfg.CleanupItems || g.now().Sub(g.lastCleanup) >= g.cfg.CleanupInterval
	g.mu.Unlock()
	if !due {
		return false
	}
	g.Cleanup(ctx, "periodic")
	return true
}
