// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
)

// ErrExcessiveSubdivision is returned when a failing range cannot be
// resolved within the configured subdivision depth.
var ErrExcessiveSubdivision = errors.New("excessive range subdivision")

// maxUnsplitSize is split regardless of depth.
const maxUnsplitSize = 30

// knownBadMinSize is the smallest known-bad range still split.
const knownBadMinSize = 5

// RangeResult sums the leaves of one subdivision.
type RangeResult struct {
	Processed int
	Failed    int
	Errors    []models.SyncErrorRecord
	Leaves    int
	MaxDepth  int
}

func (r *RangeResult) add(o RangeResult) {
	r.Processed += o.Processed
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
	r.Leaves += o.Leaves
	r.MaxDepth = max(r.MaxDepth, o.MaxDepth)
}

// rangeRegistry holds ranges known to fail. It only grows.
type rangeRegistry struct {
	mu     sync.RWMutex
	ranges []models.Range
}

func newRangeRegistry(seed []models.Range) *rangeRegistry {
	reg := &rangeRegistry{}
	for _, r := range seed {
		reg.Add(r)
	}
	return reg
}

func (g *rangeRegistry) Add(r models.Range) {
	if !r.Valid() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if slices.Contains(g.ranges, r) {
		return
	}
	g.ranges = append(g.ranges, r)
}

func (g *rangeRegistry) Overlaps(r models.Range) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, bad := range g.ranges {
		if bad.Overlaps(r) {
			return true
		}
	}
	return false
}

func (g *rangeRegistry) List() []models.Range {
	g.mu.RLock()
	out := slices.Clone(g.ranges)
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Range) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	return out
}

// safeThreshold is the largest range fetched without splitting at depth.
func safeThreshold(depth int) int {
	switch depth {
	case 0:
		return 15
	case 1:
		return 10
	default:
		return 5
	}
}

func (e *Engine) shouldSplit(r models.Range, depth int) bool {
	size := r.Size()
	if size <= 1 {
		return false
	}
	if size > safeThreshold(depth) || size > maxUnsplitSize {
		return true
	}
	return size > knownBadMinSize && e.knownBad.Overlaps(r)
}

// syncRange recovers the positions [start, end] of a batch whose page
// fetch failed. Ranges are halved until they are small enough to fetch
// directly. When one half cannot be resolved the other half's items are
// still applied and every unresolved position is ledgered.
func (e *Engine) syncRange(ctx context.Context, rc *runContext, start, end, depth int) (RangeResult, error) {
	r := models.Range{Start: start, End: end}
	if depth > e.cfg.MaxSubdivisionDepth {
		return RangeResult{}, fmt.Errorf("%w: range %s at depth %d", ErrExcessiveSubdivision, r, depth)
	}
	if err := ctx.Err(); err != nil {
		return RangeResult{}, err
	}
	if !e.shouldSplit(r, depth) {
		return e.syncLeaf(ctx, rc, r, depth)
	}

	metrics.RecordSubdivisionSplit(rc.run.Entity)
	lo, hi := r.Split()
	logging.Ctx(ctx).Debug().
		Str("range", r.String()).
		Str("lower", lo.String()).
		Str("upper", hi.String()).
		Int("depth", depth).
		Msg("Subdividing range")

	loRes, loErr := e.syncRange(ctx, rc, lo.Start, lo.End, depth+1)
	if fatalRangeErr(loErr) {
		return RangeResult{}, loErr
	}
	hiRes, hiErr := e.syncRange(ctx, rc, hi.Start, hi.End, depth+1)
	if fatalRangeErr(hiErr) {
		return RangeResult{}, hiErr
	}

	switch {
	case loErr != nil && hiErr != nil:
		return RangeResult{}, fmt.Errorf("range %s: %w", r, errors.Join(loErr, hiErr))
	case loErr != nil:
		hiRes.add(e.unresolved(rc.run, lo, loErr))
		hiRes.MaxDepth = max(hiRes.MaxDepth, depth+1)
		return hiRes, nil
	case hiErr != nil:
		loRes.add(e.unresolved(rc.run, hi, hiErr))
		loRes.MaxDepth = max(loRes.MaxDepth, depth+1)
		return loRes, nil
	}
	loRes.add(hiRes)
	return loRes, nil
}

// fatalRangeErr reports errors that abort the whole subdivision instead of
// failing one half.
func fatalRangeErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrExcessiveSubdivision) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		erp.IsKind(err, erp.KindCircuitOpen)
}

// syncLeaf fetches r directly with whole-second exponential pauses between
// attempts and applies its items. A leaf that keeps failing is registered
// as known-bad.
func (e *Engine) syncLeaf(ctx context.Context, rc *runContext, r models.Range, depth int) (RangeResult, error) {
	run := rc.run
	var (
		items []models.RawItem
		err   error
	)
	for attempt := 1; attempt <= e.cfg.SubdivisionRetryAttempts; attempt++ {
		items, err = rc.pipe.Source.FetchPage(ctx, run.Entity, r, run.Filters)
		if err == nil {
			err = checkPage(run, r, items)
		}
		if err == nil || fatalRangeErr(err) {
			break
		}
		if attempt == e.cfg.SubdivisionRetryAttempts {
			break
		}
		pause := e.cfg.SubdivisionPauseUnit * time.Duration(1<<(attempt-1))
		logging.Ctx(ctx).Debug().
			Err(err).
			Str("range", r.String()).
			Int("attempt", attempt).
			Dur("pause", pause).
			Msg("Leaf fetch failed")
		if serr := e.sleep(ctx, pause); serr != nil {
			return RangeResult{}, serr
		}
	}
	if err != nil {
		if fatalRangeErr(err) {
			return RangeResult{}, err
		}
		e.knownBad.Add(r)
		metrics.RecordSubdivisionLeaf(run.Entity, depth, true)
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("range", r.String()).
			Int("depth", depth).
			Msg("Range unresolved, registered as known bad")
		return RangeResult{}, fmt.Errorf("leaf %s: %w", r, err)
	}

	metrics.RecordSubdivisionLeaf(run.Entity, depth, false)
	applied, err := e.applyItems(ctx, rc, items)
	if err != nil {
		return RangeResult{}, err
	}
	return RangeResult{
		Processed: applied.processed,
		Failed:    applied.failed,
		Errors:    applied.errors,
		Leaves:    1,
		MaxDepth:  depth,
	}, nil
}

// unresolved builds one error row per position of a range that could not
// be fetched.
func (e *Engine) unresolved(run *models.SyncRun, r models.Range, cause error) RangeResult {
	res := RangeResult{Failed: r.Size()}
	now := e.now()
	msg := cause.Error()
	for pos := r.Start; pos <= r.End; pos++ {
		res.Errors = append(res.Errors, models.SyncErrorRecord{
			RunID:        run.RunID,
			ItemKey:      fmt.Sprintf("position:%d", pos),
			ErrorCode:    CodeRangeUnresolved,
			ErrorMessage: msg,
			Timestamp:    now,
		})
	}
	metrics.RecordItemError(run.Entity, CodeRangeUnresolved)
	return res
}
