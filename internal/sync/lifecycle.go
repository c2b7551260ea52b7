// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/events"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/store"
)

// maxParallelResumes bounds ResumePending.
const maxParallelResumes = 4

// Finish completes entity's run, archives it and releases the lock.
func (e *Engine) Finish(ctx context.Context, entity string) (*models.HistoryEntry, error) {
	return e.finalize(ctx, entity, models.StatusCompleted)
}

// Cancel stops entity's run. A batch already in flight completes first.
// The progress marker is kept so the run can be resumed.
func (e *Engine) Cancel(ctx context.Context, entity string) (*models.HistoryEntry, error) {
	if a := e.activeFor(entity); a != nil {
		a.requestCancel()
	}
	return e.finalize(ctx, entity, models.StatusCancelled)
}

func (e *Engine) finalize(ctx context.Context, entity string, status models.RunStatus) (*models.HistoryEntry, error) {
	op := "finish"
	if status == models.StatusCancelled {
		op = "cancel"
	}

	leave, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer leave()

	run, err := e.getRun(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return nil, erp.Validation(op, fmt.Sprintf("no sync run for %s", entity))
	}
	if run.Status != models.StatusRunning {
		return nil, erp.Validation(op, fmt.Sprintf("sync for %s is already %s", entity, run.Status))
	}

	active := e.activeFor(entity)
	if active == nil {
		rec, err := e.locks.Holder(ctx, entity)
		if err != nil {
			return nil, fmt.Errorf("read lock: %w", err)
		}
		if rec != nil && rec.OwnerID != e.locks.Owner().ID && e.locks.Valid(ctx, rec, e.now()) {
			return nil, erp.Concurrency(op, fmt.Sprintf("sync for %s is owned by %s", entity, rec.OwnerID))
		}
	}

	ctx = logging.ContextWithRun(ctx, run.RunID, entity)
	now := e.now()
	next := run.Clone()
	next.Status = status
	next.EndTime = &now
	next.LastUpdateTime = now
	if err := e.runs.SaveRun(ctx, next, run.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, erp.Concurrency(op, "run was modified concurrently")
		}
		return nil, fmt.Errorf("save run: %w", err)
	}

	entry := next.Summary()
	if err := e.runs.AppendHistory(ctx, entry); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to append run history")
	}
	if status == models.StatusCompleted {
		if err := e.runs.DeleteMarker(ctx, entity); err != nil && !errors.Is(err, store.ErrNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Msg("Failed to delete progress marker")
		}
	}
	e.detach(ctx, entity)

	metrics.RecordRunFinished(entity, string(next.Direction), string(status), now.Sub(next.StartTime))
	t := events.RunCompleted
	if status == models.StatusCancelled {
		t = events.RunCancelled
	}
	e.publish(ctx, t, next)

	logging.Ctx(ctx).Info().
		Str("status", string(status)).
		Int("items_synced", next.ItemsSynced).
		Int("total_items", next.TotalItems).
		Int("errors", next.ErrorCount).
		Int("batches", next.CurrentBatch).
		Float64("duration_seconds", entry.DurationSeconds).
		Msg("Sync finished")
	return &entry, nil
}

// detach stops the heartbeat, releases the lock and forgets the run. The
// persisted run is left as is.
func (e *Engine) detach(ctx context.Context, entity string) {
	if a := e.activeFor(entity); a != nil {
		a.heartbeat.Stop()
	}
	if _, err := e.locks.Release(context.WithoutCancel(ctx), entity); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to release sync lock")
	}
	e.setActive(entity, nil)
}

// Resume continues an interrupted run from its last persisted batch in
// recovery mode. The progress marker must be fresh and no valid lock may
// exist.
func (e *Engine) Resume(ctx context.Context, entity string) (*StartResult, error) {
	leave, err := e.enter(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer leave()

	if e.activeFor(entity) != nil {
		return nil, erp.Concurrency("resume", fmt.Sprintf("sync for %s is already active", entity))
	}

	marker, err := e.runs.GetMarker(ctx, entity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, erp.Validation("resume", fmt.Sprintf("no progress marker for %s", entity))
	}
	if err != nil {
		return nil, fmt.Errorf("load marker: %w", err)
	}
	now := e.now()
	if marker.Stale(now, e.cfg.StaleAfter) {
		if err := e.runs.DeleteMarker(ctx, entity); err != nil {
			logging.Warn().Err(err).Str("entity", entity).Msg("Failed to delete stale progress marker")
		}
		return nil, erp.Validation("resume", fmt.Sprintf("progress marker for %s is older than %s", entity, e.cfg.StaleAfter))
	}

	locked, err := e.locks.IsLocked(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("check lock: %w", err)
	}
	if locked {
		return nil, erp.Concurrency("resume", fmt.Sprintf("sync for %s is locked", entity))
	}

	run, err := e.getRun(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	switch {
	case run == nil || run.RunID != marker.RunID:
		return nil, erp.Validation("resume", fmt.Sprintf("progress marker for %s does not match its run", entity))
	case run.Status == models.StatusCompleted:
		return nil, erp.Validation("resume", fmt.Sprintf("sync %s is already completed", run.RunID))
	}
	if _, ok := e.pipelines[run.Direction]; !ok {
		return nil, erp.Validation("resume", fmt.Sprintf("direction %s is not configured", run.Direction))
	}

	acquired, err := e.locks.Acquire(ctx, entity, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, erp.Concurrency("resume", fmt.Sprintf("could not acquire lock for %s", entity))
	}

	next := run.Clone()
	next.Status = models.StatusRunning
	next.RecoveryMode = true
	// The run is saved before the marker on every batch, so it is never
	// behind; the marker only gates staleness.
	next.BatchSize = e.clampBatchSize(run.BatchSize)
	next.TotalBatches = next.CurrentBatch + next.RemainingBatches()
	next.EndTime = nil
	next.LastUpdateTime = now
	if err := e.runs.SaveRun(ctx, next, run.Version); err != nil {
		if _, rerr := e.locks.Release(context.WithoutCancel(ctx), entity); rerr != nil {
			logging.Error().Err(rerr).Str("entity", entity).Msg("Failed to release lock after failed resume")
		}
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, erp.Concurrency("resume", "run was modified concurrently")
		}
		return nil, fmt.Errorf("save run: %w", err)
	}
	if err := e.runs.SaveMarker(ctx, models.MarkerFor(next, now)); err != nil {
		logging.Warn().Err(err).Str("entity", entity).Msg("Failed to refresh progress marker")
	}

	ctx = logging.ContextWithRun(ctx, next.RunID, entity)
	e.activate(ctx, next)
	metrics.RecordRunStarted()
	metrics.SetBatchSize(entity, next.BatchSize)
	e.publish(ctx, events.RunStarted, next)

	logging.Ctx(ctx).Info().
		Int("current_batch", next.CurrentBatch).
		Int("total_batches", next.TotalBatches).
		Int("offset", next.Offset).
		Time("marker_saved_at", marker.SavedAt).
		Msg("Sync resumed in recovery mode")

	return &StartResult{
		RunID:        next.RunID,
		TotalItems:   next.TotalItems,
		TotalBatches: next.TotalBatches,
		CurrentBatch: next.CurrentBatch,
		Resumed:      true,
	}, nil
}

// Run drives entity's active run until it completes, is cancelled or hits
// a fatal error. Memory pressure pauses the loop. On a fatal error or ctx
// cancellation the run stays running and its lock is released so it can
// be resumed.
func (e *Engine) Run(ctx context.Context, entity string) (*models.HistoryEntry, error) {
	for {
		out, err := e.ProcessNextBatch(ctx, entity)
		if err != nil {
			if ctx.Err() != nil {
				e.suspend(ctx, entity, ctx.Err())
				return nil, ctx.Err()
			}
			if erp.IsKind(err, erp.KindMemory) {
				logging.Warn().
					Str("entity", entity).
					Dur("pause", e.cfg.MemoryPause).
					Msg("Memory budget exceeded, pausing sync")
				if serr := e.sleep(ctx, e.cfg.MemoryPause); serr != nil {
					e.suspend(ctx, entity, serr)
					return nil, serr
				}
				continue
			}
			e.fail(ctx, entity, err)
			return nil, err
		}
		switch {
		case out.Cancelled:
			return e.summary(ctx, entity)
		case out.Done:
			entry, err := e.Finish(ctx, entity)
			if err != nil && erp.IsKind(err, erp.KindValidation) {
				// Cancelled or finished concurrently.
				return e.summary(ctx, entity)
			}
			return entry, err
		}
	}
}

// Sync starts a run for req and drives it to completion.
func (e *Engine) Sync(ctx context.Context, req StartRequest) (*models.HistoryEntry, error) {
	if _, err := e.Start(ctx, req); err != nil {
		return nil, err
	}
	return e.Run(ctx, req.Entity)
}

// ResumePending resumes and drives every interrupted run among entities.
// Runs that are not running or whose marker is missing or stale are
// skipped.
func (e *Engine) ResumePending(ctx context.Context, entities []string) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelResumes)
	for _, entity := range entities {
		g.Go(func() error {
			if err := e.resumePending(gctx, entity); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", entity, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) resumePending(ctx context.Context, entity string) error {
	run, err := e.getRun(ctx, entity)
	if err != nil {
		return err
	}
	if run == nil || run.Status != models.StatusRunning || e.activeFor(entity) != nil {
		return nil
	}
	if _, err := e.Resume(ctx, entity); err != nil {
		switch erp.KindOf(err) {
		case erp.KindValidation, erp.KindConcurrency:
			logging.Info().Err(err).Str("entity", entity).Msg("Skipping resume")
			return nil
		}
		return err
	}
	_, err = e.Run(ctx, entity)
	return err
}

// suspend releases the run without changing its persisted state.
func (e *Engine) suspend(ctx context.Context, entity string, cause error) {
	logging.Warn().
		Err(cause).
		Str("entity", entity).
		Msg("Sync suspended, run can be resumed")
	e.detach(ctx, entity)
}

func (e *Engine) fail(ctx context.Context, entity string, cause error) {
	a := e.activeFor(entity)
	if a == nil {
		return
	}
	if run, err := e.getRun(context.WithoutCancel(ctx), entity); err == nil && run != nil {
		e.publish(ctx, events.RunFailed, run)
	}
	if erp.IsKind(cause, erp.KindConcurrency) {
		// The lock may belong to another process now.
		a.heartbeat.Stop()
		e.setActive(entity, nil)
		return
	}
	logging.Error().
		Err(cause).
		Str("entity", entity).
		Msg("Sync failed, run can be resumed")
	e.detach(ctx, entity)
}

func (e *Engine) summary(ctx context.Context, entity string) (*models.HistoryEntry, error) {
	run, err := e.getRun(ctx, entity)
	if err != nil || run == nil {
		return nil, err
	}
	entry := run.Summary()
	return &entry, nil
}
