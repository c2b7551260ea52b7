// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/events"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/store"
)

// BatchOutcome reports one ProcessNextBatch call.
type BatchOutcome struct {
	RunID          string       `json:"run_id"`
	BatchNumber    int          `json:"batch_number"`
	Range          models.Range `json:"range"`
	BatchSize      int          `json:"batch_size"`
	Processed      int          `json:"processed"`
	Failed         int          `json:"failed"`
	RetryProcessed int          `json:"retry_processed"`
	RetryFailed    int          `json:"retry_failed"`
	Subdivided     bool         `json:"subdivided"`
	Done           bool         `json:"done"`
	Cancelled      bool         `json:"cancelled"`
}

// runContext carries what a batch and its subdivision need.
type runContext struct {
	run  *models.SyncRun
	pipe Pipeline
}

// applyResult accumulates item outcomes.
type applyResult struct {
	processed int
	failed    int
	errors    []models.SyncErrorRecord
}

// ProcessNextBatch fetches and applies the next batch of entity's running
// run. The run advances only after the outcome is persisted; a returned
// error leaves CurrentBatch where it was.
func (e *Engine) ProcessNextBatch(ctx context.Context, entity string) (*BatchOutcome, error) {
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
		return nil, erp.Validation("process_batch", fmt.Sprintf("no sync run for %s", entity))
	}
	switch run.Status {
	case models.StatusCancelled:
		return &BatchOutcome{RunID: run.RunID, BatchNumber: run.CurrentBatch, Cancelled: true}, nil
	case models.StatusCompleted:
		return &BatchOutcome{RunID: run.RunID, BatchNumber: run.CurrentBatch, Done: true}, nil
	case models.StatusRunning:
	default:
		return nil, erp.Validation("process_batch", fmt.Sprintf("sync for %s is %s", entity, run.Status))
	}

	active := e.activeFor(entity)
	if active == nil || active.runID != run.RunID {
		return nil, erp.Concurrency("process_batch", fmt.Sprintf("run %s is not owned by this process", run.RunID))
	}
	if active.heartbeat.Lost() {
		return nil, erp.Concurrency("process_batch", fmt.Sprintf("lock for %s was lost", entity))
	}
	if active.cancelled() {
		return &BatchOutcome{RunID: run.RunID, BatchNumber: run.CurrentBatch, Cancelled: true}, nil
	}
	if run.Done() {
		return &BatchOutcome{RunID: run.RunID, BatchNumber: run.CurrentBatch, Done: true}, nil
	}

	pipe, ok := e.pipelines[run.Direction]
	if !ok {
		return nil, erp.Validation("process_batch", fmt.Sprintf("direction %s is not configured", run.Direction))
	}
	ctx = logging.ContextWithRun(ctx, run.RunID, entity)

	if err := e.checkMemory(ctx, run); err != nil {
		return nil, err
	}

	return e.processBatch(ctx, &runContext{run: run, pipe: pipe})
}

// checkMemory pauses the run when over budget and shrinks the batch under
// pressure.
func (e *Engine) checkMemory(ctx context.Context, run *models.SyncRun) error {
	if e.guard.IsOverLimit(ctx, e.memLimit) {
		e.guard.Cleanup(ctx, "over_limit")
		if e.guard.IsOverLimit(ctx, e.memLimit) {
			return erp.Memory("process_batch", "memory budget exceeded")
		}
	}
	next := e.guard.AdjustBatchSize(ctx, run.BatchSize, e.cfg.MinBatchSize)
	if next != run.BatchSize {
		run.BatchSize = next
		run.TotalBatches = run.CurrentBatch + run.RemainingBatches()
		metrics.RecordBatchSizeAdjustment(run.Entity, next)
	}
	return nil
}

func (e *Engine) processBatch(ctx context.Context, rc *runContext) (*BatchOutcome, error) {
	run := rc.run
	start := time.Now()
	r := run.NextRange()
	out := &BatchOutcome{
		RunID:       run.RunID,
		BatchNumber: run.CurrentBatch + 1,
		Range:       r,
		BatchSize:   run.BatchSize,
	}
	record := models.BatchRecord{RunID: run.RunID, BatchNumber: out.BatchNumber, Range: r}

	attempts := e.cfg.RetryAttempts
	if run.RecoveryMode {
		attempts = e.cfg.RecoveryRetryAttempts
	}

	var items []models.RawItem
	fetchErr := e.withRetry(ctx, attempts, "fetch_page", func() error {
		var err error
		items, err = rc.pipe.Source.FetchPage(ctx, run.Entity, r, run.Filters)
		if err != nil {
			return err
		}
		return checkPage(run, r, items)
	})

	switch {
	case fetchErr == nil:
		res, err := e.applyItems(ctx, rc, items)
		if err != nil {
			return nil, e.abortBatch(ctx, run, err)
		}
		record.ProcessedCount = res.processed
		record.ErrorCount = res.failed
		if err := e.ledger.RecordErrors(ctx, res.errors); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Failed to ledger item errors")
		}
	case !subdividable(fetchErr):
		return nil, e.abortBatch(ctx, run, fetchErr)
	default:
		logging.Ctx(ctx).Warn().
			Err(fetchErr).
			Str("range", r.String()).
			Msg("Batch fetch failed, subdividing range")
		res, err := e.syncRange(ctx, rc, r.Start, r.End, 0)
		if err != nil {
			return nil, e.abortBatch(ctx, run, err)
		}
		out.Subdivided = true
		record.RetryProcessedCount = res.Processed
		record.RetryErrorCount = res.Failed
		if err := e.ledger.RecordErrors(ctx, res.Errors); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Failed to ledger recovery errors")
		}
	}

	record.DurationSeconds = time.Since(start).Seconds()
	record.Timestamp = e.now()
	if err := e.advance(ctx, run, &record); err != nil {
		return nil, err
	}

	out.Processed = record.ProcessedCount
	out.Failed = record.ErrorCount
	out.RetryProcessed = record.RetryProcessedCount
	out.RetryFailed = record.RetryErrorCount
	out.Done = run.Done()

	metrics.RecordBatch(run.Entity, string(run.Direction), record.Processed(), record.Failed(), time.Since(start))
	metrics.SetBatchSize(run.Entity, run.BatchSize)
	e.guard.Cleanup(ctx, "batch")
	e.publish(ctx, events.RunBatch, run)

	logging.Ctx(ctx).Info().
		Int("batch", run.CurrentBatch).
		Int("total_batches", run.TotalBatches).
		Str("range", r.String()).
		Int("processed", record.Processed()).
		Int("failed", record.Failed()).
		Bool("subdivided", out.Subdivided).
		Dur("duration", time.Since(start)).
		Msg("Batch processed")
	return out, nil
}

// checkPage rejects a page that cannot be the content of r: an empty page
// for a range that starts inside the counted total, or more items than r
// holds. Either is handled like a malformed reply.
func checkPage(run *models.SyncRun, r models.Range, items []models.RawItem) error {
	switch {
	case len(items) > r.Size():
		return erp.NewError(erp.KindMalformedResponse, erp.OpFetchPage,
			fmt.Sprintf("page for %s returned %d items", r, len(items)), nil)
	case len(items) == 0 && r.Start <= run.TotalItems:
		return erp.NewError(erp.KindMalformedResponse, erp.OpFetchPage,
			fmt.Sprintf("empty page for %s of %d items", r, run.TotalItems), nil)
	}
	return nil
}

// subdividable reports whether a batch-level fetch failure should be
// retried through range subdivision. An open breaker or a cancelled
// context would fail every sub-range the same way.
func subdividable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch erp.KindOf(err) {
	case erp.KindCircuitOpen, erp.KindValidation, erp.KindConcurrency:
		return false
	}
	return true
}

// advance persists the batch outcome and moves the run forward.
func (e *Engine) advance(ctx context.Context, run *models.SyncRun, record *models.BatchRecord) error {
	next := run.Clone()
	next.CurrentBatch++
	next.Offset += run.BatchSize
	next.ItemsSynced += record.Processed()
	next.ErrorCount += record.Failed()
	next.LastUpdateTime = e.now()
	next.LastError = ""

	if err := e.runs.SaveRun(ctx, next, run.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return erp.Concurrency("process_batch", "run was modified concurrently")
		}
		return fmt.Errorf("save run: %w", err)
	}
	*run = *next

	if err := e.runs.SaveMarker(ctx, models.MarkerFor(run, run.LastUpdateTime)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to save progress marker")
	}
	if err := e.ledger.RecordBatch(ctx, *record); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to ledger batch record")
	}
	return nil
}

// abortBatch records err on the run without advancing it.
func (e *Engine) abortBatch(ctx context.Context, run *models.SyncRun, err error) error {
	if ctx.Err() != nil {
		return err
	}
	next := run.Clone()
	next.LastError = err.Error()
	next.LastUpdateTime = e.now()
	if serr := e.runs.SaveRun(ctx, next, run.Version); serr != nil {
		logging.Ctx(ctx).Warn().Err(serr).Msg("Failed to record batch error on run")
	} else {
		*run = *next
	}
	logging.Ctx(ctx).Error().
		Err(err).
		Int("batch", run.CurrentBatch+1).
		Msg("Batch failed")
	return err
}

// applyItems hands each item to the sink. Item failures are collected, not
// returned; only context cancellation aborts.
func (e *Engine) applyItems(ctx context.Context, rc *runContext, items []models.RawItem) (applyResult, error) {
	var res applyResult
	entity := rc.run.Entity
	for _, raw := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := rc.pipe.Sink.Apply(ctx, entity, raw)
		if err == nil {
			res.processed++
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		res.failed++
		code := errorCode(err)
		metrics.RecordItemError(entity, code)
		res.errors = append(res.errors, e.itemError(rc.run, raw, code, err))
	}
	e.guard.Tick(ctx, len(items))
	return res, nil
}

func (e *Engine) itemError(run *models.SyncRun, raw models.RawItem, code string, err error) models.SyncErrorRecord {
	payload, merr := json.Marshal(raw)
	if merr != nil {
		payload = nil
	}
	return models.SyncErrorRecord{
		RunID:        run.RunID,
		ItemKey:      e.mapper.Key(raw),
		ItemPayload:  payload,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
		Timestamp:    e.now(),
	}
}

// withRetry runs fn up to attempts times, retrying recoverable errors with
// exponential backoff and jitter.
func (e *Engine) withRetry(ctx context.Context, attempts int, op string, fn func() error) error {
	policy := erp.RetryPolicy{
		Name:      "outer",
		Strategy:  erp.StrategyExponential,
		BaseDelay: e.cfg.RetryBaseDelay,
		MaxDelay:  e.cfg.RetryMaxDelay,
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !erp.IsRecoverable(err) || attempt == attempts {
			break
		}
		delay := policy.JitteredDelay(attempt, e.rnd)
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("delay", delay).
			Msg("Retry attempt")
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}
