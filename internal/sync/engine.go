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
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/events"
	"github.com/tomtom215/catalogsync/internal/ledger"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/memguard"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/store"
	"github.com/tomtom215/catalogsync/internal/validation"
)

// StartRequest describes a new run.
type StartRequest struct {
	Entity    string           `json:"entity" validate:"required,entityname"`
	Direction models.Direction `json:"direction" validate:"required,oneof=remote_to_local local_to_remote"`
	BatchSize int              `json:"batch_size" validate:"omitempty,gte=1,lte=10000"`
	Filters   models.Filters   `json:"filters"`
}

// StartResult is returned by Start and Resume.
type StartResult struct {
	RunID        string `json:"run_id"`
	TotalItems   int    `json:"total_items"`
	TotalBatches int    `json:"total_batches"`
	CurrentBatch int    `json:"current_batch"`
	Resumed      bool   `json:"resumed"`
}

// Status is the durable view of one entity.
type Status struct {
	Run    *models.SyncRun        `json:"run,omitempty"`
	Marker *models.ProgressMarker `json:"marker,omitempty"`
	Lock   *lock.Record           `json:"lock,omitempty"`
	Locked bool                   `json:"locked"`
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Runs    store.RunRepository
	Locks   *lock.Manager
	Guard   *memguard.Guard
	Ledger  *ledger.Ledger
	Events  events.Publisher
	Remote  Remote
	Catalog catalog.Store
	Mapper  catalog.Mapper
}

// activeRun is the in-process state of a run this engine owns.
type activeRun struct {
	runID     string
	heartbeat *lock.Heartbeat
	cancel    chan struct{}
	once      sync.Once
}

func (a *activeRun) requestCancel() {
	a.once.Do(func() { close(a.cancel) })
}

func (a *activeRun) cancelled() bool {
	select {
	case <-a.cancel:
		return true
	default:
		return false
	}
}

// Engine is the sync orchestrator. One engine serves every entity; at most
// one run per entity is active across processes, enforced by the lock.
type Engine struct {
	cfg      config.SyncConfig
	memLimit int

	runs      store.RunRepository
	locks     *lock.Manager
	guard     *memguard.Guard
	ledger    *ledger.Ledger
	publisher events.Publisher
	mapper    catalog.Mapper
	pipelines map[models.Direction]Pipeline
	knownBad  *rangeRegistry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64

	mu     sync.Mutex
	active map[string]*activeRun
	gates  map[string]chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }

// WithSleeper replaces the context-aware sleep used between retries.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option { return func(e *Engine) { e.rnd = fn } }

// WithPipeline overrides the source and sink of a direction.
func WithPipeline(d models.Direction, p Pipeline) Option {
	return func(e *Engine) { e.pipelines[d] = p }
}

// NewEngine wires an engine. memLimitMB is the memory guard budget passed to
// IsOverLimit (0 uses system memory).
func NewEngine(cfg config.SyncConfig, memLimitMB int, d Deps, opts ...Option) (*Engine, error) {
	if d.Runs == nil || d.Locks == nil || d.Ledger == nil {
		return nil, errors.New("sync engine requires a run repository, a lock manager and a ledger")
	}
	bad, err := cfg.ParsedKnownBadRanges()
	if err != nil {
		return nil, fmt.Errorf("known bad ranges: %w", err)
	}
	applySyncDefaults(&cfg)

	e := &Engine{
		cfg:       cfg,
		memLimit:  memLimitMB,
		runs:      d.Runs,
		locks:     d.Locks,
		guard:     d.Guard,
		ledger:    d.Ledger,
		publisher: d.Events,
		mapper:    d.Mapper,
		pipelines: make(map[models.Direction]Pipeline),
		knownBad:  newRangeRegistry(bad),
		now:       time.Now,
		sleep:     sleepCtx,
		active:    make(map[string]*activeRun),
		gates:     make(map[string]chan struct{}),
	}
	if e.publisher == nil {
		e.publisher = events.NopPublisher{}
	}
	if e.guard == nil {
		e.guard = memguard.New(config.MemoryConfig{})
	}
	if d.Remote != nil && d.Catalog != nil {
		e.pipelines[models.DirectionRemoteToLocal] = Pipeline{
			Source: d.Remote,
			Sink:   catalogSink{store: d.Catalog, mapper: d.Mapper},
		}
		e.pipelines[models.DirectionLocalToRemote] = Pipeline{
			Source: catalogSource{store: d.Catalog},
			Sink:   remoteSink{remote: d.Remote},
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func applySyncDefaults(cfg *config.SyncConfig) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = memguard.DefaultMinBatchSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 160
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RecoveryRetryAttempts <= 0 {
		cfg.RecoveryRetryAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.MaxSubdivisionDepth <= 0 {
		cfg.MaxSubdivisionDepth = 5
	}
	if cfg.SubdivisionRetryAttempts <= 0 {
		cfg.SubdivisionRetryAttempts = 3
	}
	if cfg.SubdivisionPauseUnit <= 0 {
		cfg.SubdivisionPauseUnit = time.Second
	}
	if cfg.MemoryPause <= 0 {
		cfg.MemoryPause = 30 * time.Second
	}
	cfg.MaxBatchSize = min(cfg.MaxBatchSize, models.MaxRecoverableSize(cfg.MaxSubdivisionDepth))
	cfg.MinBatchSize = min(cfg.MinBatchSize, cfg.MaxBatchSize)
	cfg.BatchSize = max(cfg.MinBatchSize, min(cfg.BatchSize, cfg.MaxBatchSize))
}

// gate returns the per-entity batch semaphore.
func (e *Engine) gate(entity string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[entity]
	if !ok {
		g = make(chan struct{}, 1)
		e.gates[entity] = g
	}
	return g
}

// enter waits for the entity gate. The returned func releases it.
func (e *Engine) enter(ctx context.Context, entity string) (func(), error) {
	g := e.gate(entity)
	select {
	case g <- struct{}{}:
		return func() { <-g }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) activeFor(entity string) *activeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[entity]
}

func (e *Engine) setActive(entity string, a *activeRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a == nil {
		delete(e.active, entity)
		return
	}
	e.active[entity] = a
}

func (e *Engine) clampBatchSize(n int) int {
	if n <= 0 {
		n = e.cfg.BatchSize
	}
	return max(e.cfg.MinBatchSize, min(n, e.cfg.MaxBatchSize))
}

func (e *Engine) publish(ctx context.Context, t events.Type, run *models.SyncRun) {
	if err := e.publisher.Publish(ctx, events.FromRun(t, run)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event", string(t)).Msg("Failed to publish lifecycle event")
	}
}

// getRun maps a missing run to nil.
func (e *Engine) getRun(ctx context.Context, entity string) (*models.SyncRun, error) {
	run, err := e.runs.GetRun(ctx, entity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// Start begins a new run for req.Entity.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if verr := validation.ValidateStruct(&req); verr != nil {
		return nil, erp.Validation("start", verr.Error())
	}
	pipe, ok := e.pipelines[req.Direction]
	if !ok {
		return nil, erp.Validation("start", fmt.Sprintf("direction %s is not configured", req.Direction))
	}

	leave, err := e.enter(ctx, req.Entity)
	if err != nil {
		return nil, err
	}
	defer leave()

	if e.activeFor(req.Entity) != nil {
		return nil, erp.Concurrency("start", fmt.Sprintf("a sync for %s is already running", req.Entity))
	}

	prev, err := e.getRun(ctx, req.Entity)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if prev != nil && prev.Status == models.StatusRunning {
		locked, err := e.locks.IsLocked(ctx, req.Entity)
		if err != nil {
			return nil, fmt.Errorf("check lock: %w", err)
		}
		if locked {
			return nil, erp.Concurrency("start", fmt.Sprintf("a sync for %s is already running", req.Entity))
		}
		logging.Warn().
			Str("entity", req.Entity).
			Str("run_id", prev.RunID).
			Msg("Replacing abandoned run")
	}

	// Acquire is re-entrant for this owner; a record we already held must
	// survive a failed start.
	holder, err := e.locks.Holder(ctx, req.Entity)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	heldBefore := holder != nil && holder.OwnerID == e.locks.Owner().ID && e.locks.Valid(ctx, holder, e.now())

	acquired, err := e.locks.Acquire(ctx, req.Entity, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, erp.Concurrency("start", fmt.Sprintf("could not acquire lock for %s", req.Entity))
	}

	result, err := e.start(ctx, req, pipe, prev)
	if err != nil {
		if !heldBefore {
			if _, rerr := e.locks.Release(context.WithoutCancel(ctx), req.Entity); rerr != nil {
				logging.Error().Err(rerr).Str("entity", req.Entity).Msg("Failed to release lock after failed start")
			}
		}
		return nil, err
	}
	return result, nil
}

func (e *Engine) start(ctx context.Context, req StartRequest, pipe Pipeline, prev *models.SyncRun) (*StartResult, error) {
	runID := uuid.NewString()
	ctx = logging.ContextWithRun(ctx, runID, req.Entity)

	var total int
	err := e.withRetry(ctx, e.cfg.RetryAttempts, "count", func() error {
		n, err := pipe.Source.Count(ctx, req.Entity, req.Filters)
		total = n
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", req.Entity, err)
	}

	now := e.now()
	batchSize := e.clampBatchSize(req.BatchSize)
	run := &models.SyncRun{
		RunID:          runID,
		Entity:         req.Entity,
		Direction:      req.Direction,
		Status:         models.StatusRunning,
		BatchSize:      batchSize,
		TotalItems:     total,
		TotalBatches:   models.CeilDiv(total, batchSize),
		Filters:        req.Filters.Clone(),
		StartTime:      now,
		LastUpdateTime: now,
	}

	var expected uint64
	if prev != nil {
		expected = prev.Version
	}
	if err := e.runs.SaveRun(ctx, run, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, erp.Concurrency("start", "run was modified concurrently")
		}
		return nil, fmt.Errorf("save run: %w", err)
	}
	if err := e.runs.SaveMarker(ctx, models.MarkerFor(run, now)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to save initial progress marker")
	}

	e.activate(ctx, run)
	metrics.RecordRunStarted()
	metrics.SetBatchSize(run.Entity, run.BatchSize)
	e.publish(ctx, events.RunStarted, run)

	logging.Ctx(ctx).Info().
		Str("direction", string(run.Direction)).
		Int("total_items", total).
		Int("total_batches", run.TotalBatches).
		Int("batch_size", batchSize).
		Msg("Sync started")

	return &StartResult{RunID: runID, TotalItems: total, TotalBatches: run.TotalBatches}, nil
}

// activate registers run as owned by this engine and starts its heartbeat.
func (e *Engine) activate(ctx context.Context, run *models.SyncRun) {
	a := &activeRun{runID: run.RunID, cancel: make(chan struct{})}
	entity := run.Entity
	a.heartbeat = e.locks.StartHeartbeat(context.WithoutCancel(ctx), entity, func(string) {
		logging.Error().Str("entity", entity).Str("run_id", run.RunID).Msg("Sync lock lost; run will stop at the next batch")
	})
	e.setActive(entity, a)
}

// Status returns the persisted state of entity.
func (e *Engine) Status(ctx context.Context, entity string) (*Status, error) {
	run, err := e.getRun(ctx, entity)
	if err != nil {
		return nil, err
	}
	st := &Status{Run: run}

	marker, err := e.runs.GetMarker(ctx, entity)
	switch {
	case err == nil:
		st.Marker = marker
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	rec, err := e.locks.Holder(ctx, entity)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		st.Lock = rec
		st.Locked = e.locks.Valid(ctx, rec, e.now())
	}
	return st, nil
}

// History returns up to limit archived runs, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	return e.runs.History(ctx, limit)
}

// ErrorStats summarizes the ledger of runID.
func (e *Engine) ErrorStats(ctx context.Context, runID string, limit int) (*ledger.ErrorStats, error) {
	return e.ledger.Stats(ctx, runID, limit)
}

// KnownBadRanges lists the ranges that are always subdivided.
func (e *Engine) KnownBadRanges() []models.Range {
	return e.knownBad.List()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
