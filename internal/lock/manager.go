// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/store"
)

// Owner identifies this process as a lock holder.
type Owner struct {
	ID       string
	Hostname string
	PID      int
}

// NewOwner builds the owner identity host:pid:uuid8 for this process.
func NewOwner() Owner {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	pid := os.Getpid()
	return Owner{
		ID:       fmt.Sprintf("%s:%d:%s", host, pid, uuid.NewString()[:8]),
		Hostname: host,
		PID:      pid,
	}
}

// LivenessProbe reports whether the process holding rec is still running.
// It must return true when it cannot tell.
type LivenessProbe func(ctx context.Context, rec *Record) bool

// ProcessProbe checks same-host owners with a PID probe. Owners on other
// hosts and failed probes count as alive, so an uncertain lock stays held.
// PID reuse can make a dead owner look alive until its heartbeat goes stale.
func ProcessProbe(localHost string) LivenessProbe {
	return func(ctx context.Context, rec *Record) bool {
		if rec.Hostname != localHost || rec.PID <= 0 {
			return true
		}
		exists, err := process.PidExistsWithContext(ctx, int32(rec.PID)) //nolint:gosec // pid fits in int32
		if err != nil {
			return true
		}
		return exists
	}
}

// LeaseProbe treats every owner as alive, leaving expiry to heartbeats.
func LeaseProbe(context.Context, *Record) bool { return true }

// Manager acquires and maintains per-entity locks.
type Manager struct {
	repo  Repository
	cfg   config.LockConfig
	owner Owner
	probe LivenessProbe
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithOwner overrides the process identity.
func WithOwner(o Owner) Option { return func(m *Manager) { m.owner = o } }

// WithProbe overrides the liveness probe.
func WithProbe(p LivenessProbe) Option { return func(m *Manager) { m.probe = p } }

// WithClock overrides the clock.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

// WithSleeper overrides the contention wait.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// NewManager creates a Manager. With ProcessCheck off the probe defaults to
// LeaseProbe.
func NewManager(repo Repository, cfg config.LockConfig, opts ...Option) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 300 * time.Second
	}
	m := &Manager{
		repo:  repo,
		cfg:   cfg,
		owner: NewOwner(),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.probe == nil {
		if cfg.ProcessCheck {
			m.probe = ProcessProbe(m.owner.Hostname)
		} else {
			m.probe = LeaseProbe
		}
	}
	return m
}

// Owner returns this manager's identity.
func (m *Manager) Owner() Owner { return m.owner }

// Valid reports whether rec is a live lock at now.
func (m *Manager) Valid(ctx context.Context, rec *Record, now time.Time) bool {
	if rec == nil {
		return false
	}
	age := now.Sub(rec.HeartbeatAt)
	if age >= m.cfg.HeartbeatTimeout {
		return false
	}
	timeout := rec.Timeout()
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	if age > timeout {
		return false
	}
	return m.probe(ctx, rec)
}

func (m *Manager) newRecord(entity string, timeout time.Duration, now time.Time) *Record {
	return &Record{
		Entity:         entity,
		OwnerID:        m.owner.ID,
		PID:            m.owner.PID,
		Hostname:       m.owner.Hostname,
		AcquiredAt:     now,
		TimeoutSeconds: int(timeout / time.Second),
		HeartbeatAt:    now,
	}
}

// Acquire takes the entity lock. A valid lock held elsewhere is retried up
// to retries times, RetryDelay apart; an abandoned one is reclaimed at once.
// It returns false without error when the lock stays held.
// timeout <= 0 and retries < 0 select the configured values.
func (m *Manager) Acquire(ctx context.Context, entity string, timeout time.Duration, retries int) (bool, error) {
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	if retries < 0 {
		retries = m.cfg.Retries
	}

	for attempt := 0; attempt <= retries; attempt++ {
		ok, raced, err := m.tryAcquire(ctx, entity, timeout)
		if err != nil {
			metrics.RecordLockAcquire(entity, "error")
			return false, err
		}
		if ok {
			return true, nil
		}
		if raced || attempt == retries {
			continue
		}
		logging.Debug().
			Str("entity", entity).
			Int("attempt", attempt+1).
			Dur("retry_delay", m.cfg.RetryDelay).
			Msg("Lock held, waiting")
		if err := m.sleep(ctx, m.cfg.RetryDelay); err != nil {
			return false, err
		}
	}
	metrics.RecordLockAcquire(entity, "held")
	return false, nil
}

// tryAcquire makes one acquisition pass. raced is set when a concurrent
// writer won a compare-and-swap.
func (m *Manager) tryAcquire(ctx context.Context, entity string, timeout time.Duration) (ok, raced bool, err error) {
	now := m.now()
	current, err := m.repo.Get(ctx, entity)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec := m.newRecord(entity, timeout, now)
		if err := m.repo.CompareAndSwap(ctx, rec, 0); err != nil {
			return m.casResult(err)
		}
		metrics.RecordLockAcquire(entity, "acquired")
		logging.Info().Str("entity", entity).Str("owner", m.owner.ID).Msg("Lock acquired")
		return true, false, nil

	case err != nil:
		return false, false, fmt.Errorf("read lock: %w", err)

	case current.OwnerID == m.owner.ID:
		current.HeartbeatAt = now
		current.TimeoutSeconds = int(timeout / time.Second)
		if err := m.repo.CompareAndSwap(ctx, current, current.Version); err != nil {
			return m.casResult(err)
		}
		metrics.RecordLockAcquire(entity, "acquired")
		return true, false, nil

	case !m.Valid(ctx, current, now):
		logging.Warn().
			Str("entity", entity).
			Str("previous_owner", current.OwnerID).
			Time("heartbeat_at", current.HeartbeatAt).
			Msg("Reclaiming abandoned lock")
		rec := m.newRecord(entity, timeout, now)
		if err := m.repo.CompareAndSwap(ctx, rec, current.Version); err != nil {
			return m.casResult(err)
		}
		metrics.RecordLockAcquire(entity, "reclaimed")
		return true, false, nil
	}
	return false, false, nil
}

func (m *Manager) casResult(err error) (bool, bool, error) {
	if errors.Is(err, store.ErrVersionConflict) {
		return false, true, nil
	}
	return false, false, fmt.Errorf("write lock: %w", err)
}

// Release deletes the lock if this process owns it.
func (m *Manager) Release(ctx context.Context, entity string) (bool, error) {
	rec, err := m.repo.Get(ctx, entity)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	if rec.OwnerID != m.owner.ID {
		logging.Warn().Str("entity", entity).Str("owner", rec.OwnerID).Msg("Refusing to release a lock owned elsewhere")
		return false, nil
	}
	if err := m.repo.Delete(ctx, entity, rec.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return false, nil
		}
		return false, fmt.Errorf("delete lock: %w", err)
	}
	metrics.RecordLockReleased(entity)
	logging.Info().Str("entity", entity).Msg("Lock released")
	return true, nil
}

// IsLocked reports whether a valid lock exists for entity.
func (m *Manager) IsLocked(ctx context.Context, entity string) (bool, error) {
	rec, err := m.repo.Get(ctx, entity)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	return m.Valid(ctx, rec, m.now()), nil
}

// Holder returns the stored record for entity, valid or not, or nil when
// no lock exists.
func (m *Manager) Holder(ctx context.Context, entity string) (*Record, error) {
	rec, err := m.repo.Get(ctx, entity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// UpdateHeartbeat refreshes HeartbeatAt while this process still owns the
// lock. It returns false once ownership is lost.
func (m *Manager) UpdateHeartbeat(ctx context.Context, entity string) (bool, error) {
	rec, err := m.repo.Get(ctx, entity)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordHeartbeat(entity, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	if rec.OwnerID != m.owner.ID {
		metrics.RecordHeartbeat(entity, false)
		return false, nil
	}
	rec.HeartbeatAt = m.now()
	if err := m.repo.CompareAndSwap(ctx, rec, rec.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.RecordHeartbeat(entity, false)
			return false, nil
		}
		return false, fmt.Errorf("write lock: %w", err)
	}
	metrics.RecordHeartbeat(entity, true)
	return true, nil
}

// Heartbeat refreshes one lock in the background.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// StartHeartbeat refreshes entity every HeartbeatInterval until Stop. When
// ownership is lost it marks the heartbeat lost, calls onLost and exits.
// Storage errors are logged and retried on the next tick.
func (m *Manager) StartHeartbeat(ctx context.Context, entity string, onLost func(entity string)) *Heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := m.UpdateHeartbeat(ctx, entity)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Warn().Err(err).Str("entity", entity).Msg("Heartbeat update failed")
				continue
			}
			if !ok {
				hb.lost.Store(true)
				logging.Error().Str("entity", entity).Msg("Lock lost, heartbeat stopped")
				if onLost != nil {
					onLost(entity)
				}
				return
			}
		}
	}()
	return hb
}

// Lost reports whether the heartbeat observed loss of ownership.
func (h *Heartbeat) Lost() bool {
	return h != nil && h.lost.Load()
}

// Stop ends the heartbeat and waits for its goroutine.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
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
