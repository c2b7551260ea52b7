// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLockConfig() config.LockConfig {
	return config.LockConfig{
		Timeout:           10 * time.Minute,
		Retries:           3,
		RetryDelay:        5 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		HeartbeatTimeout:  300 * time.Second,
		ProcessCheck:      false,
	}
}

type managerPair struct {
	a, b   *Manager
	clock  *fakeClock
	sleeps *atomic.Int32
}

func newPair(t *testing.T, repo Repository) managerPair {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	var sleeps atomic.Int32
	sleeper := func(ctx context.Context, d time.Duration) error {
		sleeps.Add(1)
		return ctx.Err()
	}
	mk := func(id string) *Manager {
		return NewManager(repo, testLockConfig(),
			WithOwner(Owner{ID: id, Hostname: "host-" + id, PID: 100}),
			WithClock(clock.Now),
			WithSleeper(sleeper))
	}
	return managerPair{a: mk("a"), b: mk("b"), clock: clock, sleeps: &sleeps}
}

func repositories(t *testing.T) map[string]Repository {
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Repository{
		"badger": NewBadgerRepository(db),
		"memory": NewMemoryRepository(),
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			p := newPair(t, repo)
			ctx := context.Background()

			ok, err := p.a.Acquire(ctx, "products", 0, -1)
			if err != nil || !ok {
				t.Fatalf("a.Acquire() = %v, %v; want true", ok, err)
			}

			ok, err = p.b.Acquire(ctx, "products", 0, -1)
			if err != nil {
				t.Fatalf("b.Acquire() error = %v", err)
			}
			if ok {
				t.Fatal("b acquired a lock held by a")
			}
			if got := p.sleeps.Load(); got != 3 {
				t.Errorf("contention waits = %d, want 3", got)
			}

			locked, _ := p.b.IsLocked(ctx, "products")
			if !locked {
				t.Error("IsLocked() = false while a holds the lock")
			}
		})
	}
}

func TestAcquire_Reentrant(t *testing.T) {
	p := newPair(t, NewMemoryRepository())
	ctx := context.Background()
	if ok, _ := p.a.Acquire(ctx, "products", 0, 0); !ok {
		t.Fatal("first Acquire() failed")
	}
	p.clock.Advance(time.Minute)
	if ok, _ := p.a.Acquire(ctx, "products", 0, 0); !ok {
		t.Fatal("owner should be able to re-acquire its own lock")
	}
	rec, _ := p.a.Holder(ctx, "products")
	if !rec.HeartbeatAt.Equal(p.clock.Now()) {
		t.Errorf("HeartbeatAt = %v, want refreshed", rec.HeartbeatAt)
	}
}

func TestAcquire_ReclaimsAbandoned(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		timeout time.Duration
		want    bool
	}{
		{"fresh heartbeat stays held", 299 * time.Second, 0, false},
		{"heartbeat older than 300s", 301 * time.Second, 0, true},
		{"heartbeat exactly 300s", 300 * time.Second, 0, true},
		{"nominal timeout exceeded", 2 * time.Minute, time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t, NewMemoryRepository())
			ctx := context.Background()
			if ok, _ := p.a.Acquire(ctx, "products", tt.timeout, 0); !ok {
				t.Fatal("a.Acquire() failed")
			}
			p.clock.Advance(tt.advance)

			ok, err := p.b.Acquire(ctx, "products", 0, 0)
			if err != nil {
				t.Fatalf("b.Acquire() error = %v", err)
			}
			if ok != tt.want {
				t.Fatalf("b.Acquire() = %v, want %v", ok, tt.want)
			}
			if tt.want {
				rec, _ := p.b.Holder(ctx, "products")
				if rec.OwnerID != "b" {
					t.Errorf("owner = %q, want b", rec.OwnerID)
				}
				if p.sleeps.Load() != 0 {
					t.Errorf("reclaim should not wait, sleeps = %d", p.sleeps.Load())
				}
			}
		})
	}
}

func TestAcquire_DeadOwnerReclaimed(t *testing.T) {
	repo := NewMemoryRepository()
	clock := &fakeClock{now: time.Now()}
	dead := func(context.Context, *Record) bool { return false }

	a := NewManager(repo, testLockConfig(), WithOwner(Owner{ID: "a"}), WithClock(clock.Now))
	b := NewManager(repo, testLockConfig(), WithOwner(Owner{ID: "b"}), WithClock(clock.Now), WithProbe(dead))

	if ok, _ := a.Acquire(context.Background(), "products", 0, 0); !ok {
		t.Fatal("a.Acquire() failed")
	}
	if ok, _ := b.Acquire(context.Background(), "products", 0, 0); !ok {
		t.Fatal("b should reclaim a lock whose owner is dead")
	}
}

func TestProcessProbe(t *testing.T) {
	probe := ProcessProbe("this-host")
	ctx := context.Background()

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"own process alive", Record{Hostname: "this-host", PID: os.Getpid()}, true},
		{"foreign host assumed alive", Record{Hostname: "other-host", PID: 1 << 30}, true},
		{"unknown pid assumed alive", Record{Hostname: "this-host", PID: 0}, true},
		{"missing pid is dead", Record{Hostname: "this-host", PID: 1<<22 - 7}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := probe(ctx, &tt.rec); got != tt.want {
				t.Errorf("probe(%+v) = %v, want %v", tt.rec, got, tt.want)
			}
		})
	}
}

func TestRelease_OnlyOwner(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			p := newPair(t, repo)
			ctx := context.Background()
			if ok, _ := p.a.Acquire(ctx, "products", 0, 0); !ok {
				t.Fatal("a.Acquire() failed")
			}

			if ok, err := p.b.Release(ctx, "products"); ok || err != nil {
				t.Fatalf("b.Release() = %v, %v; want false, nil", ok, err)
			}
			if ok, err := p.a.Release(ctx, "products"); !ok || err != nil {
				t.Fatalf("a.Release() = %v, %v; want true, nil", ok, err)
			}
			if ok, _ := p.a.Release(ctx, "products"); ok {
				t.Error("second Release() should report false")
			}
			if locked, _ := p.b.IsLocked(ctx, "products"); locked {
				t.Error("IsLocked() after release = true")
			}
		})
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	p := newPair(t, NewMemoryRepository())
	ctx := context.Background()
	if ok, _ := p.a.UpdateHeartbeat(ctx, "products"); ok {
		t.Fatal("heartbeat without a lock should fail")
	}
	if ok, _ := p.a.Acquire(ctx, "products", 0, 0); !ok {
		t.Fatal("Acquire() failed")
	}
	p.clock.Advance(4 * time.Minute)
	if ok, err := p.a.UpdateHeartbeat(ctx, "products"); !ok || err != nil {
		t.Fatalf("UpdateHeartbeat() = %v, %v", ok, err)
	}
	p.clock.Advance(4 * time.Minute)
	if locked, _ := p.b.IsLocked(ctx, "products"); !locked {
		t.Error("refreshed lock should still be valid after 4 more minutes")
	}
	if ok, _ := p.b.UpdateHeartbeat(ctx, "products"); ok {
		t.Error("non-owner heartbeat should fail")
	}
}

func TestHeartbeat_DetectsLoss(t *testing.T) {
	repo := NewMemoryRepository()
	cfg := testLockConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	m := NewManager(repo, cfg, WithOwner(Owner{ID: "a"}))
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "products", 0, 0); !ok {
		t.Fatal("Acquire() failed")
	}

	lost := make(chan string, 1)
	hb := m.StartHeartbeat(ctx, "products", func(entity string) { lost <- entity })
	defer hb.Stop()

	time.Sleep(30 * time.Millisecond)
	if hb.Lost() {
		t.Fatal("heartbeat reported loss while owning the lock")
	}

	rec, _ := repo.Get(ctx, "products")
	if err := repo.Delete(ctx, "products", rec.Version); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	select {
	case entity := <-lost:
		if entity != "products" {
			t.Errorf("onLost entity = %q", entity)
		}
	case <-time.After(time.Second):
		t.Fatal("onLost was not called")
	}
	if !hb.Lost() {
		t.Error("Lost() = false after loss")
	}
}

func TestHeartbeat_StopIsIdempotentForNil(t *testing.T) {
	var hb *Heartbeat
	hb.Stop()
	if hb.Lost() {
		t.Error("nil heartbeat should not report loss")
	}
}

func TestMemoryRepository_CAS(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	rec := &Record{Entity: "x", OwnerID: "a"}
	if err := repo.CompareAndSwap(ctx, rec, 0); err != nil {
		t.Fatalf("CAS create error = %v", err)
	}
	if err := repo.CompareAndSwap(ctx, &Record{Entity: "x"}, 0); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("CAS over existing error = %v", err)
	}
	if err := repo.Delete(ctx, "x", 7); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("Delete wrong version error = %v", err)
	}
	if err := repo.Delete(ctx, "x", rec.Version); err != nil {
		t.Errorf("Delete error = %v", err)
	}
}
