// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/events"
	"github.com/tomtom215/catalogsync/internal/ledger"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/memguard"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/store"
)

const testEntity = "parts"

func skuAt(pos int) string { return fmt.Sprintf("SKU-%04d", pos) }

// fakeRemote serves total items at positions 1..total.
type fakeRemote struct {
	mu sync.Mutex

	total int
	// failAt makes any page containing the position fail as malformed.
	failAt map[int]bool
	// noKey drops the sku field of the item at the position.
	noKey map[int]bool
	// transient fails this many fetches with a network error first.
	transient int
	pushFail  map[string]error
	// empty answers these exact ranges with no items.
	empty map[models.Range]bool
	// oversize answers these exact ranges with one item past the end.
	oversize map[models.Range]bool
	// countDelay holds every Count call.
	countDelay time.Duration
	countErr   error

	fetches []models.Range
	pushed  []string
}

func (f *fakeRemote) Count(context.Context, string, models.Filters) (int, error) {
	if f.countDelay > 0 {
		time.Sleep(f.countDelay)
	}
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.total, nil
}

func (f *fakeRemote) FetchPage(_ context.Context, _ string, r models.Range, _ models.Filters) ([]models.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, r)

	if f.transient > 0 {
		f.transient--
		return nil, erp.NewError(erp.KindNetwork, "fetchPage", "connection reset", nil)
	}
	for pos := r.Start; pos <= r.End; pos++ {
		if f.failAt[pos] {
			return nil, erp.NewError(erp.KindMalformedResponse, "fetchPage", "truncated page", nil)
		}
	}
	if f.empty[r] {
		return []models.RawItem{}, nil
	}
	end := r.End
	if f.oversize[r] {
		end++
	}
	var items []models.RawItem
	for pos := r.Start; pos <= end && pos <= f.total; pos++ {
		item := models.RawItem{"name": fmt.Sprintf("Part %d", pos), "qty": pos}
		if !f.noKey[pos] {
			item["sku"] = skuAt(pos)
		}
		items = append(items, item)
	}
	return items, nil
}

func (f *fakeRemote) fetched(r models.Range) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.fetches {
		if got == r {
			n++
		}
	}
	return n
}

func (f *fakeRemote) Push(_ context.Context, _ string, item models.RawItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sku := item.String("sku")
	if err, ok := f.pushFail[sku]; ok {
		return err
	}
	f.pushed = append(f.pushed, sku)
	return nil
}

func (f *fakeRemote) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepLog) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type testEnv struct {
	engine  *Engine
	cfg     config.SyncConfig
	remote  *fakeRemote
	catalog *catalog.MemoryStore
	runs    *store.MemoryRunStore
	// source and runRepo replace remote and runs in engines built after
	// they are set.
	source  Remote
	runRepo store.RunRepository
	lockRep *lock.MemoryRepository
	locks   *lock.Manager
	ledger  *ledger.Ledger
	events  *events.Recorder
	sampler *memguard.StaticSampler
	clock   *fakeClock
	sleeps  *sleepLog
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchSize:    10,
		MinBatchSize: 5,
		MaxBatchSize: 100,
		HistoryLimit: 100,
	}
}

func testLockConfig() config.LockConfig {
	return config.LockConfig{
		Timeout:           time.Hour,
		RetryDelay:        time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
	}
}

// newTestEnv wires an engine over in-memory collaborators. mutate may adjust
// the sync config before the engine is built.
func newTestEnv(t *testing.T, remote *fakeRemote, mutate func(*config.SyncConfig)) *testEnv {
	t.Helper()

	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := testSyncConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		cfg:     cfg,
		remote:  remote,
		catalog: catalog.NewMemoryStore(),
		runs:    store.NewMemoryRunStore(cfg.HistoryLimit),
		lockRep: lock.NewMemoryRepository(),
		ledger:  ledger.New(db),
		events:  &events.Recorder{},
		sampler: &memguard.StaticSampler{Value: memguard.Sample{RSS: 100 << 20, Total: 1000 << 20}},
		clock:   &fakeClock{t: time.Now()},
		sleeps:  &sleepLog{},
	}
	env.locks = lock.NewManager(env.lockRep, testLockConfig())
	env.engine = env.newEngine(t, env.locks, cfg)
	return env
}

// newEngine builds another engine over the same state, as a second process
// would see it.
func (env *testEnv) newEngine(t *testing.T, locks *lock.Manager, cfg config.SyncConfig) *Engine {
	t.Helper()
	guard := memguard.New(config.MemoryConfig{}, memguard.WithSampler(env.sampler), memguard.WithGC(func() {}))
	var (
		runs   store.RunRepository = env.runs
		source Remote              = env.remote
	)
	if env.runRepo != nil {
		runs = env.runRepo
	}
	if env.source != nil {
		source = env.source
	}
	e, err := NewEngine(cfg, 0, Deps{
		Runs:    runs,
		Locks:   locks,
		Guard:   guard,
		Ledger:  env.ledger,
		Events:  env.events,
		Remote:  source,
		Catalog: env.catalog,
		Mapper:  catalog.NewMapper(config.CatalogConfig{NameField: "name"}),
	},
		WithClock(env.clock.Now),
		WithSleeper(env.sleeps.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, a := range e.active {
			a.heartbeat.Stop()
		}
	})
	return e
}

func (env *testEnv) start(t *testing.T, batchSize int) *StartResult {
	t.Helper()
	res, err := env.engine.Start(context.Background(), StartRequest{
		Entity:    testEntity,
		Direction: models.DirectionRemoteToLocal,
		BatchSize: batchSize,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return res
}

func (env *testEnv) run(t *testing.T) *models.SyncRun {
	t.Helper()
	run, err := env.runs.GetRun(context.Background(), testEntity)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	return run
}
