// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/events"
	"github.com/tomtom215/catalogsync/internal/ledger"
	"github.com/tomtom215/catalogsync/internal/lock"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/memguard"
	"github.com/tomtom215/catalogsync/internal/store"
	"github.com/tomtom215/catalogsync/internal/sync"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	db        *store.DB
	catalog   *catalog.DuckDBStore
	client    *erp.Client
	publisher events.Publisher
	guard     *memguard.Guard
	ledger    *ledger.Ledger
	engine    *sync.Engine
}

// newApp opens the state store and the catalog, connects the event
// publisher and builds the engine. Callers must call close.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.db, err = store.Open(cfg.Storage); err != nil {
		return nil, err
	}
	if a.catalog, err = catalog.Open(cfg.Catalog); err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if a.publisher, err = events.New(ctx, cfg.NATS); err != nil {
		return nil, fmt.Errorf("connect event publisher: %w", err)
	}

	a.client = erp.NewClient(cfg.ERP, cfg.HTTP)
	a.ledger = ledger.New(a.db)

	a.guard = memguard.New(cfg.Memory)
	a.guard.RegisterEvictor("catalog-fingerprints", a.catalog.Cache().Purge)

	locks := lock.NewManager(lock.NewBadgerRepository(a.db), cfg.Lock)
	logging.Info().
		Str("owner_id", locks.Owner().ID).
		Str("hostname", locks.Owner().Hostname).
		Bool("process_check", cfg.Lock.ProcessCheck).
		Msg("Lock owner identity")

	a.engine, err = sync.NewEngine(cfg.Sync, cfg.Memory.LimitMB, sync.Deps{
		Runs:    store.NewRunStore(a.db, cfg.Sync.HistoryLimit, cfg.Sync.StaleAfter),
		Locks:   locks,
		Guard:   a.guard,
		Ledger:  a.ledger,
		Events:  a.publisher,
		Remote:  a.client,
		Catalog: a.catalog,
		Mapper:  catalog.NewMapper(cfg.Catalog),
	})
	if err != nil {
		return nil, fmt.Errorf("build sync engine: %w", err)
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logging.Error().Err(err).Msg("Error during shutdown")
	}
}
