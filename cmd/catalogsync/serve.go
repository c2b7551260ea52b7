// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/catalogsync/internal/api"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/ledger"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/memguard"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/supervisor"
	"github.com/tomtom215/catalogsync/internal/supervisor/services"
	"github.com/tomtom215/catalogsync/internal/sync"
)

// serve runs the daemon until ctx is canceled.
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfigFrom(cfg.Supervisor))
	if err != nil {
		return err
	}

	startTime := time.Now()
	tree.AddStorageService(ledger.NewCompactor(a.ledger, a.db, cfg.Ledger))
	tree.AddStorageService(memguard.NewMonitor(a.guard, 30*time.Second))
	tree.AddStorageService(services.NewTickerService("uptime", 15*time.Second, func(context.Context) {
		metrics.UpdateUptime(startTime)
	}))

	scheduler := sync.NewScheduler(a.engine, cfg.Sync)
	tree.AddSyncService(scheduler)
	logging.Info().
		Int("jobs", len(scheduler.Jobs())).
		Dur("interval", cfg.Sync.Interval).
		Bool("resume_on_startup", cfg.Sync.ResumeOnStartup).
		Msg("Sync scheduler configured")

	if cfg.Server.Enabled {
		handler := api.NewHandler(a.engine, a.client.Breaker(), version,
			api.Check{Name: "state-store", Fn: a.db.Ping},
			api.Check{Name: "catalog", Fn: a.catalog.Ping},
		)
		server := &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           api.NewRouter(handler, cfg.Server.RateLimit),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.Timeout,
			WriteTimeout:      cfg.Server.Timeout,
		}
		tree.AddAPIService(services.NewHTTPServerService("ops-http", server, cfg.Server.ShutdownTimeout))
		logging.Info().Str("addr", server.Addr).Msg("Ops endpoints enabled")
	}

	watchConfig()

	logging.Info().Msg("Starting supervisor tree")
	err = tree.Serve(ctx)

	report, reportErr := tree.UnstoppedServiceReport()
	if reportErr == nil {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within the shutdown timeout")
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchConfig applies log level changes from the config file without a
// restart. Other settings need a restart.
func watchConfig() {
	path := config.ConfigFilePath()
	if path == "" {
		return
	}
	err := config.WatchConfigFile(path, func(cfg *config.Config, err error) {
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Ignoring invalid config reload")
			return
		}
		if cfg.Logging.Level != logging.GetLevel().String() {
			logging.SetLevelString(cfg.Logging.Level)
			logging.Info().Str("level", cfg.Logging.Level).Msg("Log level changed")
		}
	})
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Config file watch unavailable")
	}
}
