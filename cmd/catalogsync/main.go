// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/sync"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `usage: catalogsync [command] [flags]

commands:
  serve                      run the scheduler and ops endpoints (default)
  sync -entity E [-push]     run one sync to completion
  resume -entity E           resume an interrupted run
  status -entity E           print the run, marker and lock of an entity
  history [-limit N]         print archived runs
  errors -run ID [-limit N]  print the error ledger summary of a run
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	metrics.SetAppInfo(version)

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("version", version).Str("command", cmd).Msg("Starting catalogsync")

	a, err := newApp(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize")
	}

	err = run(ctx, a, cmd, args, os.Stdout)
	a.close()

	switch {
	case err == nil:
		logging.Info().Msg("Stopped")
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		logging.Error().Err(err).Str("command", cmd).Msg("Command failed")
		os.Exit(1)
	}
}

// run dispatches one subcommand.
func run(ctx context.Context, a *app, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	entity := fs.String("entity", "", "entity name")
	push := fs.Bool("push", false, "push catalog items to the ERP instead of pulling")
	batchSize := fs.Int("batch-size", a.cfg.Sync.BatchSize, "items per batch")
	runID := fs.String("run", "", "run ID")
	limit := fs.Int("limit", 20, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return serve(ctx, a)

	case "sync":
		direction := models.DirectionRemoteToLocal
		if *push {
			direction = models.DirectionLocalToRemote
		}
		entry, err := a.engine.Sync(ctx, sync.StartRequest{
			Entity:    *entity,
			Direction: direction,
			BatchSize: *batchSize,
		})
		if err != nil {
			return err
		}
		return printJSON(out, entry)

	case "resume":
		if _, err := a.engine.Resume(ctx, *entity); err != nil {
			return err
		}
		entry, err := a.engine.Run(ctx, *entity)
		if err != nil {
			return err
		}
		return printJSON(out, entry)

	case "status":
		st, err := a.engine.Status(ctx, *entity)
		if err != nil {
			return err
		}
		return printJSON(out, st)

	case "history":
		entries, err := a.engine.History(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(out, entries)

	case "errors":
		stats, err := a.engine.ErrorStats(ctx, *runID, *limit)
		if err != nil {
			return err
		}
		return printJSON(out, stats)

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
