// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/models"
)

// Job is one scheduled entity sync.
type Job struct {
	Entity    string
	Direction models.Direction
}

// Scheduler runs the configured entity jobs every Interval. It is a suture
// service.
type Scheduler struct {
	engine *Engine
	cfg    config.SyncConfig
	jobs   []Job
}

// NewScheduler builds the job list from cfg: Entities are pulled, and
// PushEntities are pushed.
func NewScheduler(engine *Engine, cfg config.SyncConfig) *Scheduler {
	jobs := make([]Job, 0, len(cfg.Entities)+len(cfg.PushEntities))
	for _, entity := range cfg.Entities {
		jobs = append(jobs, Job{Entity: entity, Direction: models.DirectionRemoteToLocal})
	}
	for _, entity := range cfg.PushEntities {
		jobs = append(jobs, Job{Entity: entity, Direction: models.DirectionLocalToRemote})
	}
	return &Scheduler{engine: engine, cfg: cfg, jobs: jobs}
}

// Jobs returns the scheduled jobs.
func (s *Scheduler) Jobs() []Job { return s.jobs }

// Serve resumes interrupted runs when configured, then runs every job on
// each tick until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	if s.cfg.ResumeOnStartup {
		if err := s.engine.ResumePending(ctx, s.entities()); err != nil {
			logging.Error().Err(err).Msg("Startup resume finished with errors")
		}
	}
	if s.cfg.Interval <= 0 || len(s.jobs) == 0 {
		logging.Info().Msg("Scheduled sync disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	logging.Info().
		Int("jobs", len(s.jobs)).
		Dur("interval", s.cfg.Interval).
		Msg("Sync scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// RunOnce runs every job in order. A job already running elsewhere is
// skipped.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	filters, err := s.filtersFor(ctx, job)
	if err != nil {
		logging.Error().Err(err).Str("entity", job.Entity).Msg("Failed to read sync history")
		return
	}
	entry, err := s.engine.Sync(ctx, StartRequest{
		Entity:    job.Entity,
		Direction: job.Direction,
		BatchSize: s.cfg.BatchSize,
		Filters:   filters,
	})
	switch {
	case err == nil:
		logging.Info().
			Str("entity", job.Entity).
			Str("direction", string(job.Direction)).
			Str("status", string(entry.Status)).
			Int("items_synced", entry.ItemsSynced).
			Msg("Scheduled sync done")
	case erp.IsKind(err, erp.KindConcurrency):
		logging.Info().Str("entity", job.Entity).Msg("Sync already running, skipping")
	case errors.Is(err, context.Canceled):
	default:
		logging.Error().Err(err).Str("entity", job.Entity).Msg("Scheduled sync failed")
	}
}

// filtersFor sets ModifiedSince to the start of the last completed run of
// job minus Lookback. Without one the sync is unfiltered.
func (s *Scheduler) filtersFor(ctx context.Context, job Job) (models.Filters, error) {
	f := models.Filters{IncludeTime: s.cfg.IncludeTime}
	history, err := s.engine.History(ctx, s.cfg.HistoryLimit)
	if err != nil {
		return f, err
	}
	for _, h := range history {
		if h.Entity != job.Entity || h.Direction != job.Direction || h.Status != models.StatusCompleted {
			continue
		}
		since := h.StartTime.Add(-s.cfg.Lookback)
		f.ModifiedSince = &since
		break
	}
	return f, nil
}

func (s *Scheduler) entities() []string {
	seen := make(map[string]bool, len(s.jobs))
	out := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !seen[job.Entity] {
			seen[job.Entity] = true
			out = append(out, job.Entity)
		}
	}
	return out
}
