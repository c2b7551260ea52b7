// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/models"
)

func TestNewScheduler_Jobs(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{}, nil)
	s := NewScheduler(env.engine, config.SyncConfig{
		Entities:     []string{"parts", "kits"},
		PushEntities: []string{"parts"},
	})
	want := []Job{
		{Entity: "parts", Direction: models.DirectionRemoteToLocal},
		{Entity: "kits", Direction: models.DirectionRemoteToLocal},
		{Entity: "parts", Direction: models.DirectionLocalToRemote},
	}
	got := s.Jobs()
	if len(got) != len(want) {
		t.Fatalf("Jobs() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("job %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if entities := s.entities(); len(entities) != 2 {
		t.Errorf("entities() = %v", entities)
	}
}

func TestScheduler_RunOnceUsesLookback(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{total: 12}, nil)
	cfg := testSyncConfig()
	cfg.Entities = []string{testEntity}
	cfg.Lookback = time.Hour
	s := NewScheduler(env.engine, cfg)
	ctx := context.Background()

	filters, err := s.filtersFor(ctx, s.Jobs()[0])
	if err != nil {
		t.Fatalf("filtersFor() error = %v", err)
	}
	if filters.ModifiedSince != nil {
		t.Errorf("first sync should be unfiltered, got %v", filters.ModifiedSince)
	}

	s.RunOnce(ctx)
	history, _ := env.engine.History(ctx, 0)
	if len(history) != 1 || history[0].Status != models.StatusCompleted {
		t.Fatalf("history = %+v", history)
	}

	filters, err = s.filtersFor(ctx, s.Jobs()[0])
	if err != nil {
		t.Fatalf("filtersFor() error = %v", err)
	}
	want := history[0].StartTime.Add(-time.Hour)
	if filters.ModifiedSince == nil || !filters.ModifiedSince.Equal(want) {
		t.Errorf("ModifiedSince = %v, want %v", filters.ModifiedSince, want)
	}

	push := Job{Entity: testEntity, Direction: models.DirectionLocalToRemote}
	filters, _ = s.filtersFor(ctx, push)
	if filters.ModifiedSince != nil {
		t.Error("push job should not inherit the pull job's bound")
	}
}

func TestScheduler_ServeDisabled(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{}, nil)
	s := NewScheduler(env.engine, config.SyncConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not stop")
	}
	if s.String() != "sync-scheduler" {
		t.Errorf("String() = %q", s.String())
	}
}

func TestScheduler_ServeResumesOnStartup(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{total: 20}, nil)
	ctx := context.Background()
	env.start(t, 10)
	env.engine.detach(ctx, testEntity)

	cfg := testSyncConfig()
	cfg.Entities = []string{testEntity}
	cfg.ResumeOnStartup = true
	s := NewScheduler(env.engine, cfg)

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Serve(sctx) }()

	deadline := time.After(5 * time.Second)
	for env.run(t).Status != models.StatusCompleted {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("run not resumed: %+v", env.run(t))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
