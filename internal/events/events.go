// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/catalogsync/internal/models"
)

// Type names a run lifecycle event.
type Type string

const (
	RunStarted   Type = "run.started"
	RunBatch     Type = "run.batch"
	RunCompleted Type = "run.completed"
	RunCancelled Type = "run.cancelled"
	RunFailed    Type = "run.failed"
)

// Event is the payload published for a run transition.
type Event struct {
	ID           string           `json:"id"`
	Type         Type             `json:"type"`
	RunID        string           `json:"run_id"`
	Entity       string           `json:"entity"`
	Direction    models.Direction `json:"direction"`
	Status       models.RunStatus `json:"status"`
	Batch        int              `json:"batch"`
	TotalBatches int              `json:"total_batches"`
	ItemsSynced  int              `json:"items_synced"`
	TotalItems   int              `json:"total_items"`
	ErrorCount   int              `json:"error_count"`
	Message      string           `json:"message,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// FromRun builds an event of type t from the current run snapshot.
func FromRun(t Type, run *models.SyncRun) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		RunID:        run.RunID,
		Entity:       run.Entity,
		Direction:    run.Direction,
		Status:       run.Status,
		Batch:        run.CurrentBatch,
		TotalBatches: run.TotalBatches,
		ItemsSynced:  run.ItemsSynced,
		TotalItems:   run.TotalItems,
		ErrorCount:   run.ErrorCount,
		Message:      run.LastError,
		Timestamp:    time.Now().UTC(),
	}
}

// Subject returns the NATS subject for e under prefix, e.g.
// "catalogsync.run.batch.products".
func (e Event) Subject(prefix string) string {
	entity := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(e.Entity)
	return prefix + "." + string(e.Type) + "." + entity
}

// Publisher delivers lifecycle events. Publishing is best effort: callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
