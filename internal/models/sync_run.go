// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

import (
	"fmt"
	"time"
)

// Direction is the flow of a synchronization run.
type Direction string

const (
	// DirectionRemoteToLocal pulls ERP pages into the local catalog.
	DirectionRemoteToLocal Direction = "remote_to_local"
	// DirectionLocalToRemote pushes local catalog pages to the ERP.
	DirectionLocalToRemote Direction = "local_to_remote"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionRemoteToLocal || d == DirectionLocalToRemote
}

// RunStatus is the lifecycle state of a SyncRun.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCancelled RunStatus = "cancelled"
	StatusCompleted RunStatus = "completed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// SyncRun is one synchronization attempt for one (entity, direction) pair.
//
// Offset is the 0-based position of the next unprocessed item. It advances by the
// batch size that was in effect for each processed batch, so shrinking the batch
// size mid-run never skips or replays items.
type SyncRun struct {
	RunID          string     `json:"run_id"`
	Entity         string     `json:"entity"`
	Direction      Direction  `json:"direction"`
	Status         RunStatus  `json:"status"`
	BatchSize      int        `json:"batch_size"`
	CurrentBatch   int        `json:"current_batch"`
	TotalBatches   int        `json:"total_batches"`
	Offset         int        `json:"offset"`
	ItemsSynced    int        `json:"items_synced"`
	TotalItems     int        `json:"total_items"`
	ErrorCount     int        `json:"error_count"`
	Filters        Filters    `json:"filters"`
	RecoveryMode   bool       `json:"recovery_mode"`
	StartTime      time.Time  `json:"start_time"`
	LastUpdateTime time.Time  `json:"last_update_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	LastError      string     `json:"last_error,omitempty"`

	// Version is bumped by the repository on every successful write.
	Version uint64 `json:"version"`
}

// NextRange returns the 1-based inclusive range of the next batch.
func (r *SyncRun) NextRange() Range {
	return Range{Start: r.Offset + 1, End: r.Offset + r.BatchSize}
}

// Done reports whether every planned batch has been processed.
func (r *SyncRun) Done() bool {
	return r.CurrentBatch >= r.TotalBatches
}

// RemainingBatches recomputes the batch plan for the items left after Offset.
func (r *SyncRun) RemainingBatches() int {
	remaining := r.TotalItems - r.Offset
	if remaining <= 0 || r.BatchSize <= 0 {
		return 0
	}
	return CeilDiv(remaining, r.BatchSize)
}

// Clone returns a copy safe to mutate independently.
func (r *SyncRun) Clone() *SyncRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	c.Filters = r.Filters.Clone()
	return &c
}

// Summary builds the history entry recorded when the run terminates.
func (r *SyncRun) Summary() HistoryEntry {
	end := r.LastUpdateTime
	if r.EndTime != nil {
		end = *r.EndTime
	}
	return HistoryEntry{
		RunID:           r.RunID,
		Entity:          r.Entity,
		Direction:       r.Direction,
		Status:          r.Status,
		BatchSize:       r.BatchSize,
		BatchesDone:     r.CurrentBatch,
		TotalBatches:    r.TotalBatches,
		ItemsSynced:     r.ItemsSynced,
		TotalItems:      r.TotalItems,
		ErrorCount:      r.ErrorCount,
		StartTime:       r.StartTime,
		EndTime:         end,
		DurationSeconds: end.Sub(r.StartTime).Seconds(),
		LastError:       r.LastError,
	}
}

// HistoryEntry is the archived summary of a terminated run.
type HistoryEntry struct {
	RunID           string    `json:"run_id"`
	Entity          string    `json:"entity"`
	Direction       Direction `json:"direction"`
	Status          RunStatus `json:"status"`
	BatchSize       int       `json:"batch_size"`
	BatchesDone     int       `json:"batches_done"`
	TotalBatches    int       `json:"total_batches"`
	ItemsSynced     int       `json:"items_synced"`
	TotalItems      int       `json:"total_items"`
	ErrorCount      int       `json:"error_count"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	LastError       string    `json:"last_error,omitempty"`
}

// ProgressMarker is the resumable snapshot saved after every persisted batch.
type ProgressMarker struct {
	Entity       string    `json:"entity"`
	RunID        string    `json:"run_id"`
	CurrentBatch int       `json:"current_batch"`
	Offset       int       `json:"offset"`
	BatchSize    int       `json:"batch_size"`
	SavedAt      time.Time `json:"saved_at"`
}

// Stale reports whether the marker is older than maxAge at now.
func (m *ProgressMarker) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(m.SavedAt) >= maxAge
}

// MarkerFor snapshots the resumable fields of run.
func MarkerFor(run *SyncRun, now time.Time) ProgressMarker {
	return ProgressMarker{
		Entity:       run.Entity,
		RunID:        run.RunID,
		CurrentBatch: run.CurrentBatch,
		Offset:       run.Offset,
		BatchSize:    run.BatchSize,
		SavedAt:      now,
	}
}

// Range is a 1-based inclusive span of item positions.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size is the number of positions in the range.
func (r Range) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Valid reports whether the range is non-empty and 1-based.
func (r Range) Valid() bool {
	return r.Start >= 1 && r.End >= r.Start
}

// Overlaps reports whether r and o share at least one position.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Split halves the range at its midpoint. The lower half takes the extra
// position when the size is odd.
func (r Range) Split() (Range, Range) {
	mid := r.Start + (r.End-r.Start)/2
	return Range{Start: r.Start, End: mid}, Range{Start: mid + 1, End: r.End}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// MinLeafSize is the largest range subdivision fetches without splitting
// once it is deep or the range overlaps a known-bad range.
const MinLeafSize = 5

// MaxRecoverableSize is the largest batch subdivision can reduce to
// MinLeafSize leaves within maxDepth halvings.
func MaxRecoverableSize(maxDepth int) int {
	if maxDepth < 0 {
		return MinLeafSize
	}
	return MinLeafSize << maxDepth
}

// CeilDiv divides rounding up. It returns 0 when n <= 0.
func CeilDiv(n, d int) int {
	if n <= 0 || d <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
