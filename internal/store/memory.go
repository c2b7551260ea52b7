// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/catalogsync/internal/models"
)

// MemoryRunStore implements RunRepository in memory.
// This is useful for testing or when persistence is not required.
type MemoryRunStore struct {
	mu           sync.Mutex
	runs         map[string]*models.SyncRun
	history      []models.HistoryEntry
	markers      map[string]models.ProgressMarker
	historyLimit int
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore(historyLimit int) *MemoryRunStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemoryRunStore{
		runs:         make(map[string]*models.SyncRun),
		markers:      make(map[string]models.ProgressMarker),
		historyLimit: historyLimit,
	}
}

func (s *MemoryRunStore) GetRun(_ context.Context, entity string) (*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[entity]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryRunStore) SaveRun(_ context.Context, run *models.SyncRun, expected uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current uint64
	if r, ok := s.runs[run.Entity]; ok {
		current = r.Version
	}
	if current != expected {
		return ErrVersionConflict
	}
	next := run.Clone()
	next.Version = expected + 1
	s.runs[run.Entity] = next
	run.Version = next.Version
	return nil
}

func (s *MemoryRunStore) DeleteRun(_ context.Context, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, entity)
	return nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context) ([]*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SyncRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *MemoryRunStore) AppendHistory(_ context.Context, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append([]models.HistoryEntry(nil), s.history[over:]...)
	}
	return nil
}

func (s *MemoryRunStore) History(_ context.Context, limit int) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]models.HistoryEntry, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func (s *MemoryRunStore) SaveMarker(_ context.Context, marker models.ProgressMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[marker.Entity] = marker
	return nil
}

func (s *MemoryRunStore) GetMarker(_ context.Context, entity string) (*models.ProgressMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[entity]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryRunStore) DeleteMarker(_ context.Context, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, entity)
	return nil
}
