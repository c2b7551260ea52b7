// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tomtom215/catalogsync/internal/models"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]Item

	// FailSKU makes Upsert fail for the listed SKUs.
	FailSKU map[string]error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]map[string]Item)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, item Item) (bool, error) {
	if item.Entity == "" || item.SKU == "" {
		return false, ErrMissingKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailSKU[item.SKU]; ok {
		return false, fmt.Errorf("upsert %s/%s: %w", item.Entity, item.SKU, err)
	}
	byKey, ok := m.items[item.Entity]
	if !ok {
		byKey = make(map[string]Item)
		m.items[item.Entity] = byKey
	}
	if prev, ok := byKey[item.SKU]; ok && prev.Fingerprint == item.Fingerprint {
		return false, nil
	}
	byKey[item.SKU] = item
	return true, nil
}

func (m *MemoryStore) filtered(entity string, filters models.Filters) []Item {
	var out []Item
	for _, it := range m.items[entity] {
		if it.ModifiedAt != nil && !filters.Matches(*it.ModifiedAt) {
			continue
		}
		if it.ModifiedAt == nil && filters.ModifiedSince != nil {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, entity string, filters models.Filters) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filtered(entity, filters)), nil
}

// Page implements Store.
func (m *MemoryStore) Page(_ context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid range %s", r)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.filtered(entity, filters)
	if r.Start > len(all) {
		return nil, nil
	}
	end := min(r.End, len(all))
	out := make([]models.RawItem, 0, end-r.Start+1)
	for _, it := range all[r.Start-1 : end] {
		raw, err := it.RawItem()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, entity, sku string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[entity][sku]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &it, nil
}

// Len returns how many items entity holds.
func (m *MemoryStore) Len(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items[entity])
}
