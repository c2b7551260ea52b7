// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalog

import (
	"sync"
	"time"

	"github.com/tomtom215/catalogsync/internal/metrics"
)

const fingerprintCacheType = "fingerprint"

type fpEntry struct {
	key       string
	value     uint64
	prev      *fpEntry
	next      *fpEntry
	expiresAt time.Time
}

// FingerprintCache remembers the last applied payload hash per (entity, sku)
// so unchanged items skip the upsert. It is a thread-safe LRU with TTL.
//
// Entries are hints only: a miss always falls through to the store.
type FingerprintCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*fpEntry
	head  *fpEntry
	tail  *fpEntry
}

// NewFingerprintCache creates a cache. Non-positive arguments fall back to
// 10000 entries and one hour.
func NewFingerprintCache(capacity int, ttl time.Duration) *FingerprintCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &FingerprintCache{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*fpEntry),
		head:     &fpEntry{},
		tail:     &fpEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

func cacheKey(entity, sku string) string {
	return entity + "\x00" + sku
}

// Unchanged reports whether (entity, sku) was last applied with fp.
func (c *FingerprintCache) Unchanged(entity, sku string, fp uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[cacheKey(entity, sku)]
	if !ok || c.now().After(entry.expiresAt) {
		if ok {
			c.removeEntry(entry)
		}
		metrics.RecordCacheLookup(fingerprintCacheType, false)
		return false
	}
	c.moveToFront(entry)
	hit := entry.value == fp
	metrics.RecordCacheLookup(fingerprintCacheType, hit)
	return hit
}

// Remember records fp as the applied fingerprint of (entity, sku).
func (c *FingerprintCache) Remember(entity, sku string, fp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(entity, sku)
	expiresAt := c.now().Add(c.ttl)
	if entry, ok := c.items[key]; ok {
		entry.value = fp
		entry.expiresAt = expiresAt
		c.moveToFront(entry)
		return
	}

	entry := &fpEntry{key: key, value: fp, expiresAt: expiresAt}
	c.addToFront(entry)
	c.items[key] = entry
	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Forget drops (entity, sku).
func (c *FingerprintCache) Forget(entity, sku string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[cacheKey(entity, sku)]; ok {
		c.removeEntry(entry)
	}
}

// Purge empties the cache and returns how many entries it held. It has the
// memguard.Evictor shape.
func (c *FingerprintCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	c.items = make(map[string]*fpEntry)
	c.head.next = c.tail
	c.tail.prev = c.head
	return n
}

// Len returns the number of cached entries.
func (c *FingerprintCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *FingerprintCache) addToFront(entry *fpEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *FingerprintCache) moveToFront(entry *fpEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *FingerprintCache) removeEntry(entry *fpEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

func (c *FingerprintCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
	metrics.RecordCacheEviction(fingerprintCacheType)
}
