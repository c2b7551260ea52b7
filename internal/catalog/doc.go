// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package catalog is the local product catalog.

Items are addressed by (entity, sku) and applied with an idempotent upsert,
so replaying a batch after a crash never duplicates rows. The catalog has
no schema knowledge beyond the key, a display name and a modification
timestamp; the full source record is stored as a JSON payload.

# Stores

DuckDBStore is the production store. It runs INSERT ... ON CONFLICT DO UPDATE
against a single catalog_items table and skips writes whose xxhash payload
fingerprint is unchanged, using an LRU FingerprintCache. The cache can be
purged at any time (it is registered as a memory guard evictor); a purge only
costs redundant writes.

MemoryStore implements the same interface in process memory.

# Mapping

Mapper extracts the key, name and modification date from a raw page item:

	m := catalog.NewMapper(cfg.Catalog)
	item, err := m.Map("products", raw)
	if errors.Is(err, catalog.ErrMissingKey) {
	    // record an item failure and continue
	}

Both stores also act as a page source for the local_to_remote direction via
Count and Page.
*/
package catalog
