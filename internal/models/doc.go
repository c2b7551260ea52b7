// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package models defines the data shared by the sync engine, its stores and the
ops API.

# Runs

SyncRun is the persisted state of one entity's synchronization. Positions are
1-based; batch n covers the Range [Offset+1, Offset+BatchSize]:

	run := &models.SyncRun{TotalItems: 25, BatchSize: 10}
	run.NextRange()        // [1,10]
	run.RemainingBatches() // 3

Every successful batch advances CurrentBatch and Offset together and bumps
Version, which the run store uses for compare-and-swap. A finished run is
archived as a HistoryEntry. A ProgressMarker is written after each batch so a
run interrupted by a crash or a signal can be resumed until it goes stale.

# Ledger rows

BatchRecord holds the counts of one batch, split into the first pass and the
subdivision pass. SyncErrorRecord holds one failed item, keyed by run and by
ItemKey so the history of a single SKU can be listed across runs.

# Items

RawItem is an item as the ERP returns it: a JSON object with typed accessors.
Filters carries the modified-since bound sent with Count and FetchPage.

# API envelope

APIResponse, Metadata and APIError are the JSON shape of every ops endpoint.
*/
package models
