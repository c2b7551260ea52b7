// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package sync orchestrates batch synchronization between the ERP and the local
catalog store.

An Engine owns the run state machine for every entity:

	idle ──Start──▶ running ──Finish──▶ completed
	                   │
	                   └──Cancel──▶ cancelled ──Resume──▶ running

Only one run per entity is active across processes. Start and Resume take the
entity lock from internal/lock and keep it alive with a heartbeat; Finish,
Cancel and fatal errors release it.

# Batches

ProcessNextBatch fetches the 1-based inclusive range
[Offset+1, Offset+BatchSize] from the run's source and applies each item to
its sink. Two directions are wired:

  - remote_to_local: ERP pages are mapped and upserted into the catalog
  - local_to_remote: catalog pages are pushed to the ERP one item at a time

Item failures are written to the ledger and never abort a batch. Page fetches
are retried with exponential backoff and jitter (3 attempts, 5 in recovery
mode). A page that still fails is recovered by range subdivision: the range is
halved until pieces are small enough to fetch directly, and positions that
cannot be fetched are ledgered as RANGE_UNRESOLVED. Pieces that fail are
remembered as known-bad and split early on later batches. An empty page for a
range that starts inside the counted total, or a page with more items than
the range holds, is treated as a failed fetch. MaxBatchSize is capped at
models.MaxRecoverableSize(MaxSubdivisionDepth) so every batch can be split
down to leaves.

The run advances only after the batch outcome is persisted with a
compare-and-swap write, followed by a fresh progress marker. Resume restarts
from the persisted run; the marker only decides whether it is too old.

# Memory

Before each batch the memory guard is consulted. Over budget the batch is not
attempted and Run pauses; under pressure the batch size is halved and the
batch plan recomputed from Offset.

# Scheduling

Scheduler is a suture service that runs configured entity jobs on an interval,
derives a modified-since filter from the last completed run, and optionally
resumes interrupted runs on startup.
*/
package sync
