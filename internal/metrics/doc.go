// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package metrics provides Prometheus metrics for the sync engine.

Collectors are registered on the default registry through promauto and updated
through the Record* helpers, so callers never touch label ordering directly.

# Metrics Endpoint

Metrics are exposed by the ops server:

	curl http://localhost:9464/metrics

# Available Metrics

ERP client:
  - erp_requests_total{operation,method,outcome}
  - erp_request_duration_seconds{operation}
  - erp_retries_total{operation,policy}
  - erp_session_logins_total{result}
  - circuit_breaker_state{name} (0=closed, 1=half-open, 2=open)

Sync engine:
  - sync_runs_total{entity,direction,status}
  - sync_batches_total{entity,outcome}
  - sync_items_processed_total{entity,direction}
  - sync_item_errors_total{entity,code}
  - sync_batch_size{entity}
  - sync_subdivision_splits_total{entity}
  - sync_lock_held{entity}

Memory guard:
  - memory_guard_usage_bytes
  - memory_guard_usage_ratio
  - memory_guard_cleanups_total

# Usage

	start := time.Now()
	page, err := client.FetchPage(ctx, entity, r, filters)
	metrics.RecordERPRequest("fetch_page", "GET", outcome, time.Since(start))
*/
package metrics
