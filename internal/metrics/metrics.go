// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ERP Client Metrics
	ERPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erp_requests_total",
			Help: "Total number of ERP HTTP attempts",
		},
		[]string{"operation", "method", "outcome"}, // outcome: "success" or an error kind
	)

	ERPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "erp_request_duration_seconds",
			Help:    "Duration of ERP HTTP attempts in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	ERPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erp_retries_total",
			Help: "Total number of ERP request retries scheduled",
		},
		[]string{"operation", "policy"},
	)

	ERPSessionLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erp_session_logins_total",
			Help: "Total number of ERP session logins",
		},
		[]string{"result"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Sync Metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of finished sync runs by final status",
		},
		[]string{"entity", "direction", "status"},
	)

	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Duration of finished sync runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"entity", "direction"},
	)

	SyncActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_active_runs",
			Help: "Current number of runs in the running state",
		},
	)

	SyncBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Total number of batches processed",
		},
		[]string{"entity", "outcome"}, // outcome: "success", "partial", "failed"
	)

	SyncBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_batch_duration_seconds",
			Help:    "Duration of batch processing in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"entity"},
	)

	SyncItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_processed_total",
			Help: "Total number of items applied",
		},
		[]string{"entity", "direction"},
	)

	SyncItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_item_errors_total",
			Help: "Total number of item-level errors recorded in the ledger",
		},
		[]string{"entity", "code"},
	)

	SyncBatchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_batch_size",
			Help: "Current batch size per entity",
		},
		[]string{"entity"},
	)

	SyncBatchSizeAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_batch_size_adjustments_total",
			Help: "Total number of adaptive batch size reductions",
		},
		[]string{"entity"},
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last completed run",
		},
		[]string{"entity"},
	)

	// Subdivision Recovery Metrics
	SubdivisionSplits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_subdivision_splits_total",
			Help: "Total number of range splits during recovery",
		},
		[]string{"entity"},
	)

	SubdivisionDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_subdivision_depth",
			Help:    "Depth reached by each recovered leaf range",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	SubdivisionFailedLeaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_subdivision_failed_leaves_total",
			Help: "Total number of leaf ranges that exhausted their retries",
		},
		[]string{"entity"},
	)

	// Memory Guard Metrics
	MemoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memory_guard_usage_bytes",
			Help: "Last sampled resident memory of the process",
		},
	)

	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memory_guard_usage_ratio",
			Help: "Last sampled usage as a fraction of the configured limit",
		},
	)

	MemoryCleanups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_guard_cleanups_total",
			Help: "Total number of forced memory cleanups",
		},
	)

	MemoryFreedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_guard_freed_bytes_total",
			Help: "Total bytes reported freed by cleanups",
		},
	)

	// Lock Metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_lock_acquisitions_total",
			Help: "Total number of lock acquisition outcomes",
		},
		[]string{"entity", "result"}, // result: "acquired", "reclaimed", "held", "error"
	)

	LockHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_lock_heartbeats_total",
			Help: "Total number of lock heartbeat updates",
		},
		[]string{"entity", "result"},
	)

	LockHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_lock_held",
			Help: "Whether this process holds the entity lock (1) or not (0)",
		},
		[]string{"entity"},
	)

	// Catalog Store Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"cache_type"},
	)

	// Ledger Metrics
	LedgerCompactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_compactions_total",
			Help: "Total number of ledger retention passes",
		},
	)

	LedgerEntriesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_entries_deleted_total",
			Help: "Total number of ledger entries removed by retention",
		},
	)

	// Event Publishing Metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_published_total",
			Help: "Total number of run lifecycle events published",
		},
		[]string{"event"},
	)

	NATSPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_publish_errors_total",
			Help: "Total number of failed event publishes",
		},
		[]string{"event"},
	)

	// Ops API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of ops API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Ops API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "endpoint"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordERPRequest records one HTTP attempt. outcome is "success" or the
// error kind.
func RecordERPRequest(operation, method, outcome string, duration time.Duration) {
	ERPRequestsTotal.WithLabelValues(operation, method, outcome).Inc()
	ERPRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordERPRetry records a scheduled retry.
func RecordERPRetry(operation, policy string) {
	ERPRetries.WithLabelValues(operation, policy).Inc()
}

// RecordERPLogin records a session login attempt.
func RecordERPLogin(success bool) {
	ERPSessionLogins.WithLabelValues(resultLabel(success)).Inc()
}

// RecordBreakerRequest records a call through the named breaker.
func RecordBreakerRequest(name, result string) {
	CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

// RecordBreakerTransition records a breaker state change and updates the state gauge.
func RecordBreakerTransition(name, from, to string, toValue float64) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(toValue)
}

// SetBreakerConsecutiveFailures updates the consecutive failure gauge.
func SetBreakerConsecutiveFailures(name string, n uint32) {
	CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(float64(n))
}

// RecordRunStarted increments the active run gauge.
func RecordRunStarted() {
	SyncActiveRuns.Inc()
}

// RecordRunFinished records a run that reached a terminal or suspended state.
func RecordRunFinished(entity, direction, status string, duration time.Duration) {
	SyncActiveRuns.Dec()
	SyncRunsTotal.WithLabelValues(entity, direction, status).Inc()
	SyncRunDuration.WithLabelValues(entity, direction).Observe(duration.Seconds())
	if status == "completed" {
		SyncLastSuccess.WithLabelValues(entity).Set(float64(time.Now().Unix()))
	}
}

// RecordBatch records a processed batch.
func RecordBatch(entity, direction string, processed, failed int, duration time.Duration) {
	outcome := "success"
	switch {
	case processed == 0 && failed > 0:
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	SyncBatchesTotal.WithLabelValues(entity, outcome).Inc()
	SyncBatchDuration.WithLabelValues(entity).Observe(duration.Seconds())
	SyncItemsProcessed.WithLabelValues(entity, direction).Add(float64(processed))
}

// RecordItemError records an item-level ledger entry.
func RecordItemError(entity, code string) {
	SyncItemErrors.WithLabelValues(entity, code).Inc()
}

// SetBatchSize records the current batch size for entity.
func SetBatchSize(entity string, size int) {
	SyncBatchSize.WithLabelValues(entity).Set(float64(size))
}

// RecordBatchSizeAdjustment records an adaptive reduction.
func RecordBatchSizeAdjustment(entity string, newSize int) {
	SyncBatchSizeAdjustments.WithLabelValues(entity).Inc()
	SetBatchSize(entity, newSize)
}

// RecordSubdivisionSplit records one range split.
func RecordSubdivisionSplit(entity string) {
	SubdivisionSplits.WithLabelValues(entity).Inc()
}

// RecordSubdivisionLeaf records a leaf attempt at depth.
func RecordSubdivisionLeaf(entity string, depth int, failed bool) {
	SubdivisionDepth.Observe(float64(depth))
	if failed {
		SubdivisionFailedLeaves.WithLabelValues(entity).Inc()
	}
}

// UpdateMemoryUsage records the latest memory sample.
func UpdateMemoryUsage(usedBytes uint64, ratio float64) {
	MemoryUsageBytes.Set(float64(usedBytes))
	MemoryUsageRatio.Set(ratio)
}

// RecordMemoryCleanup records a forced cleanup and the bytes it freed.
func RecordMemoryCleanup(freedBytes int64) {
	MemoryCleanups.Inc()
	if freedBytes > 0 {
		MemoryFreedBytes.Add(float64(freedBytes))
	}
}

// RecordLockAcquire records an acquisition outcome.
func RecordLockAcquire(entity, result string) {
	LockAcquisitions.WithLabelValues(entity, result).Inc()
	if result == "acquired" || result == "reclaimed" {
		LockHeld.WithLabelValues(entity).Set(1)
	}
}

// RecordLockReleased clears the held gauge.
func RecordLockReleased(entity string) {
	LockHeld.WithLabelValues(entity).Set(0)
}

// RecordHeartbeat records a heartbeat update.
func RecordHeartbeat(entity string, success bool) {
	LockHeartbeats.WithLabelValues(entity, resultLabel(success)).Inc()
}

// RecordDBQuery records a database query metric
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordCacheLookup records a hit or miss for cacheType.
func RecordCacheLookup(cacheType string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(cacheType).Inc()
		return
	}
	CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheEviction records an eviction for cacheType.
func RecordCacheEviction(cacheType string) {
	CacheEvictions.WithLabelValues(cacheType).Inc()
}

// RecordLedgerCompaction records a retention pass.
func RecordLedgerCompaction(deleted int) {
	LedgerCompactions.Inc()
	LedgerEntriesDeleted.Add(float64(deleted))
}

// RecordEventPublish records a lifecycle event publish.
func RecordEventPublish(event string, err error) {
	if err != nil {
		NATSPublishErrors.WithLabelValues(event).Inc()
		return
	}
	NATSMessagesPublished.WithLabelValues(event).Inc()
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetAppInfo publishes the build version.
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version, runtime.Version()).Set(1)
}

// UpdateUptime sets the uptime gauge from start.
func UpdateUptime(start time.Time) {
	AppUptime.Set(time.Since(start).Seconds())
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
