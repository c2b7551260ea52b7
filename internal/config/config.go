// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/catalogsync/internal/models"
)

// Config holds all daemon configuration.
//
// Loading order (see LoadWithKoanf):
//  1. Built-in defaults
//  2. YAML config file (CONFIG_PATH or a default location)
//  3. Environment variables
//
// Sections:
//   - ERP, HTTP: remote endpoint, session, timeouts, retry policies, breaker
//   - Sync, Lock, Memory: engine behavior
//   - Catalog, Storage, Ledger: local persistence
//   - NATS, Server, Logging, Supervisor: runtime plumbing
type Config struct {
	ERP        ERPConfig        `koanf:"erp"`
	HTTP       HTTPConfig       `koanf:"http"`
	Sync       SyncConfig       `koanf:"sync"`
	Lock       LockConfig       `koanf:"lock"`
	Memory     MemoryConfig     `koanf:"memory"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Storage    StorageConfig    `koanf:"storage"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	NATS       NATSConfig       `koanf:"nats"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ERPConfig holds the remote ERP connection settings.
type ERPConfig struct {
	// URL is the ERP base URL (scheme and host only).
	URL string `koanf:"url"`

	// APIKey is exchanged for a session token by the login operation.
	APIKey string `koanf:"api_key"`

	// SessionHeader carries the session token on every request.
	SessionHeader string `koanf:"session_header"`

	// SessionTTL bounds how long a token is reused before logging in again.
	// The ERP may expire it sooner; a 401 always forces a new login.
	SessionTTL time.Duration `koanf:"session_ttl"`
}

// HTTPConfig holds the resilience client settings.
type HTTPConfig struct {
	// DefaultTimeout applies to methods missing from Timeouts.
	DefaultTimeout time.Duration `koanf:"default_timeout"`

	// Timeouts maps a lowercase HTTP method to its per-request timeout.
	Timeouts map[string]time.Duration `koanf:"timeouts"`

	// RequestsPerSecond paces attempts. 0 disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`

	// MaxBodyBytes caps how much of a response body is decoded.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`

	Breaker  BreakerConfig                `koanf:"breaker"`
	Policies map[string]RetryPolicyConfig `koanf:"policies"`
}

// TimeoutFor returns the configured timeout for method.
func (h HTTPConfig) TimeoutFor(method string) time.Duration {
	if d, ok := h.Timeouts[strings.ToLower(method)]; ok && d > 0 {
		return d
	}
	return h.DefaultTimeout
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
	HalfOpenMaxCalls uint32        `koanf:"half_open_max_calls"`
}

// RetryPolicyConfig describes one named retry policy.
type RetryPolicyConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	Strategy   string        `koanf:"strategy"` // exponential, linear, fixed, custom
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`

	// Delays is the explicit schedule used by the custom strategy. Attempts
	// past the end reuse the last entry.
	Delays []time.Duration `koanf:"delays"`
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	// Entities are pulled from the ERP into the catalog on every interval.
	Entities []string `koanf:"entities"`

	// PushEntities are pushed from the catalog to the ERP on every interval.
	PushEntities []string `koanf:"push_entities"`

	// Interval between scheduled runs. 0 disables the scheduler.
	Interval time.Duration `koanf:"interval"`

	// Lookback sets the modified-since bound relative to the last completed run.
	Lookback    time.Duration `koanf:"lookback"`
	IncludeTime bool          `koanf:"include_time"`

	BatchSize    int `koanf:"batch_size"`
	MinBatchSize int `koanf:"min_batch_size"`
	MaxBatchSize int `koanf:"max_batch_size"`

	// Outer page-fetch retry, separate from the HTTP client's own policy.
	RetryAttempts         int           `koanf:"retry_attempts"`
	RecoveryRetryAttempts int           `koanf:"recovery_retry_attempts"`
	RetryBaseDelay        time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay         time.Duration `koanf:"retry_max_delay"`

	// StaleAfter is the age at which a progress marker can no longer be resumed.
	StaleAfter time.Duration `koanf:"stale_after"`

	// HistoryLimit caps the archived run list.
	HistoryLimit int `koanf:"history_limit"`

	MaxSubdivisionDepth      int           `koanf:"max_subdivision_depth"`
	SubdivisionRetryAttempts int           `koanf:"subdivision_retry_attempts"`
	SubdivisionPauseUnit     time.Duration `koanf:"subdivision_pause_unit"`

	// KnownBadRanges are "start-end" spans that are always subdivided.
	KnownBadRanges []string `koanf:"known_bad_ranges"`

	// MemoryPause is how long Run waits after a memory-pressure signal.
	MemoryPause time.Duration `koanf:"memory_pause"`

	ResumeOnStartup bool `koanf:"resume_on_startup"`
}

// ParsedKnownBadRanges converts KnownBadRanges to ranges.
func (s SyncConfig) ParsedKnownBadRanges() ([]models.Range, error) {
	out := make([]models.Range, 0, len(s.KnownBadRanges))
	for _, raw := range s.KnownBadRanges {
		r, err := ParseRange(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseRange parses "start-end" (1-based, inclusive).
func ParseRange(raw string) (models.Range, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "-", 2)
	if len(parts) != 2 {
		return models.Range{}, fmt.Errorf("range %q must be start-end", raw)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return models.Range{}, fmt.Errorf("range %q start: %w", raw, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return models.Range{}, fmt.Errorf("range %q end: %w", raw, err)
	}
	r := models.Range{Start: start, End: end}
	if !r.Valid() {
		return models.Range{}, fmt.Errorf("range %q must satisfy 1 <= start <= end", raw)
	}
	return r, nil
}

// LockConfig holds distributed lock settings.
type LockConfig struct {
	// Timeout is the nominal validity of a lock measured from its last heartbeat.
	Timeout time.Duration `koanf:"timeout"`

	// Retries is how many times Acquire waits on a live holder before failing.
	Retries    int           `koanf:"retries"`
	RetryDelay time.Duration `koanf:"retry_delay"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`

	// ProcessCheck enables the same-host process liveness probe. When false
	// locks behave as pure heartbeat leases.
	ProcessCheck bool `koanf:"process_check"`
}

// MemoryConfig holds memory guard settings.
type MemoryConfig struct {
	// LimitMB is the process budget. 0 uses total system memory.
	LimitMB         int           `koanf:"limit_mb"`
	BufferFraction  float64       `koanf:"buffer_fraction"`
	AdjustThreshold float64       `koanf:"adjust_threshold"`
	CleanupItems    int           `koanf:"cleanup_items"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// CatalogConfig holds the DuckDB catalog store settings.
type CatalogConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()

	KeyField      string `koanf:"key_field"`
	NameField     string `koanf:"name_field"`
	ModifiedField string `koanf:"modified_field"`

	FingerprintCacheSize int           `koanf:"fingerprint_cache_size"`
	FingerprintTTL       time.Duration `koanf:"fingerprint_ttl"`
}

// StorageConfig holds the BadgerDB state store settings.
type StorageConfig struct {
	Path         string        `koanf:"path"`
	SyncWrites   bool          `koanf:"sync_writes"`
	Compression  bool          `koanf:"compression"`
	GCRatio      float64       `koanf:"gc_ratio"`
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// LedgerConfig holds error ledger retention settings.
type LedgerConfig struct {
	Retention       time.Duration `koanf:"retention"`
	CompactInterval time.Duration `koanf:"compact_interval"`
}

// NATSConfig holds run lifecycle event publishing settings.
type NATSConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	Stream        string        `koanf:"stream"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxAge        time.Duration `koanf:"max_age"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// ServerConfig holds the internal ops HTTP server settings.
type ServerConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int `koanf:"rate_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds zerolog settings.
//
// Environment Variables:
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, console (default: json)
//   - LOG_CALLER: include caller file:line (default: false)
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig holds suture tree settings.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
