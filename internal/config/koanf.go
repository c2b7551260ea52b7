// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/catalogsync/config.yaml",
	"/etc/catalogsync/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Retry policy names shared with the erp package.
const (
	PolicyCritical   = "critical"
	PolicyStandard   = "standard"
	PolicyBackground = "background"
	PolicyRealtime   = "realtime"
)

// defaultConfig returns a Config struct with all default values.
// These are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		ERP: ERPConfig{
			URL:           "",
			APIKey:        "",
			SessionHeader: "X-Session-Token",
			SessionTTL:    30 * time.Minute,
		},
		HTTP: HTTPConfig{
			DefaultTimeout: 30 * time.Second,
			Timeouts: map[string]time.Duration{
				"get":  30 * time.Second,
				"post": 60 * time.Second,
			},
			RequestsPerSecond: 0,
			Burst:             1,
			MaxBodyBytes:      32 << 20, // 32MB
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				HalfOpenMaxCalls: 3,
			},
			Policies: DefaultPolicies(),
		},
		Sync: SyncConfig{
			Entities:                 []string{},
			PushEntities:             []string{},
			Interval:                 0, // scheduler off unless configured
			Lookback:                 0,
			IncludeTime:              false,
			BatchSize:                50,
			MinBatchSize:             10,
			MaxBatchSize:             160,
			RetryAttempts:            3,
			RecoveryRetryAttempts:    5,
			RetryBaseDelay:           time.Second,
			RetryMaxDelay:            30 * time.Second,
			StaleAfter:               24 * time.Hour,
			HistoryLimit:             100,
			MaxSubdivisionDepth:      5,
			SubdivisionRetryAttempts: 3,
			SubdivisionPauseUnit:     time.Second,
			KnownBadRanges:           []string{},
			MemoryPause:              30 * time.Second,
			ResumeOnStartup:          true,
		},
		Lock: LockConfig{
			Timeout:           10 * time.Minute,
			Retries:           3,
			RetryDelay:        5 * time.Second,
			HeartbeatInterval: 60 * time.Second,
			HeartbeatTimeout:  300 * time.Second,
			ProcessCheck:      true,
		},
		Memory: MemoryConfig{
			LimitMB:         0, // 0 = system total
			BufferFraction:  0.8,
			AdjustThreshold: 0.7,
			CleanupItems:    100,
			CleanupInterval: 5 * time.Minute,
		},
		Catalog: CatalogConfig{
			Path:                 "/data/catalog.duckdb",
			MaxMemory:            "1GB",
			Threads:              0,
			KeyField:             "sku",
			NameField:            "name",
			ModifiedField:        "modified_at",
			FingerprintCacheSize: 50000,
			FingerprintTTL:       time.Hour,
		},
		Storage: StorageConfig{
			Path:         "/data/state",
			SyncWrites:   true,
			Compression:  true,
			GCRatio:      0.5,
			CloseTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Retention:       30 * 24 * time.Hour,
			CompactInterval: time.Hour,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Stream:        "CATALOGSYNC",
			SubjectPrefix: "catalogsync.runs",
			MaxAge:        7 * 24 * time.Hour,
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
		},
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            9464,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// DefaultPolicies returns the four built-in retry policies.
func DefaultPolicies() map[string]RetryPolicyConfig {
	return map[string]RetryPolicyConfig{
		PolicyCritical: {
			MaxRetries: 5,
			Strategy:   "exponential",
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		PolicyStandard: {
			MaxRetries: 3,
			Strategy:   "exponential",
			BaseDelay:  time.Second,
			MaxDelay:   10 * time.Second,
		},
		PolicyBackground: {
			MaxRetries: 8,
			Strategy:   "linear",
			BaseDelay:  5 * time.Second,
			MaxDelay:   60 * time.Second,
		},
		PolicyRealtime: {
			MaxRetries: 1,
			Strategy:   "fixed",
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   time.Second,
		},
	}
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	return defaultConfig()
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any mapped setting
func LoadWithKoanf() (*Config, error) {
	k, err := newKoanf(findConfigFile())
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// newKoanf builds the layered koanf instance. configPath may be empty.
func newKoanf(configPath string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// ERP_URL -> erp.url, SYNC_BATCH_SIZE -> sync.batch_size
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}
	return k, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// ConfigFilePath returns the config file LoadWithKoanf would read, or "".
func ConfigFilePath() string {
	return findConfigFile()
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices
var sliceConfigPaths = []string{
	"sync.entities",
	"sync.push_entities",
	"sync.known_bad_ranges",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// Env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to koanf paths.
var envMappings = map[string]string{
	// ERP
	"erp_url":            "erp.url",
	"erp_api_key":        "erp.api_key",
	"erp_session_header": "erp.session_header",
	"erp_session_ttl":    "erp.session_ttl",

	// HTTP client
	"http_default_timeout":       "http.default_timeout",
	"http_get_timeout":           "http.timeouts.get",
	"http_post_timeout":          "http.timeouts.post",
	"http_requests_per_second":   "http.requests_per_second",
	"http_burst":                 "http.burst",
	"http_max_body_bytes":        "http.max_body_bytes",
	"breaker_failure_threshold":  "http.breaker.failure_threshold",
	"breaker_recovery_timeout":   "http.breaker.recovery_timeout",
	"breaker_half_open_max_call": "http.breaker.half_open_max_calls",

	// Sync
	"sync_entities":                   "sync.entities",
	"sync_push_entities":              "sync.push_entities",
	"sync_interval":                   "sync.interval",
	"sync_lookback":                   "sync.lookback",
	"sync_include_time":               "sync.include_time",
	"sync_batch_size":                 "sync.batch_size",
	"sync_min_batch_size":             "sync.min_batch_size",
	"sync_max_batch_size":             "sync.max_batch_size",
	"sync_retry_attempts":             "sync.retry_attempts",
	"sync_recovery_retry_attempts":    "sync.recovery_retry_attempts",
	"sync_retry_base_delay":           "sync.retry_base_delay",
	"sync_retry_max_delay":            "sync.retry_max_delay",
	"sync_stale_after":                "sync.stale_after",
	"sync_history_limit":              "sync.history_limit",
	"sync_max_subdivision_depth":      "sync.max_subdivision_depth",
	"sync_subdivision_retry_attempts": "sync.subdivision_retry_attempts",
	"sync_known_bad_ranges":           "sync.known_bad_ranges",
	"sync_memory_pause":               "sync.memory_pause",
	"sync_resume_on_startup":          "sync.resume_on_startup",

	// Lock
	"lock_timeout":            "lock.timeout",
	"lock_retries":            "lock.retries",
	"lock_retry_delay":        "lock.retry_delay",
	"lock_heartbeat_interval": "lock.heartbeat_interval",
	"lock_heartbeat_timeout":  "lock.heartbeat_timeout",
	"lock_process_check":      "lock.process_check",

	// Memory
	"memory_limit_mb":         "memory.limit_mb",
	"memory_buffer_fraction":  "memory.buffer_fraction",
	"memory_adjust_threshold": "memory.adjust_threshold",
	"memory_cleanup_items":    "memory.cleanup_items",
	"memory_cleanup_interval": "memory.cleanup_interval",

	// Catalog
	"duckdb_path":                    "catalog.path",
	"duckdb_max_memory":              "catalog.max_memory",
	"duckdb_threads":                 "catalog.threads",
	"catalog_key_field":              "catalog.key_field",
	"catalog_name_field":             "catalog.name_field",
	"catalog_modified_field":         "catalog.modified_field",
	"catalog_fingerprint_cache_size": "catalog.fingerprint_cache_size",
	"catalog_fingerprint_ttl":        "catalog.fingerprint_ttl",

	// Storage
	"state_path":        "storage.path",
	"state_sync_writes": "storage.sync_writes",

	// Ledger
	"ledger_retention":        "ledger.retention",
	"ledger_compact_interval": "ledger.compact_interval",

	// NATS
	"nats_enabled":        "nats.enabled",
	"nats_url":            "nats.url",
	"nats_stream":         "nats.stream",
	"nats_subject_prefix": "nats.subject_prefix",
	"nats_max_age":        "nats.max_age",

	// Server
	"http_port":        "server.port",
	"http_host":        "server.host",
	"server_enabled":   "server.enabled",
	"server_timeout":   "server.timeout",
	"shutdown_timeout": "server.shutdown_timeout",
	"api_rate_limit":   "server.rate_limit",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc transforms environment variable names to koanf config paths.
// Unmapped names return "" so unrelated variables never reach the config.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// WatchConfigFile calls callback with a freshly loaded config whenever path
// changes. Reload errors are passed through and leave the caller's config as is.
//
//	err := config.WatchConfigFile(path, func(cfg *config.Config, err error) {
//	    if err == nil {
//	        logging.SetLevelString(cfg.Logging.Level)
//	    }
//	})
func WatchConfigFile(path string, callback func(*Config, error)) error {
	provider := file.Provider(path)

	return provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		k, err := newKoanf(path)
		if err != nil {
			callback(nil, err)
			return
		}
		cfg := &Config{}
		if err := k.Unmarshal("", cfg); err != nil {
			callback(nil, err)
			return
		}
		if err := cfg.Validate(); err != nil {
			callback(nil, err)
			return
		}
		callback(cfg, nil)
	})
}
