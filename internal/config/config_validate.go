// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"fmt"
	"strings"

	"github.com/tomtom215/catalogsync/internal/models"
)

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateERP,
		c.validateHTTP,
		c.validateSync,
		c.validateLock,
		c.validateMemory,
		c.validateStorage,
		c.validateNATS,
		c.validateServer,
		c.validateLogging,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// hasJobs reports whether any entity is configured to sync.
func (c *Config) hasJobs() bool {
	return len(c.Sync.Entities) > 0 || len(c.Sync.PushEntities) > 0
}

// validateERP requires the endpoint only when there is something to sync.
func (c *Config) validateERP() error {
	if c.ERP.URL == "" {
		if c.hasJobs() {
			return fmt.Errorf("ERP_URL is required when SYNC_ENTITIES or SYNC_PUSH_ENTITIES is set")
		}
		return nil
	}
	if err := validateHTTPURL(c.ERP.URL, "ERP_URL"); err != nil {
		return fmt.Errorf("ERP_URL is invalid: %w", err)
	}
	if c.ERP.APIKey == "" {
		return fmt.Errorf("ERP_API_KEY is required when ERP_URL is set")
	}
	if c.ERP.SessionHeader == "" {
		return fmt.Errorf("ERP_SESSION_HEADER must not be empty")
	}
	return nil
}

var validStrategies = map[string]bool{
	"exponential": true,
	"linear":      true,
	"fixed":       true,
	"custom":      true,
}

func (c *Config) validateHTTP() error {
	if c.HTTP.DefaultTimeout <= 0 {
		return fmt.Errorf("HTTP_DEFAULT_TIMEOUT must be positive")
	}
	for method, d := range c.HTTP.Timeouts {
		if d <= 0 {
			return fmt.Errorf("http.timeouts.%s must be positive", method)
		}
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("HTTP_REQUESTS_PER_SECOND must be >= 0")
	}
	if c.HTTP.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.HTTP.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("BREAKER_RECOVERY_TIMEOUT must be positive")
	}
	if c.HTTP.Breaker.HalfOpenMaxCalls == 0 {
		return fmt.Errorf("BREAKER_HALF_OPEN_MAX_CALLS must be at least 1")
	}
	for _, name := range []string{PolicyCritical, PolicyStandard, PolicyBackground, PolicyRealtime} {
		if _, ok := c.HTTP.Policies[name]; !ok {
			return fmt.Errorf("http.policies.%s is required", name)
		}
	}
	for name, p := range c.HTTP.Policies {
		if err := validatePolicy(name, p); err != nil {
			return err
		}
	}
	return nil
}

func validatePolicy(name string, p RetryPolicyConfig) error {
	strategy := strings.ToLower(p.Strategy)
	if !validStrategies[strategy] {
		return fmt.Errorf("http.policies.%s.strategy must be exponential, linear, fixed or custom, got: %s", name, p.Strategy)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("http.policies.%s.max_retries must be >= 0", name)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("http.policies.%s delays must be >= 0", name)
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("http.policies.%s.base_delay must not exceed max_delay", name)
	}
	if strategy == "custom" && len(p.Delays) == 0 {
		return fmt.Errorf("http.policies.%s.delays is required for the custom strategy", name)
	}
	return nil
}

func (c *Config) validateSync() error {
	s := c.Sync
	if s.MinBatchSize < 1 {
		return fmt.Errorf("SYNC_MIN_BATCH_SIZE must be at least 1")
	}
	if s.BatchSize < s.MinBatchSize || s.BatchSize > s.MaxBatchSize {
		return fmt.Errorf("SYNC_BATCH_SIZE must be between %d and %d", s.MinBatchSize, s.MaxBatchSize)
	}
	if s.RetryAttempts < 1 || s.RecoveryRetryAttempts < s.RetryAttempts {
		return fmt.Errorf("SYNC_RETRY_ATTEMPTS must be >= 1 and SYNC_RECOVERY_RETRY_ATTEMPTS >= SYNC_RETRY_ATTEMPTS")
	}
	if s.RetryBaseDelay < 0 || s.RetryMaxDelay < s.RetryBaseDelay {
		return fmt.Errorf("SYNC_RETRY_MAX_DELAY must be >= SYNC_RETRY_BASE_DELAY >= 0")
	}
	if s.StaleAfter <= 0 {
		return fmt.Errorf("SYNC_STALE_AFTER must be positive")
	}
	if s.HistoryLimit < 1 {
		return fmt.Errorf("SYNC_HISTORY_LIMIT must be at least 1")
	}
	if s.MaxSubdivisionDepth < 0 || s.MaxSubdivisionDepth > 16 {
		return fmt.Errorf("SYNC_MAX_SUBDIVISION_DEPTH must be between 0 and 16")
	}
	if limit := models.MaxRecoverableSize(s.MaxSubdivisionDepth); s.MaxBatchSize > limit {
		return fmt.Errorf("SYNC_MAX_BATCH_SIZE must be at most %d with SYNC_MAX_SUBDIVISION_DEPTH %d", limit, s.MaxSubdivisionDepth)
	}
	if s.SubdivisionRetryAttempts < 1 {
		return fmt.Errorf("SYNC_SUBDIVISION_RETRY_ATTEMPTS must be at least 1")
	}
	if s.Interval < 0 || s.Lookback < 0 {
		return fmt.Errorf("SYNC_INTERVAL and SYNC_LOOKBACK must be >= 0")
	}
	if _, err := s.ParsedKnownBadRanges(); err != nil {
		return fmt.Errorf("SYNC_KNOWN_BAD_RANGES is invalid: %w", err)
	}
	seen := make(map[string]bool)
	for _, e := range append(append([]string{}, s.Entities...), s.PushEntities...) {
		if strings.TrimSpace(e) == "" || strings.ContainsAny(e, "/?# ") {
			return fmt.Errorf("entity name %q is invalid", e)
		}
		if seen[e] {
			return fmt.Errorf("entity %q is configured more than once", e)
		}
		seen[e] = true
	}
	return nil
}

func (c *Config) validateLock() error {
	l := c.Lock
	if l.HeartbeatInterval <= 0 {
		return fmt.Errorf("LOCK_HEARTBEAT_INTERVAL must be positive")
	}
	if l.HeartbeatTimeout <= l.HeartbeatInterval {
		return fmt.Errorf("LOCK_HEARTBEAT_TIMEOUT must exceed LOCK_HEARTBEAT_INTERVAL")
	}
	if l.Timeout < l.HeartbeatInterval {
		return fmt.Errorf("LOCK_TIMEOUT must be at least LOCK_HEARTBEAT_INTERVAL")
	}
	if l.Retries < 0 || l.RetryDelay < 0 {
		return fmt.Errorf("LOCK_RETRIES and LOCK_RETRY_DELAY must be >= 0")
	}
	return nil
}

func (c *Config) validateMemory() error {
	m := c.Memory
	if m.LimitMB < 0 {
		return fmt.Errorf("MEMORY_LIMIT_MB must be >= 0")
	}
	if m.BufferFraction <= 0 || m.BufferFraction > 1 {
		return fmt.Errorf("MEMORY_BUFFER_FRACTION must be in (0, 1]")
	}
	if m.AdjustThreshold <= 0 || m.AdjustThreshold > 1 {
		return fmt.Errorf("MEMORY_ADJUST_THRESHOLD must be in (0, 1]")
	}
	if m.CleanupItems < 1 || m.CleanupInterval <= 0 {
		return fmt.Errorf("MEMORY_CLEANUP_ITEMS and MEMORY_CLEANUP_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("DUCKDB_PATH is required")
	}
	if c.Catalog.KeyField == "" {
		return fmt.Errorf("CATALOG_KEY_FIELD is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("STATE_PATH is required")
	}
	if c.Storage.GCRatio <= 0 || c.Storage.GCRatio >= 1 {
		return fmt.Errorf("storage.gc_ratio must be in (0, 1)")
	}
	if c.Ledger.Retention < 0 || c.Ledger.CompactInterval < 0 {
		return fmt.Errorf("LEDGER_RETENTION and LEDGER_COMPACT_INTERVAL must be >= 0")
	}
	return nil
}

// validateNATS validates NATS configuration (only if enabled)
func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if err := validateNATSURL(c.NATS.URL); err != nil {
		return fmt.Errorf("NATS_URL is invalid: %w", err)
	}
	if c.NATS.Stream == "" || c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("NATS_STREAM and NATS_SUBJECT_PREFIX are required when NATS_ENABLED=true")
	}
	return nil
}

func (c *Config) validateServer() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("API_RATE_LIMIT must not be negative")
	}
	return nil
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

func (c *Config) validateLogging() error {
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got: %s", c.Logging.Format)
	}
	return nil
}
