// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package config provides centralized configuration management for catalogsync.

# Configuration Sources

Configuration is layered with koanf, later sources overriding earlier ones:
  - Built-in defaults (defaultConfig)
  - YAML file: CONFIG_PATH, ./config.yaml or /etc/catalogsync/config.yaml
  - Environment variables listed in envMappings

# Environment Variables

ERP:
  - ERP_URL: ERP base URL (required when any entity is configured)
  - ERP_API_KEY: credential exchanged for a session token
  - ERP_SESSION_TTL: token reuse window (default: 30m)

Sync:
  - SYNC_ENTITIES: comma-separated entities pulled into the catalog
  - SYNC_PUSH_ENTITIES: comma-separated entities pushed to the ERP
  - SYNC_INTERVAL: scheduler interval, 0 disables (default: 0)
  - SYNC_BATCH_SIZE: initial batch size (default: 50)
  - SYNC_KNOWN_BAD_RANGES: comma-separated start-end spans

Lock:
  - LOCK_HEARTBEAT_INTERVAL: default 60s
  - LOCK_HEARTBEAT_TIMEOUT: default 300s
  - LOCK_PROCESS_CHECK: false for pure lease mode

Storage:
  - DUCKDB_PATH: catalog database (default: /data/catalog.duckdb)
  - STATE_PATH: BadgerDB state directory (default: /data/state)

Retry policies, per-method timeouts and breaker thresholds are easiest to set
in YAML:

	http:
	  timeouts:
	    get: 30s
	    post: 60s
	  policies:
	    standard:
	      max_retries: 3
	      strategy: exponential
	      base_delay: 1s
	      max_delay: 10s

# Usage

	cfg, err := config.Load()
	if err != nil {
	    logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
*/
package config
