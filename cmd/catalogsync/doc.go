// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Command catalogsync keeps a local product catalog in step with an ERP.

Without arguments it runs as a daemon under a suture supervisor tree:

	catalogsync
	├── storage-layer
	│   ├── ledger-compactor   retention sweep and badger value-log GC
	│   ├── memory-monitor     RSS sampling into the memory gauges
	│   └── uptime
	├── sync-layer
	│   └── sync-scheduler     periodic pull/push jobs, startup resume
	└── api-layer
	    └── ops-http           /healthz /readyz /metrics /api/v1/...

The one-shot subcommands share the same wiring and state directory:

	catalogsync sync -entity parts           pull parts until done
	catalogsync sync -entity parts -push     push local parts to the ERP
	catalogsync resume -entity parts         continue an interrupted run
	catalogsync status -entity parts         print run, marker and lock
	catalogsync history -limit 10
	catalogsync errors -run <run-id>

Configuration comes from defaults, an optional YAML file (CONFIG_PATH) and
the environment, in that order. Changing logging.level in the file takes
effect without a restart; every other setting needs one.

SIGINT and SIGTERM cancel the root context. A run interrupted this way keeps
its progress marker and releases its lock, so the next start (or
"catalogsync resume") picks it up at the next unprocessed batch.
*/
package main
