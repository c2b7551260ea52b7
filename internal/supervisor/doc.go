// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package supervisor runs catalogsync's long-lived services under suture v4.

The tree has three layers, each with its own failure budget:

	catalogsync
	├── storage-layer
	│   ├── ledger-compactor
	│   ├── memory-monitor
	│   └── uptime
	├── sync-layer
	│   └── sync-scheduler
	└── api-layer
	    └── ops-http (when server.enabled)

A scheduler crash restarts only the sync layer; the ops endpoints keep
answering. Supervisor events are logged through sutureslog, which writes to
the process zerolog logger via logging.NewSlogLogger.

Shutdown is driven by canceling the context passed to Serve. Services that
outlive TreeConfig.ShutdownTimeout show up in UnstoppedServiceReport.
*/
package supervisor
