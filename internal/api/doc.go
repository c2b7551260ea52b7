// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package api serves the read-only ops endpoints of catalogsync.

Routes:

	GET /healthz                      liveness, always 200 while the process runs
	GET /readyz                       200 when every readiness check passes, else 503
	GET /metrics                      Prometheus exposition
	GET /api/v1/runs/{entity}         run, progress marker and lock of an entity
	GET /api/v1/history?limit=N       archived runs, newest first
	GET /api/v1/errors/{runID}        error ledger summary of a run
	GET /api/v1/known-bad-ranges      ranges that are always subdivided
	GET /api/v1/breaker               ERP circuit breaker state

Nothing here starts, cancels or resumes a run; those operations belong to
the scheduler and the CLI. JSON bodies use the models.APIResponse envelope.
*/
package api
