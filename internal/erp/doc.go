// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package erp is the resilient HTTP client for the remote ERP.

Every call flows through Client.Request, which applies, in order:

  - lazy session login, with one transparent re-login on HTTP 401
  - the per-method timeout (GET, POST, PUT, DELETE, with a default)
  - optional request pacing (golang.org/x/time/rate)
  - the circuit breaker (sony/gobreaker/v2)
  - the named retry policy with +/-10% jitter

# Retry Policies

	critical    5 retries, exponential, 1s base, 30s cap
	standard    3 retries, exponential, 1s base, 10s cap
	background  8 retries, linear,      5s base, 60s cap
	realtime    1 retry,   fixed,       200ms

A 429 Retry-After header overrides the computed delay.

# Errors

All failures are *Error values carrying an ErrorKind. Use IsRecoverable to
decide whether a caller-level retry makes sense and KindOf to branch on the
category. Remote error codes are normalized to strings at decode time.

# Operations

Login, Count, FetchPage and Push are thin wrappers over Request driven by the
Strategies table. FetchPage ranges are 1-based and inclusive.
*/
package erp
