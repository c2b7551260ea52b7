// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package middleware holds the HTTP middleware of the ops server.
//
// Both middlewares use the func(http.Handler) http.Handler shape so they can
// be passed straight to chi's Use:
//
//	r.Use(middleware.RequestID)
//	r.Use(middleware.PrometheusMetrics)
package middleware
