// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package events publishes sync run lifecycle events (started, batch,
// completed, cancelled, failed) to a NATS JetStream stream. When NATS is
// disabled a NopPublisher is used.
package events
