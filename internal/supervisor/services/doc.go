// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package services adapts blocking components to suture's Serve pattern.

Most catalogsync components (the sync scheduler, the ledger compactor, the
memory monitor) implement suture.Service directly. The wrappers here cover
the two shapes that do not:

  - HTTPServerService turns ListenAndServe/Shutdown into Serve(ctx) with a
    bounded graceful shutdown.
  - TickerService runs a plain function on an interval, used for gauges such
    as process uptime.

Every wrapper implements fmt.Stringer so supervisor events name the service.
*/
package services
