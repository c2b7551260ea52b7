// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package services

import (
	"context"
	"time"
)

// TickerService calls fn once at start and then on every tick until the
// context is canceled. A panic in fn is left to suture, which restarts the
// service.
type TickerService struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// NewTickerService returns a service calling fn every interval. A
// non-positive interval becomes one minute.
func NewTickerService(name string, interval time.Duration, fn func(ctx context.Context)) *TickerService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickerService{name: name, interval: interval, fn: fn}
}

// Serve implements suture.Service.
func (s *TickerService) Serve(ctx context.Context) error {
	s.fn(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fn(ctx)
		}
	}
}

func (s *TickerService) String() string { return s.name }
