// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package memguard

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// Sample is one memory reading.
type Sample struct {
	// RSS is the resident set size of this process.
	RSS uint64
	// Total is system memory, or 0 when unknown.
	Total uint64
}

// Sampler reads current memory figures.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads RSS and total memory through gopsutil and falls back
// to the Go runtime when the OS query fails.
type SystemSampler struct {
	proc *process.Process
}

// NewSystemSampler returns a sampler for the current process.
func NewSystemSampler() *SystemSampler {
	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		logging.Debug().Err(err).Msg("Process handle unavailable, using runtime memory stats")
	}
	return &SystemSampler{proc: p}
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	var out Sample
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.Total = vm.Total
	}
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mi.RSS > 0 {
			out.RSS = mi.RSS
			return out, nil
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out.RSS = ms.Sys - ms.HeapReleased
	return out, nil
}

// StaticSampler returns a fixed reading. Useful for tests and dry runs.
type StaticSampler struct {
	Value Sample
	Err   error
}

// Sample implements Sampler.
func (s *StaticSampler) Sample(context.Context) (Sample, error) {
	return s.Value, s.Err
}

// Monitor publishes memory gauges on a fixed cadence until ctx ends. It is
// run as a supervised service.
type Monitor struct {
	guard    *Guard
	interval time.Duration
}

// NewMonitor samples guard every interval (15s when zero).
func NewMonitor(guard *Guard, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{guard: guard, interval: interval}
}

// Serve implements suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.guard.Usage(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) String() string { return "memory-monitor" }
