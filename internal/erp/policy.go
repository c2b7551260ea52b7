// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyCustom      Strategy = "custom"
)

// jitterFraction is the +/- perturbation applied to every computed delay.
const jitterFraction = 0.10

// RetryPolicy is a named retry budget and delay schedule.
type RetryPolicy struct {
	Name       string
	MaxRetries int
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Delays     []time.Duration
}

// PolicyFromConfig converts a config entry.
func PolicyFromConfig(name string, c config.RetryPolicyConfig) RetryPolicy {
	return RetryPolicy{
		Name:       name,
		MaxRetries: c.MaxRetries,
		Strategy:   Strategy(strings.ToLower(c.Strategy)),
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Delays:     append([]time.Duration(nil), c.Delays...),
	}
}

// PoliciesFromConfig converts the whole policy table.
func PoliciesFromConfig(m map[string]config.RetryPolicyConfig) map[string]RetryPolicy {
	out := make(map[string]RetryPolicy, len(m))
	for name, c := range m {
		out[name] = PolicyFromConfig(name, c)
	}
	return out
}

// Delay returns the un-jittered wait before retry number n (1-based),
// clamped to MaxDelay when set.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(n)
	case StrategyFixed:
		d = p.BaseDelay
	case StrategyCustom:
		if len(p.Delays) == 0 {
			d = p.BaseDelay
		} else if n-1 < len(p.Delays) {
			d = p.Delays[n-1]
		} else {
			d = p.Delays[len(p.Delays)-1]
		}
	default:
		shift := n - 1
		if shift > 30 {
			shift = 30
		}
		d = p.BaseDelay * time.Duration(1<<uint(shift))
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// JitteredDelay returns Delay(n) perturbed by up to +/-10% using rnd, which
// must return values in [0, 1).
func (p RetryPolicy) JitteredDelay(n int, rnd func() float64) time.Duration {
	return Jitter(p.Delay(n), rnd)
}

// Jitter perturbs d by up to +/-10%. A nil rnd uses math/rand.
func Jitter(d time.Duration, rnd func() float64) time.Duration {
	if d <= 0 {
		return 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	factor := 1 - jitterFraction + 2*jitterFraction*rnd()
	return time.Duration(float64(d) * factor)
}
