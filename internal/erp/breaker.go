// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"errors"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// DefaultBreakerName labels the ERP breaker in logs and metrics.
const DefaultBreakerName = "erp-api"

// Breaker guards every ERP attempt. One breaker is shared by all operations
// of a Client.
//
// The breaker opens after FailureThreshold consecutive failures, rejects
// calls for RecoveryTimeout, then admits up to HalfOpenMaxCalls probes. It
// closes once that many probes succeed in a row; any probe failure reopens it.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[*Response]
	name string
}

// NewBreaker builds a breaker from config. A zero threshold falls back to 5.
func NewBreaker(name string, cfg config.BreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	halfOpen := cfg.HalfOpenMaxCalls
	if halfOpen == 0 {
		halfOpen = 1
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpen,
		Interval:    0, // counts only reset on state change
		Timeout:     cfg.RecoveryTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= threshold
			if trip {
				logging.Warn().
					Str("breaker", name).
					Uint32("consecutive_failures", counts.ConsecutiveFailures).
					Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return trip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("breaker", name).Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			metrics.RecordBreakerTransition(name, fromStr, toStr, stateToFloat(to))
			if to == gobreaker.StateClosed {
				metrics.SetBreakerConsecutiveFailures(name, 0)
			}
		},

		IsSuccessful: func(err error) bool {
			return !countsAsBreakerFailure(err)
		},
	})

	return &Breaker{cb: cb, name: name}
}

// Execute runs fn under the breaker. A rejected call returns a
// KindCircuitOpen error without invoking fn.
func (b *Breaker) Execute(op string, fn func() (*Response, error)) (*Response, error) {
	resp, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordBreakerRequest(b.name, "rejected")
			logging.Warn().Str("breaker", b.name).Str("operation", op).Msg("[CIRCUIT BREAKER] Request rejected")
			return nil, &Error{Kind: KindCircuitOpen, Op: op, Message: "circuit breaker is open", Err: err}
		}
		if countsAsBreakerFailure(err) {
			metrics.RecordBreakerRequest(b.name, "failure")
		} else {
			metrics.RecordBreakerRequest(b.name, "success")
		}
		metrics.SetBreakerConsecutiveFailures(b.name, b.cb.Counts().ConsecutiveFailures)
		return nil, err
	}

	metrics.RecordBreakerRequest(b.name, "success")
	metrics.SetBreakerConsecutiveFailures(b.name, 0)
	return resp, nil
}

// Name returns the breaker label.
func (b *Breaker) Name() string { return b.name }

// State returns closed, half-open or open.
func (b *Breaker) State() string {
	return stateToString(b.cb.State())
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
