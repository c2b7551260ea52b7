// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrorKind classifies every failure that reaches the retry, subdivision and
// metrics pipeline. Remote error codes of any wire type are normalized into
// an *Error carrying one of these kinds at the decode boundary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindTimeout
	KindHTTP
	KindMalformedResponse
	KindRemoteLogical
	KindValidation
	KindConcurrency
	KindMemory
	KindCircuitOpen
	KindItem
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "unknown",
	KindNetwork:           "network",
	KindTimeout:           "timeout",
	KindHTTP:              "http",
	KindMalformedResponse: "malformed_response",
	KindRemoteLogical:     "remote_logical",
	KindValidation:        "validation",
	KindConcurrency:       "concurrency",
	KindMemory:            "memory",
	KindCircuitOpen:       "circuit_open",
	KindItem:              "item",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the typed error surfaced by the client and reused by the sync
// engine for its own validation, concurrency and memory signals.
type Error struct {
	Kind ErrorKind
	Op   string

	// Status and Body are set for KindHTTP. Body is truncated.
	Status int
	Body   string

	// Code is the normalized remote code for KindRemoteLogical, or the item
	// error code for KindItem.
	Code    string
	Message string

	// Transient marks a remote logical error the caller asked to retry.
	Transient bool

	// RetryAfter is the server-requested delay on a 429.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	switch e.Kind {
	case KindHTTP:
		fmt.Fprintf(&b, " status %d", e.Status)
		if e.Body != "" {
			fmt.Fprintf(&b, ": %s", e.Body)
		}
	case KindRemoteLogical, KindItem:
		if e.Code != "" {
			fmt.Fprintf(&b, " [%s]", e.Code)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error of kind.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation reports bad caller input. Never retried.
func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// Concurrency reports lock contention or a lost lock.
func Concurrency(op, message string) *Error {
	return &Error{Kind: KindConcurrency, Op: op, Message: message}
}

// Memory signals the caller to pause. It is never an item failure.
func Memory(op, message string) *Error {
	return &Error{Kind: KindMemory, Op: op, Message: message}
}

// ItemFailure wraps a per-item apply failure.
func ItemFailure(code, message string, err error) *Error {
	return &Error{Kind: KindItem, Code: code, Message: message, Err: err}
}

// KindOf returns the kind of err. Context deadline errors classify as
// timeouts and net.Error timeouts likewise; other unwrapped errors are unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// IsKind reports whether err is an *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRecoverable reports whether err is worth retrying: network failures,
// timeouts, 5xx, 429 and remote logical errors marked transient.
// Malformed responses are not recoverable by plain retry.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return KindOf(err) == KindTimeout || KindOf(err) == KindNetwork
	}
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTP:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests
	case KindRemoteLogical:
		return e.Transient
	default:
		return false
	}
}

// countsAsBreakerFailure reports whether err reflects an unhealthy remote.
// A refusal (4xx other than 429, logical error) or a 2xx whose body cannot
// be decoded shows the remote is answering and does not count.
func countsAsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case KindHTTP:
		return e.Status >= 500 || e.Status == http.StatusTooManyRequests
	case KindMalformedResponse:
		return e.Status < 200 || e.Status > 299
	case KindRemoteLogical, KindValidation:
		return false
	default:
		return true
	}
}

// NormalizeCode converts a remote error code of any JSON type to a string.
// Integral floats print without a fraction; nil yields "".
func NormalizeCode(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

const maxErrorBody = 512

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "... (truncated)"
	}
	return s
}
