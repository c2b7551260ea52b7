// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &Error{Kind: KindNetwork}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"500", &Error{Kind: KindHTTP, Status: 500}, true},
		{"503", &Error{Kind: KindHTTP, Status: 503}, true},
		{"429", &Error{Kind: KindHTTP, Status: 429}, true},
		{"404", &Error{Kind: KindHTTP, Status: 404}, false},
		{"400", &Error{Kind: KindHTTP, Status: 400}, false},
		{"malformed", &Error{Kind: KindMalformedResponse}, false},
		{"remote logical", &Error{Kind: KindRemoteLogical, Code: "E1"}, false},
		{"remote logical transient", &Error{Kind: KindRemoteLogical, Code: "LOCKED", Transient: true}, true},
		{"circuit open", &Error{Kind: KindCircuitOpen}, false},
		{"validation", Validation("op", "bad"), false},
		{"wrapped 502", fmt.Errorf("batch: %w", &Error{Kind: KindHTTP, Status: 502}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCountsAsBreakerFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"network", &Error{Kind: KindNetwork}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"500", &Error{Kind: KindHTTP, Status: 500}, true},
		{"429", &Error{Kind: KindHTTP, Status: 429}, true},
		{"404", &Error{Kind: KindHTTP, Status: 404}, false},
		{"truncated 200", &Error{Kind: KindMalformedResponse, Status: 200}, false},
		{"invalid json 200", &Error{Kind: KindMalformedResponse, Status: 200, Message: "invalid JSON"}, false},
		{"malformed without status", &Error{Kind: KindMalformedResponse}, true},
		{"remote logical", &Error{Kind: KindRemoteLogical, Code: "E1"}, false},
		{"validation", Validation("op", "bad"), false},
		{"plain", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countsAsBreakerFailure(tt.err); got != tt.want {
				t.Errorf("countsAsBreakerFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("wrap: %w", Concurrency("start", "locked"))); got != KindConcurrency {
		t.Errorf("KindOf(wrapped concurrency) = %v", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("KindOf(deadline) = %v", got)
	}
	if got := KindOf(errors.New("x")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v", got)
	}
	if !IsKind(Memory("batch", "over limit"), KindMemory) {
		t.Error("IsKind(memory) = false")
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "E_LOCKED", "E_LOCKED"},
		{"padded string", "  42 ", "42"},
		{"json number", json.Number("42"), "42"},
		{"integral float", float64(42), "42"},
		{"fractional float", 4.5, "4.5"},
		{"int", 7, "7"},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeCode(tt.in); got != tt.want {
				t.Errorf("NormalizeCode(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Kind: KindHTTP, Op: "count", Status: 503, Body: "down"}
	if got := e.Error(); got != "count: http status 503: down" {
		t.Errorf("Error() = %q", got)
	}
	r := &Error{Kind: KindRemoteLogical, Op: "fetch_page", Code: "42", Message: "no such entity"}
	if got := r.Error(); got != "fetch_page: remote_logical [42]: no such entity" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTruncateBody(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := truncateBody([]byte(long))
	if len(got) > maxErrorBody+20 {
		t.Errorf("truncateBody length = %d", len(got))
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Errorf("truncateBody should mark truncation: %q", got[len(got)-20:])
	}
}
