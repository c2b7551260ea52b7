// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// captureLogs swaps the global logger for one writing into a buffer and
// restores the previous logger and level when the test ends.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger()
	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	SetLogger(NewTestLogger(&buf))
	t.Cleanup(func() {
		SetLogger(prev)
		zerolog.SetGlobalLevel(prevLevel)
	})
	return &buf
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got '%s'", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Error("expected default timestamp to be true")
	}
}

func TestInit_JSON(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		SetLogger(prev)
		zerolog.SetGlobalLevel(prevLevel)
	})

	Init(Config{Level: "debug", Format: "json", Output: &buf})
	Info().Str("entity", "products").Msg("batch applied")

	out := buf.String()
	if !strings.Contains(out, `"message":"batch applied"`) {
		t.Errorf("missing message: %s", out)
	}
	if !strings.Contains(out, `"entity":"products"`) {
		t.Errorf("missing field: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{" DEBUG ", zerolog.DebugLevel},
		{"nonsense", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureLogs(t)
	l := WithComponent("lock")
	l.Info().Msg("acquired")
	if !strings.Contains(buf.String(), `"component":"lock"`) {
		t.Errorf("missing component: %s", buf.String())
	}
}

func TestCtx_RunFields(t *testing.T) {
	buf := captureLogs(t)

	ctx := ContextWithRun(context.Background(), "run-123", "products")
	ctx = ContextWithCorrelationID(ctx, "abcd1234")
	Ctx(ctx).Info().Msg("processing")

	out := buf.String()
	for _, want := range []string{`"run_id":"run-123"`, `"entity":"products"`, `"correlation_id":"abcd1234"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
	if RunIDFromContext(ctx) != "run-123" {
		t.Errorf("RunIDFromContext = %q", RunIDFromContext(ctx))
	}
}

func TestCtx_EmptyContext(t *testing.T) {
	buf := captureLogs(t)
	Ctx(context.Background()).Info().Msg("plain")
	if strings.Contains(buf.String(), "run_id") {
		t.Errorf("unexpected run_id: %s", buf.String())
	}
}

func TestGenerateCorrelationID(t *testing.T) {
	a, b := GenerateCorrelationID(), GenerateCorrelationID()
	if len(a) != 8 {
		t.Errorf("expected 8 chars, got %d", len(a))
	}
	if a == b {
		t.Error("expected unique ids")
	}
}

func TestSlogHandler_WritesThroughZerolog(t *testing.T) {
	buf := captureLogs(t)

	logger := NewSlogLogger().With("service", "heartbeat").WithGroup("lock")
	logger.Warn("lost", slog.String("entity", "products"), slog.Int("attempt", 2))

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"service":"heartbeat"`, `"lock.entity":"products"`, `"lock.attempt":2`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestSlogToZerologLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want zerolog.Level
	}{
		{slog.LevelDebug - 4, zerolog.TraceLevel},
		{slog.LevelDebug, zerolog.DebugLevel},
		{slog.LevelInfo, zerolog.InfoLevel},
		{slog.LevelWarn, zerolog.WarnLevel},
		{slog.LevelError, zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		if got := slogToZerologLevel(tt.in); got != tt.want {
			t.Errorf("slogToZerologLevel(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
