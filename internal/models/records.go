// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// BatchRecord is the immutable outcome of one fetch-and-apply cycle.
// Retry counts cover items resolved through range subdivision.
type BatchRecord struct {
	RunID               string    `json:"run_id"`
	BatchNumber         int       `json:"batch_number"`
	Range               Range     `json:"range"`
	ProcessedCount      int       `json:"processed_count"`
	ErrorCount          int       `json:"error_count"`
	RetryProcessedCount int       `json:"retry_processed_count"`
	RetryErrorCount     int       `json:"retry_error_count"`
	DurationSeconds     float64   `json:"duration_seconds"`
	Timestamp           time.Time `json:"timestamp"`
}

// Processed is the total number of items applied, directly or via recovery.
func (b *BatchRecord) Processed() int {
	return b.ProcessedCount + b.RetryProcessedCount
}

// Failed is the total number of items that could not be applied.
func (b *BatchRecord) Failed() int {
	return b.ErrorCount + b.RetryErrorCount
}

// SyncErrorRecord is a durable row for one item that failed to apply.
type SyncErrorRecord struct {
	RunID        string          `json:"run_id"`
	ItemKey      string          `json:"item_key"`
	ItemPayload  json.RawMessage `json:"item_payload,omitempty"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	Timestamp    time.Time       `json:"timestamp"`
}

// RawItem is one record as delivered by a page source, before mapping.
type RawItem map[string]any

// String returns the value of field as a string, or "" when missing.
func (r RawItem) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
