// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/models"
)

var (
	// ErrMissingKey is returned when a raw item carries no SKU.
	ErrMissingKey = errors.New("item has no key")

	// ErrInvalidField is returned when a mapped field cannot be parsed.
	ErrInvalidField = errors.New("item field is invalid")
)

// Item is the catalog representation of one product.
type Item struct {
	Entity      string
	SKU         string
	Name        string
	Payload     json.RawMessage
	ModifiedAt  *time.Time
	Fingerprint uint64
}

// RawItem decodes the payload back to the page-source shape.
func (i *Item) RawItem() (models.RawItem, error) {
	var raw models.RawItem
	dec := json.NewDecoder(strings.NewReader(string(i.Payload)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", i.SKU, err)
	}
	return raw, nil
}

// Mapper turns raw page items into catalog items. It only knows where the key,
// name and modification date live; everything else is carried in Payload.
type Mapper struct {
	KeyField      string
	NameField     string
	ModifiedField string
}

// NewMapper builds a mapper from the catalog config.
func NewMapper(cfg config.CatalogConfig) Mapper {
	m := Mapper{KeyField: cfg.KeyField, NameField: cfg.NameField, ModifiedField: cfg.ModifiedField}
	if m.KeyField == "" {
		m.KeyField = "sku"
	}
	return m
}

// Key returns the SKU of raw, or "".
func (m Mapper) Key(raw models.RawItem) string {
	return strings.TrimSpace(raw.String(m.KeyField))
}

// Map converts raw into an Item for entity.
func (m Mapper) Map(entity string, raw models.RawItem) (Item, error) {
	sku := m.Key(raw)
	if sku == "" {
		return Item{}, fmt.Errorf("%w: field %q", ErrMissingKey, m.KeyField)
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return Item{}, fmt.Errorf("%w: payload: %v", ErrInvalidField, err)
	}

	item := Item{
		Entity:      entity,
		SKU:         sku,
		Payload:     payload,
		Fingerprint: xxhash.Sum64(payload),
	}
	if m.NameField != "" {
		item.Name = raw.String(m.NameField)
	}
	if m.ModifiedField != "" {
		if v := raw.String(m.ModifiedField); v != "" {
			ts, err := parseTimestamp(v)
			if err != nil {
				return Item{}, fmt.Errorf("%w: %s: %v", ErrInvalidField, m.ModifiedField, err)
			}
			item.ModifiedAt = &ts
		}
	}
	return item, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts the common ERP date encodings and unix seconds.
func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
