// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

import (
	"maps"
	"time"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// Filters narrows the items a run considers.
type Filters struct {
	// ModifiedSince is the modification-date lower bound. Nil means no bound.
	ModifiedSince *time.Time `json:"modified_since,omitempty"`

	// IncludeTime sends the time-of-day component of ModifiedSince. When false
	// only the calendar date is sent.
	IncludeTime bool `json:"include_time,omitempty"`

	// Extra holds pass-through query parameters for the page source.
	Extra map[string]string `json:"extra,omitempty"`
}

// ModifiedSinceParam formats the lower bound for the wire, or "" when unset.
func (f Filters) ModifiedSinceParam() string {
	if f.ModifiedSince == nil {
		return ""
	}
	t := f.ModifiedSince.UTC()
	if f.IncludeTime {
		return t.Format(dateTimeLayout)
	}
	return t.Format(dateLayout)
}

// LowerBound returns the effective modification bound in UTC. Without
// IncludeTime the bound is midnight of the ModifiedSince date.
func (f Filters) LowerBound() (time.Time, bool) {
	if f.ModifiedSince == nil {
		return time.Time{}, false
	}
	bound := f.ModifiedSince.UTC()
	if !f.IncludeTime {
		bound = time.Date(bound.Year(), bound.Month(), bound.Day(), 0, 0, 0, 0, time.UTC)
	}
	return bound, true
}

// Matches reports whether an item modified at ts passes the date bound.
func (f Filters) Matches(ts time.Time) bool {
	bound, ok := f.LowerBound()
	if !ok {
		return true
	}
	return !ts.UTC().Before(bound)
}

// Clone deep-copies the filters.
func (f Filters) Clone() Filters {
	c := Filters{IncludeTime: f.IncludeTime}
	if f.ModifiedSince != nil {
		t := *f.ModifiedSince
		c.ModifiedSince = &t
	}
	if f.Extra != nil {
		c.Extra = maps.Clone(f.Extra)
	}
	return c
}
