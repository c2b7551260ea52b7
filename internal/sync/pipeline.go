// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package sync

import (
	"context"
	"errors"
	"strings"

	"github.com/tomtom215/catalogsync/internal/catalog"
	"github.com/tomtom215/catalogsync/internal/erp"
	"github.com/tomtom215/catalogsync/internal/models"
)

// Item error codes written to the ledger.
const (
	CodeMissingKey      = "MISSING_KEY"
	CodeInvalidField    = "INVALID_FIELD"
	CodeUpsertFailed    = "UPSERT_FAILED"
	CodePushFailed      = "PUSH_FAILED"
	CodeRangeUnresolved = "RANGE_UNRESOLVED"
)

// Remote is the ERP surface the engine drives. *erp.Client implements it.
type Remote interface {
	Count(ctx context.Context, entity string, filters models.Filters) (int, error)
	FetchPage(ctx context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error)
	Push(ctx context.Context, entity string, item models.RawItem) error
}

// Source counts and pages the items a run walks through.
type Source interface {
	Count(ctx context.Context, entity string, filters models.Filters) (int, error)
	FetchPage(ctx context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error)
}

// Sink applies one item. A returned error is an item failure; it is
// ledgered and never aborts the batch.
type Sink interface {
	Apply(ctx context.Context, entity string, item models.RawItem) error
}

// Pipeline pairs the source and sink of one direction.
type Pipeline struct {
	Source Source
	Sink   Sink
}

// catalogSink upserts ERP items into the local catalog.
type catalogSink struct {
	store  catalog.Store
	mapper catalog.Mapper
}

func (s catalogSink) Apply(ctx context.Context, entity string, raw models.RawItem) error {
	item, err := s.mapper.Map(entity, raw)
	switch {
	case errors.Is(err, catalog.ErrMissingKey):
		return erp.ItemFailure(CodeMissingKey, "item has no key", err)
	case err != nil:
		return erp.ItemFailure(CodeInvalidField, "item could not be mapped", err)
	}
	if _, err := s.store.Upsert(ctx, item); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return erp.ItemFailure(CodeUpsertFailed, "catalog upsert failed", err)
	}
	return nil
}

// catalogSource pages the local catalog for pushing.
type catalogSource struct {
	store catalog.Store
}

func (s catalogSource) Count(ctx context.Context, entity string, filters models.Filters) (int, error) {
	return s.store.Count(ctx, entity, filters)
}

func (s catalogSource) FetchPage(ctx context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error) {
	return s.store.Page(ctx, entity, r, filters)
}

// remoteSink pushes catalog items to the ERP.
type remoteSink struct {
	remote Remote
}

func (s remoteSink) Apply(ctx context.Context, entity string, raw models.RawItem) error {
	err := s.remote.Push(ctx, entity, raw)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var e *erp.Error
	if errors.As(err, &e) && e.Kind == erp.KindRemoteLogical && e.Code != "" {
		return erp.ItemFailure(e.Code, e.Message, err)
	}
	return erp.ItemFailure(CodePushFailed, "push failed", err)
}

// errorCode returns the ledger code for an item failure.
func errorCode(err error) string {
	var e *erp.Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return strings.ToUpper(e.Kind.String())
	}
	return "UNKNOWN"
}
