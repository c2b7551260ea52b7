// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tomtom215/catalogsync/internal/ledger"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/sync"
	"github.com/tomtom215/catalogsync/internal/validation"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// RunReader is the read side of the sync engine.
type RunReader interface {
	Status(ctx context.Context, entity string) (*sync.Status, error)
	History(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	ErrorStats(ctx context.Context, runID string, limit int) (*ledger.ErrorStats, error)
	KnownBadRanges() []models.Range
}

// BreakerReader exposes circuit breaker state.
type BreakerReader interface {
	Name() string
	State() string
	ConsecutiveFailures() uint32
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handler serves the ops endpoints.
type Handler struct {
	runs      RunReader
	breaker   BreakerReader
	checks    []Check
	version   string
	startTime time.Time
}

// NewHandler returns a handler over runs. breaker may be nil.
func NewHandler(runs RunReader, breaker BreakerReader, version string, checks ...Check) *Handler {
	return &Handler{
		runs:      runs,
		breaker:   breaker,
		checks:    checks,
		version:   version,
		startTime: time.Now(),
	}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respondData(w, models.HealthStatus{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}, 0)
}

// Readyz runs every readiness check with the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]models.ReadinessCheck, 0, len(h.checks))
	ready := true
	for _, c := range h.checks {
		res := models.ReadinessCheck{Name: c.Name, OK: true}
		if err := c.Fn(r.Context()); err != nil {
			res.OK = false
			res.Error = err.Error()
			ready = false
		}
		results = append(results, res)
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, &models.APIResponse{
		Status:   status,
		Data:     results,
		Metadata: metadata(w, len(results)),
	})
}

// RunStatus returns the persisted state of one entity.
func (h *Handler) RunStatus(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if !validation.IsEntityName(entity) {
		respondError(w, r, http.StatusBadRequest, codeValidation, "invalid entity name", nil)
		return
	}

	st, err := h.runs.Status(r.Context(), entity)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, codeInternal, "failed to load run status", err)
		return
	}
	if st.Run == nil && st.Lock == nil {
		respondError(w, r, http.StatusNotFound, codeNotFound, "no run recorded for entity", nil)
		return
	}
	respondData(w, st, 0)
}

// History lists archived runs.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.runs.History(r.Context(), limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, codeInternal, "failed to load history", err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	respondData(w, entries, len(entries))
}

// ErrorStats summarizes the error ledger of a run.
func (h *Handler) ErrorStats(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := uuid.Parse(runID); err != nil {
		respondError(w, r, http.StatusBadRequest, codeValidation, "run ID must be a UUID", nil)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	stats, err := h.runs.ErrorStats(r.Context(), runID, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, codeInternal, "failed to load error stats", err)
		return
	}
	respondData(w, stats, stats.TotalErrors)
}

// KnownBadRanges lists the subdivision registry.
func (h *Handler) KnownBadRanges(w http.ResponseWriter, _ *http.Request) {
	ranges := h.runs.KnownBadRanges()
	if ranges == nil {
		ranges = []models.Range{}
	}
	respondData(w, ranges, len(ranges))
}

// Breaker reports the ERP circuit breaker.
func (h *Handler) Breaker(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		respondError(w, r, http.StatusNotFound, codeNotFound, "no circuit breaker configured", nil)
		return
	}
	respondData(w, models.BreakerStatus{
		Name:                h.breaker.Name(),
		State:               h.breaker.State(),
		ConsecutiveFailures: h.breaker.ConsecutiveFailures(),
	}, 0)
}

type limitRequest struct {
	Limit int `validate:"min=1,max=1000"`
}

// parseLimit reads ?limit=, writing a 400 and returning false when it is
// malformed or out of range.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	req := limitRequest{Limit: defaultLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, codeValidation, "limit must be an integer", nil)
			return 0, false
		}
		req.Limit = n
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return 0, false
	}
	return req.Limit, true
}
