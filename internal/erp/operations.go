// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
)

// Operation names used in the strategy table, logs and metrics.
const (
	OpLogin     = "login"
	OpCount     = "count"
	OpFetchPage = "fetch_page"
	OpPush      = "push"
)

// OperationStrategy binds an operation to its method, path template and
// default retry policy. "{entity}" in Path is replaced per call.
type OperationStrategy struct {
	Method string
	Path   string
	Policy string
}

// Strategies is the operation strategy table.
var Strategies = map[string]OperationStrategy{
	OpLogin:     {Method: http.MethodPost, Path: "/api/session", Policy: config.PolicyRealtime},
	OpCount:     {Method: http.MethodGet, Path: "/api/{entity}/count", Policy: config.PolicyCritical},
	OpFetchPage: {Method: http.MethodGet, Path: "/api/{entity}", Policy: config.PolicyStandard},
	OpPush:      {Method: http.MethodPost, Path: "/api/{entity}", Policy: config.PolicyBackground},
}

func (s OperationStrategy) path(entity string) string {
	return strings.ReplaceAll(s.Path, "{entity}", url.PathEscape(entity))
}

type loginRequest struct {
	APIKey string `json:"api_key"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Login exchanges the API key for a session token.
func (c *Client) Login(ctx context.Context) error {
	st := Strategies[OpLogin]
	resp, err := c.Request(ctx, st.Method, st.Path, loginRequest{APIKey: c.apiKey}, nil, RequestOptions{
		Operation:   OpLogin,
		Policy:      st.Policy,
		SkipSession: true,
	})
	if err != nil {
		metrics.RecordERPLogin(false)
		return err
	}

	var out loginResponse
	if err := json.Unmarshal(resp.Data(), &out); err != nil || out.Token == "" {
		metrics.RecordERPLogin(false)
		return &Error{Kind: KindMalformedResponse, Op: OpLogin, Message: "login response carries no token", Err: err}
	}
	c.setSession(out.Token, time.Duration(out.ExpiresIn)*time.Second)
	metrics.RecordERPLogin(true)
	return nil
}

// filterQuery renders the shared filter parameters.
func filterQuery(filters models.Filters) url.Values {
	q := url.Values{}
	if s := filters.ModifiedSinceParam(); s != "" {
		q.Set("modified_since", s)
	}
	for k, v := range filters.Extra {
		q.Set(k, v)
	}
	return q
}

// Count returns how many entity records match filters.
// The payload may be a bare number or an object with count or total.
func (c *Client) Count(ctx context.Context, entity string, filters models.Filters) (int, error) {
	st := Strategies[OpCount]
	resp, err := c.Request(ctx, st.Method, st.path(entity), nil, filterQuery(filters), RequestOptions{
		Operation: OpCount,
		Policy:    st.Policy,
	})
	if err != nil {
		return 0, err
	}
	n, err := decodeCount(resp.Data())
	if err != nil {
		return 0, &Error{Kind: KindMalformedResponse, Op: OpCount, Message: err.Error()}
	}
	return n, nil
}

func decodeCount(data json.RawMessage) (int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0, fmt.Errorf("count missing from response")
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("decode count: %w", err)
	}
	if obj, ok := v.(map[string]any); ok {
		switch {
		case obj["count"] != nil:
			v = obj["count"]
		case obj["total"] != nil:
			v = obj["total"]
		default:
			return 0, fmt.Errorf("count missing from response")
		}
	}

	var n int64
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("count %q is not an integer", t.String())
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("count %q is not an integer", t)
		}
		n = i
	default:
		return 0, fmt.Errorf("unexpected count type %T", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return int(n), nil
}

// FetchPage returns the records in the 1-based inclusive range r.
// The payload may be an array or an object with an items array.
func (c *Client) FetchPage(ctx context.Context, entity string, r models.Range, filters models.Filters) ([]models.RawItem, error) {
	if !r.Valid() {
		return nil, Validation(OpFetchPage, fmt.Sprintf("invalid range %s", r))
	}
	st := Strategies[OpFetchPage]
	q := filterQuery(filters)
	q.Set("start", strconv.Itoa(r.Start))
	q.Set("end", strconv.Itoa(r.End))

	resp, err := c.Request(ctx, st.Method, st.path(entity), nil, q, RequestOptions{
		Operation: OpFetchPage,
		Policy:    st.Policy,
	})
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(resp.Data())
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Op: OpFetchPage, Message: err.Error()}
	}
	return items, nil
}

func decodeItems(data json.RawMessage) ([]models.RawItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []models.RawItem{}, nil
	}
	if data[0] == '{' {
		var wrapper struct {
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("decode page: %w", err)
		}
		if wrapper.Items == nil {
			return nil, fmt.Errorf("page object has no items")
		}
		return decodeItems(wrapper.Items)
	}

	var items []models.RawItem
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if items == nil {
		items = []models.RawItem{}
	}
	return items, nil
}

// Push sends one local record to the ERP.
func (c *Client) Push(ctx context.Context, entity string, item models.RawItem) error {
	st := Strategies[OpPush]
	_, err := c.Request(ctx, st.Method, st.path(entity), item, nil, RequestOptions{
		Operation: OpPush,
		Policy:    st.Policy,
	})
	return err
}
