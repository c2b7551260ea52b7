// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/models"
)

// fakeERP serves /api/session and delegates everything else to data.
type fakeERP struct {
	t      *testing.T
	logins atomic.Int32
	hits   atomic.Int32
	tokens []string
	data   http.HandlerFunc
}

func (f *fakeERP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/session" {
		n := int(f.logins.Add(1))
		token := "token-1"
		if len(f.tokens) > 0 {
			token = f.tokens[min(n-1, len(f.tokens)-1)]
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"token":%q,"expires_in":3600}}`, token)
		return
	}
	f.hits.Add(1)
	f.data(w, r)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testHTTPConfig() config.HTTPConfig {
	cfg := config.Default().HTTP
	cfg.Breaker.FailureThreshold = 100
	cfg.Breaker.RecoveryTimeout = time.Minute
	cfg.Breaker.HalfOpenMaxCalls = 1
	return cfg
}

func newTestClient(t *testing.T, f *fakeERP, httpCfg config.HTTPConfig) (*Client, *sleepRecorder) {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	c := NewClient(
		config.ERPConfig{URL: srv.URL, APIKey: "secret-key", SessionHeader: "X-Session-Token", SessionTTL: 30 * time.Minute},
		httpCfg,
		WithSleeper(rec.sleep),
		WithRand(func() float64 { return 0.5 }),
	)
	return c, rec
}

func asError(err error, target **Error) bool {
	return errors.As(err, target)
}

func jsonReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestRequest_RetriesPerPolicy(t *testing.T) {
	defaults := config.DefaultPolicies()
	for _, name := range []string{config.PolicyCritical, config.PolicyStandard, config.PolicyBackground, config.PolicyRealtime} {
		t.Run(name, func(t *testing.T) {
			f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
				jsonReply(w, http.StatusServiceUnavailable, `{"status":"error"}`)
			}}
			c, rec := newTestClient(t, f, testHTTPConfig())

			_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{Policy: name})
			if !IsKind(err, KindHTTP) {
				t.Fatalf("Request() error = %v, want http error", err)
			}

			want := defaults[name].MaxRetries
			if got := int(f.hits.Load()); got != want+1 {
				t.Errorf("attempts = %d, want %d", got, want+1)
			}
			delays := rec.all()
			if len(delays) != want {
				t.Fatalf("sleeps = %d, want %d", len(delays), want)
			}
			p := c.Policy(name)
			for i, d := range delays {
				if d != p.Delay(i+1) {
					t.Errorf("sleep %d = %v, want %v", i+1, d, p.Delay(i+1))
				}
			}
		})
	}
}

func TestRequest_CustomSchedule(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.Policies[config.PolicyStandard] = config.RetryPolicyConfig{
		MaxRetries: 3,
		Strategy:   "custom",
		Delays:     []time.Duration{100 * time.Millisecond, 700 * time.Millisecond},
	}
	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusBadGateway, "")
	}}
	c, rec := newTestClient(t, f, cfg)

	_, _ = c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{})
	want := []time.Duration{100 * time.Millisecond, 700 * time.Millisecond, 700 * time.Millisecond}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRequest_SucceedsAfterTransientFailures(t *testing.T) {
	f := &fakeERP{}
	f.data = func(w http.ResponseWriter, r *http.Request) {
		if f.hits.Load() < 3 {
			jsonReply(w, http.StatusInternalServerError, "oops")
			return
		}
		jsonReply(w, http.StatusOK, `{"status":"success","data":[1,2,3]}`)
	}
	c, rec := newTestClient(t, f, testHTTPConfig())

	resp, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(resp.Data()) != "[1,2,3]" {
		t.Errorf("Data() = %s", resp.Data())
	}
	if len(rec.all()) != 2 {
		t.Errorf("sleeps = %d, want 2", len(rec.all()))
	}
}

func TestRequest_ClientErrorNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
				jsonReply(w, status, `{"message":"nope"}`)
			}}
			c, rec := newTestClient(t, f, testHTTPConfig())

			_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{Policy: config.PolicyCritical})
			var e *Error
			if !asError(err, &e) || e.Kind != KindHTTP || e.Status != status {
				t.Fatalf("Request() error = %v, want HTTP %d", err, status)
			}
			if !strings.Contains(e.Body, "nope") {
				t.Errorf("Body = %q", e.Body)
			}
			if f.hits.Load() != 1 {
				t.Errorf("attempts = %d, want 1", f.hits.Load())
			}
			if len(rec.all()) != 0 {
				t.Errorf("sleeps = %v, want none", rec.all())
			}
			if c.Breaker().ConsecutiveFailures() != 0 {
				t.Errorf("breaker failures = %d, want 0", c.Breaker().ConsecutiveFailures())
			}
		})
	}
}

func TestRequest_RetryAfterOverridesDelay(t *testing.T) {
	f := &fakeERP{}
	f.data = func(w http.ResponseWriter, r *http.Request) {
		if f.hits.Load() == 1 {
			w.Header().Set("Retry-After", "7")
			jsonReply(w, http.StatusTooManyRequests, "slow down")
			return
		}
		jsonReply(w, http.StatusOK, `{"status":"success","data":{}}`)
	}
	c, rec := newTestClient(t, f, testHTTPConfig())

	if _, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	got := rec.all()
	if len(got) != 1 || got[0] != 7*time.Second {
		t.Errorf("sleeps = %v, want [7s]", got)
	}
}

func TestRequest_ReloginOn401(t *testing.T) {
	f := &fakeERP{tokens: []string{"stale-token", "fresh-token"}}
	f.data = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Token") != "fresh-token" {
			jsonReply(w, http.StatusUnauthorized, "expired")
			return
		}
		jsonReply(w, http.StatusOK, `{"status":"success","data":{"count":3}}`)
	}
	c, rec := newTestClient(t, f, testHTTPConfig())

	n, err := c.Count(context.Background(), "products", models.Filters{})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
	if f.logins.Load() != 2 {
		t.Errorf("logins = %d, want 2", f.logins.Load())
	}
	if len(rec.all()) != 0 {
		t.Errorf("re-login should not consume retry budget, sleeps = %v", rec.all())
	}
}

func TestRequest_401TwiceFails(t *testing.T) {
	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusUnauthorized, "no")
	}}
	c, _ := newTestClient(t, f, testHTTPConfig())

	_, err := c.Count(context.Background(), "products", models.Filters{})
	var e *Error
	if !asError(err, &e) || e.Status != http.StatusUnauthorized {
		t.Fatalf("Count() error = %v, want 401", err)
	}
	if f.logins.Load() != 2 {
		t.Errorf("logins = %d, want 2", f.logins.Load())
	}
}

func TestRequest_MalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"empty body", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusOK, `{"status":"success","data":[1,2`)
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusOK, `<html>gateway</html>`)
		}},
		{"truncated", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "500")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"success","da`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeERP{data: tt.handler}
			c, rec := newTestClient(t, f, testHTTPConfig())

			_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{})
			if !IsKind(err, KindMalformedResponse) {
				t.Fatalf("Request() error = %v, want malformed response", err)
			}
			if IsRecoverable(err) {
				t.Error("malformed response should not be recoverable")
			}
			if len(rec.all()) != 0 {
				t.Errorf("sleeps = %v, want none", rec.all())
			}
		})
	}
}

func TestRequest_RemoteLogicalCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string code", `{"status":"error","code":"E_LOCKED","message":"row locked"}`, "E_LOCKED"},
		{"numeric code", `{"status":"error","code":42,"message":"bad filter"}`, "42"},
		{"failure status", `{"status":"failure","code":"7"}`, "7"},
		{"no code", `{"status":"error","message":"unknown"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
				jsonReply(w, http.StatusOK, tt.body)
			}}
			c, _ := newTestClient(t, f, testHTTPConfig())

			_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{})
			var e *Error
			if !asError(err, &e) || e.Kind != KindRemoteLogical {
				t.Fatalf("Request() error = %v, want remote logical", err)
			}
			if e.Code != tt.want {
				t.Errorf("Code = %q, want %q", e.Code, tt.want)
			}
			if f.hits.Load() != 1 {
				t.Errorf("attempts = %d, want 1", f.hits.Load())
			}
		})
	}
}

func TestRequest_TransientRemoteCodeRetried(t *testing.T) {
	f := &fakeERP{}
	f.data = func(w http.ResponseWriter, r *http.Request) {
		if f.hits.Load() == 1 {
			jsonReply(w, http.StatusOK, `{"status":"error","code":"LOCKED"}`)
			return
		}
		jsonReply(w, http.StatusOK, `{"status":"success","data":[]}`)
	}
	c, rec := newTestClient(t, f, testHTTPConfig())

	_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{TransientCodes: []string{"LOCKED"}})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if len(rec.all()) != 1 {
		t.Errorf("sleeps = %d, want 1", len(rec.all()))
	}
}

func TestRequest_PerMethodTimeout(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.Timeouts = map[string]time.Duration{"get": 50 * time.Millisecond}
	cfg.Policies[config.PolicyStandard] = config.RetryPolicyConfig{MaxRetries: 1, Strategy: "fixed", BaseDelay: time.Millisecond}

	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}}
	c, _ := newTestClient(t, f, cfg)

	start := time.Now()
	_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{})
	if !IsKind(err, KindTimeout) {
		t.Fatalf("Request() error = %v, want timeout", err)
	}
	if f.hits.Load() != 2 {
		t.Errorf("attempts = %d, want 2", f.hits.Load())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout not applied, took %v", elapsed)
	}
}

func TestRequest_ContextCancelledDuringBackoff(t *testing.T) {
	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusInternalServerError, "")
	}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(config.ERPConfig{URL: srv.URL, APIKey: "k"}, testHTTPConfig(),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	_, err := c.Request(ctx, http.MethodGet, "/api/products", nil, nil, RequestOptions{})
	if err != context.Canceled {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}
	if f.hits.Load() != 1 {
		t.Errorf("attempts = %d, want 1", f.hits.Load())
	}
}

func TestLastURL(t *testing.T) {
	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusOK, `[]`)
	}}
	c, _ := newTestClient(t, f, testHTTPConfig())

	if c.LastURL() != "" {
		t.Errorf("LastURL() before any request = %q", c.LastURL())
	}
	if _, err := c.FetchPage(context.Background(), "products", models.Range{Start: 51, End: 100}, models.Filters{}); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	got := c.LastURL()
	for _, want := range []string{"/api/products", "start=51", "end=100"} {
		if !strings.Contains(got, want) {
			t.Errorf("LastURL() = %q, missing %q", got, want)
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.Breaker = config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: 100 * time.Millisecond, HalfOpenMaxCalls: 1}
	cfg.Policies[config.PolicyStandard] = config.RetryPolicyConfig{MaxRetries: 0, Strategy: "fixed"}

	var healthy atomic.Bool
	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			jsonReply(w, http.StatusOK, `[]`)
			return
		}
		jsonReply(w, http.StatusInternalServerError, "")
	}}
	c, _ := newTestClient(t, f, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Request(ctx, http.MethodGet, "/api/products", nil, nil, RequestOptions{})
		if !IsKind(err, KindHTTP) {
			t.Fatalf("call %d error = %v, want http", i+1, err)
		}
	}
	if c.Breaker().State() != "open" {
		t.Fatalf("State() = %q after threshold, want open", c.Breaker().State())
	}

	_, err := c.Request(ctx, http.MethodGet, "/api/products", nil, nil, RequestOptions{})
	if !IsKind(err, KindCircuitOpen) {
		t.Fatalf("error while open = %v, want circuit open", err)
	}
	if f.hits.Load() != 3 {
		t.Errorf("open breaker should not reach the server, hits = %d", f.hits.Load())
	}

	time.Sleep(150 * time.Millisecond)
	healthy.Store(true)
	if _, err := c.Request(ctx, http.MethodGet, "/api/products", nil, nil, RequestOptions{}); err != nil {
		t.Fatalf("half-open call error = %v", err)
	}
	if c.Breaker().State() != "closed" {
		t.Errorf("State() = %q after a successful half-open call, want closed", c.Breaker().State())
	}
}

func TestBreaker_MalformedReplyDoesNotTrip(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"truncated", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "500")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"success","da`))
		}},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusOK, `{"status":"success","data":[1,2`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().HTTP
			f := &fakeERP{data: tt.handler}
			c, _ := newTestClient(t, f, cfg)

			calls := int(cfg.Breaker.FailureThreshold) * 3
			for i := 0; i < calls; i++ {
				_, err := c.Request(context.Background(), http.MethodGet, "/api/products", nil, nil, RequestOptions{})
				if !IsKind(err, KindMalformedResponse) {
					t.Fatalf("call %d error = %v, want malformed response", i+1, err)
				}
			}
			if got := c.Breaker().State(); got != "closed" {
				t.Errorf("State() = %q after %d malformed replies, want closed", got, calls)
			}
			if int(f.hits.Load()) != calls {
				t.Errorf("hits = %d, want %d", f.hits.Load(), calls)
			}
		})
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.Breaker = config.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxCalls: 1}
	cfg.Policies[config.PolicyStandard] = config.RetryPolicyConfig{MaxRetries: 0, Strategy: "fixed"}

	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusInternalServerError, "")
	}}
	c, _ := newTestClient(t, f, cfg)

	_, _ = c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RequestOptions{})
	if c.Breaker().State() != "open" {
		t.Fatalf("State() = %q, want open", c.Breaker().State())
	}
	time.Sleep(80 * time.Millisecond)
	if c.Breaker().State() != "half-open" {
		t.Fatalf("State() = %q after recovery timeout, want half-open", c.Breaker().State())
	}
	_, _ = c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RequestOptions{})
	if c.Breaker().State() != "open" {
		t.Errorf("State() = %q after a failed half-open call, want open", c.Breaker().State())
	}
}

func TestBreaker_RetriesStopWhenOpen(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.Breaker = config.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}

	f := &fakeERP{data: func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusInternalServerError, "")
	}}
	c, _ := newTestClient(t, f, cfg)

	_, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RequestOptions{Policy: config.PolicyCritical})
	if !IsKind(err, KindCircuitOpen) {
		t.Fatalf("error = %v, want circuit open", err)
	}
	if f.hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", f.hits.Load())
	}
}

func TestRequest_MissingBaseURL(t *testing.T) {
	c := NewClient(config.ERPConfig{}, testHTTPConfig())
	_, err := c.Request(context.Background(), http.MethodGet, "/x", nil, nil, RequestOptions{SkipSession: true})
	if !IsKind(err, KindValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseRetryAfter(tt.in, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
