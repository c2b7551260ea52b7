// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package erp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// Client is the resilient ERP HTTP client. All remote traffic goes through
// Request, which layers session handling, per-method timeouts, pacing, the
// circuit breaker and policy-driven retries.
//
// Client is safe for concurrent use.
type Client struct {
	baseURL       string
	apiKey        string
	sessionHeader string
	sessionTTL    time.Duration

	http     *http.Client
	httpCfg  config.HTTPConfig
	policies map[string]RetryPolicy
	breaker  *Breaker
	limiter  *rate.Limiter
	maxBody  int64

	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64
	now   func() time.Time

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
	lastURL      string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleeper replaces the backoff wait. Tests use it to observe delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *Client) { c.rnd = fn }
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithClock replaces the session expiry clock.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

// NewClient builds a Client from the ERP and HTTP config sections.
func NewClient(erpCfg config.ERPConfig, httpCfg config.HTTPConfig, opts ...Option) *Client {
	policies := PoliciesFromConfig(config.DefaultPolicies())
	for name, p := range PoliciesFromConfig(httpCfg.Policies) {
		policies[name] = p
	}

	header := erpCfg.SessionHeader
	if header == "" {
		header = "X-Session-Token"
	}
	maxBody := httpCfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}

	c := &Client{
		baseURL:       strings.TrimRight(erpCfg.URL, "/"),
		apiKey:        erpCfg.APIKey,
		sessionHeader: header,
		sessionTTL:    erpCfg.SessionTTL,
		// Per-attempt deadlines come from httpCfg timeouts via context.
		http:     &http.Client{},
		httpCfg:  httpCfg,
		policies: policies,
		maxBody:  maxBody,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	if httpCfg.RequestsPerSecond > 0 {
		burst := httpCfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(httpCfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(DefaultBreakerName, httpCfg.Breaker)
	}
	return c
}

// RequestOptions tune a single Request call.
type RequestOptions struct {
	// Operation labels logs and metrics. Defaults to the method.
	Operation string

	// Policy names the retry policy. Defaults to "standard".
	Policy string

	// Timeout overrides the per-method timeout.
	Timeout time.Duration

	Headers map[string]string

	// TransientCodes lists remote logical codes worth retrying.
	TransientCodes []string

	// SkipSession sends the request without a session token.
	SkipSession bool
}

// Envelope is the ERP response wrapper. Bodies without a status field are
// treated as bare data.
type Envelope struct {
	Status  string          `json:"status"`
	Code    any             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is a decoded ERP reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Envelope   Envelope
	Raw        []byte
}

// Data returns the payload, which is the whole body for unwrapped replies.
func (r *Response) Data() json.RawMessage {
	return r.Envelope.Data
}

// Breaker exposes the client breaker for health reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// LastURL returns the most recently constructed request URL, redacted.
func (c *Client) LastURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return logging.SanitizeURL(c.lastURL)
}

// Policy returns the named policy, falling back to standard.
func (c *Client) Policy(name string) RetryPolicy {
	if p, ok := c.policies[name]; ok {
		return p
	}
	return c.policies[config.PolicyStandard]
}

// Request performs method on endpoint with retries. body is JSON-encoded
// when non-nil.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, query url.Values, opts RequestOptions) (*Response, error) {
	method = strings.ToUpper(method)
	if opts.Operation == "" {
		opts.Operation = strings.ToLower(method)
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyStandard
	}
	policy := c.Policy(opts.Policy)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, Validation(opts.Operation, fmt.Sprintf("encode request body: %v", err))
		}
	}

	reqURL, err := c.buildURL(endpoint, query)
	if err != nil {
		return nil, Validation(opts.Operation, err.Error())
	}

	reloggedIn := false
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		token := ""
		if !opts.SkipSession {
			token, err = c.ensureSession(ctx)
			if err != nil {
				return nil, err
			}
		}

		attempt := retries + 1
		resp, err := c.breaker.Execute(opts.Operation, func() (*Response, error) {
			return c.attempt(ctx, method, reqURL, payload, token, opts, attempt)
		})
		if err == nil {
			return resp, nil
		}

		var e *Error
		if errors.As(err, &e) && e.Kind == KindHTTP && e.Status == http.StatusUnauthorized && !opts.SkipSession && !reloggedIn {
			logging.Info().Str("operation", opts.Operation).Msg("ERP session rejected, logging in again")
			c.dropSession(token)
			reloggedIn = true
			continue
		}

		if !IsRecoverable(err) || retries >= policy.MaxRetries {
			return nil, err
		}

		retries++
		delay := policy.JitteredDelay(retries, c.rnd)
		if e != nil && e.RetryAfter > 0 {
			delay = e.RetryAfter
		}
		metrics.RecordERPRetry(opts.Operation, policy.Name)
		logging.Warn().
			Err(err).
			Str("operation", opts.Operation).
			Str("policy", policy.Name).
			Int("retry", retries).
			Int("max_retries", policy.MaxRetries).
			Dur("delay", delay).
			Msg("Retrying ERP request")

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) buildURL(endpoint string, query url.Values) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("erp url is not configured")
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// attempt performs exactly one HTTP exchange and classifies the outcome.
func (c *Client) attempt(ctx context.Context, method, reqURL string, payload []byte, token string, opts RequestOptions, n int) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.httpCfg.TimeoutFor(method)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.transportError(opts.Operation, err)
		}
	}

	var bodyReader io.Reader = http.NoBody
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, Validation(opts.Operation, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(c.sessionHeader, token)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	c.mu.Lock()
	c.lastURL = reqURL
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cerr := c.transportError(opts.Operation, err)
		c.logAttempt(opts, method, reqURL, 0, n, time.Since(start), cerr)
		return nil, cerr
	}
	defer resp.Body.Close()

	raw, err := readBody(resp.Body, c.maxBody)
	if err != nil {
		var cerr error
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			cerr = c.transportError(opts.Operation, err)
		} else {
			cerr = &Error{Kind: KindMalformedResponse, Op: opts.Operation, Status: resp.StatusCode, Message: "truncated response body", Err: err}
		}
		c.logAttempt(opts, method, reqURL, resp.StatusCode, n, time.Since(start), cerr)
		return nil, cerr
	}

	out, cerr := c.classify(opts, resp, raw)
	c.logAttempt(opts, method, reqURL, resp.StatusCode, n, time.Since(start), cerr)
	return out, cerr
}

func (c *Client) classify(opts RequestOptions, resp *http.Response, raw []byte) (*Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Kind: KindHTTP, Op: opts.Operation, Status: resp.StatusCode, Body: truncateBody(raw)}
		if resp.StatusCode == http.StatusTooManyRequests {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return nil, e
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &Error{Kind: KindMalformedResponse, Op: opts.Operation, Status: resp.StatusCode, Message: "empty response body"}
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Raw: raw}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, &Error{Kind: KindMalformedResponse, Op: opts.Operation, Status: resp.StatusCode, Message: "invalid JSON"}
		}
		out.Envelope.Data = json.RawMessage(trimmed)
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&out.Envelope); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Op: opts.Operation, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	if out.Envelope.Status == "" && out.Envelope.Data == nil {
		out.Envelope.Data = json.RawMessage(trimmed)
	}

	switch strings.ToLower(out.Envelope.Status) {
	case "error", "fail", "failed", "failure":
		code := NormalizeCode(out.Envelope.Code)
		return nil, &Error{
			Kind:      KindRemoteLogical,
			Op:        opts.Operation,
			Status:    resp.StatusCode,
			Code:      code,
			Message:   out.Envelope.Message,
			Transient: containsCode(opts.TransientCodes, code),
		}
	}
	return out, nil
}

func (c *Client) transportError(op string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindNetwork, Op: op, Message: "request cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func (c *Client) logAttempt(opts RequestOptions, method, reqURL string, status, n int, dur time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	metrics.RecordERPRequest(opts.Operation, method, outcome, dur)

	ev := logging.Debug()
	if err != nil {
		ev = logging.Warn().Err(err)
	}
	ev.Str("operation", opts.Operation).
		Str("method", method).
		Str("url", logging.SanitizeURL(reqURL)).
		Int("status", status).
		Int("attempt", n).
		Dur("duration", dur).
		Msg("ERP request")
}

// ensureSession returns a valid session token, logging in when needed.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expires := c.token, c.tokenExpires
	c.mu.Unlock()
	if token != "" && (expires.IsZero() || c.now().Before(expires)) {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *Client) setSession(token string, ttl time.Duration) {
	if ttl <= 0 || (c.sessionTTL > 0 && ttl > c.sessionTTL) {
		ttl = c.sessionTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if ttl > 0 {
		c.tokenExpires = c.now().Add(ttl)
	} else {
		c.tokenExpires = time.Time{}
	}
}

// dropSession clears token if it is still the current one.
func (c *Client) dropSession(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.tokenExpires = time.Time{}
	}
}

// readBody reads at most limit bytes. A body longer than limit or cut short
// by the server is reported as an error.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return b, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func containsCode(codes []string, code string) bool {
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
