package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
)

const (
	// DefaultTimeout bounds one ordinary request round trip.
	DefaultTimeout = 5 * time.Minute

	// DownloadTimeout bounds one bulk file download, which can run
	// long on large exports.
	DownloadTimeout = 30 * time.Minute

	// AcceptFHIRJSON is the default Accept header.
	AcceptFHIRJSON = "application/fhir+json"

	// AcceptNDJSON is the Accept header for bulk file downloads.
	AcceptNDJSON = "application/fhir+ndjson"
)

// RetryPolicy controls the request retry loop. Tests shrink the
// delays to keep runs fast.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the production retry budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
	}
}

func (p RetryPolicy) normalise() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Options configures a Client.
type Options struct {
	BaseURL           string
	Tokens            TokenProvider // nil for open servers
	RequestsPerSecond float64       // 0 means uncapped
	Retry             RetryPolicy
	HTTPClient        *http.Client // nil selects a default client
}

// Client is a FHIR HTTP client with authentication, retries and
// shared rate limiting. It is safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	tokens  TokenProvider
	limiter *Limiter
	retry   RetryPolicy

	mu   sync.Mutex
	caps *fhir.CapabilityStatement
}

// New creates a client for the FHIR base URL.
func New(opts Options) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid FHIR base URL %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Timeouts come from per-request contexts, not the client.
		httpClient = &http.Client{}
	}
	return &Client{
		base:    base,
		http:    httpClient,
		tokens:  opts.Tokens,
		limiter: NewLimiter(opts.RequestsPerSecond),
		retry:   opts.Retry.normalise(),
	}, nil
}

// BaseURL returns the configured FHIR base URL without a trailing
// slash.
func (c *Client) BaseURL() string {
	return c.base
}

// Resolve turns a server-relative URL ("Patient?name=x") into an
// absolute one. Absolute URLs pass through, so next links and manifest
// URLs on other hosts still work.
func (c *Client) Resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.base + "/" + strings.TrimPrefix(target, "/")
}

// Request describes one FHIR HTTP exchange.
type Request struct {
	Method  string
	URL     string // absolute, or relative to the base
	Accept  string // default AcceptFHIRJSON
	Headers map[string]string
	Timeout time.Duration // default DefaultTimeout
}

// Do performs the request with the full retry treatment and returns
// the raw response on any 2xx status. The caller owns the body.
//
// Within the retry budget: connection failures and 5xx retry with
// exponential backoff and jitter; 429 and 503 honour Retry-After and
// pause every worker sharing the limiter; a 401 triggers exactly one
// re-authentication. Remaining 4xx statuses return a *ResponseError
// carrying any OperationOutcome diagnostics the server sent.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	target := c.Resolve(r.URL)
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	attempts := 0
	reauthed := false
	backoff := c.retry.BaseDelay
	for {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, cancel, err := c.buildRequest(ctx, r, target, timeout)
		if err != nil {
			// Request construction and token acquisition failures are
			// not the server's doing; retrying repeats them.
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempts >= c.retry.MaxAttempts {
				return nil, fmt.Errorf("%w: %s %s: %w", ErrAttemptsExhausted, r.Method, target, err)
			}
			logger.Warn("Request %s %s failed (%v), retrying", r.Method, target, err)
			if err := c.sleep(ctx, jitter(backoff)); err != nil {
				return nil, err
			}
			backoff = c.nextBackoff(backoff)
			continue
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status < 300:
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil

		case status == http.StatusUnauthorized && c.tokens != nil && !reauthed:
			closeResponse(resp, cancel)
			logger.Debug("Token rejected for %s, re-authenticating", target)
			c.tokens.Invalidate()
			reauthed = true
			attempts-- // the re-issued request is not a retry

		case retriableStatus(status):
			respErr := responseError(resp, target)
			wait := ParseRetryAfter(resp, 0)
			closeResponse(resp, cancel)
			if attempts >= c.retry.MaxAttempts {
				return nil, fmt.Errorf("%w: %w", ErrAttemptsExhausted, respErr)
			}
			if wait > 0 {
				// Server-directed pushback applies to every worker.
				c.limiter.Pause(wait)
			} else {
				wait = jitter(backoff)
				backoff = c.nextBackoff(backoff)
			}
			logger.Warn("Server returned %d for %s, retrying in %s", status, target, wait.Round(time.Millisecond))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		default:
			respErr := responseError(resp, target)
			closeResponse(resp, cancel)
			return nil, respErr
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, r Request, target string, timeout time.Duration) (*http.Request, context.CancelFunc, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, r.Method, target, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create request %s %s: %w", r.Method, target, err)
	}
	accept := r.Accept
	if accept == "" {
		accept = AcceptFHIRJSON
	}
	req.Header.Set("Accept", accept)
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(reqCtx)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, cancel, nil
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > c.retry.MaxDelay {
		next = c.retry.MaxDelay
	}
	return next
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// jitter spreads a delay across [75%, 125%] so parallel workers do not
// retry in lockstep.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
}

// responseError reads the body far enough to salvage any
// OperationOutcome diagnostics.
func responseError(resp *http.Response, target string) *ResponseError {
	respErr := &ResponseError{StatusCode: resp.StatusCode, URL: target}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return respErr
	}
	var outcome fhir.OperationOutcome
	if json.Unmarshal(body, &outcome) == nil && outcome.ResourceType == "OperationOutcome" {
		respErr.Diagnostics = outcome.Summary()
	}
	return respErr
}

func closeResponse(resp *http.Response, cancel context.CancelFunc) {
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	cancel()
}

// cancelBody releases the per-request context when the caller closes
// the body, not before; otherwise streaming reads would be cut off.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// GetJSON performs a GET and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, target string, out any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: target})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", c.Resolve(target), err)
	}
	return nil
}

// GetResource fetches one resource by reference ("Patient/123").
func (c *Client) GetResource(ctx context.Context, ref string) (fhir.Resource, error) {
	var resource fhir.Resource
	if err := c.GetJSON(ctx, ref, &resource); err != nil {
		return nil, err
	}
	return resource, nil
}

// Search pages through a query ("Patient?family=smith"), invoking
// each for every result page, following next links to the end.
func (c *Client) Search(ctx context.Context, query string, each func(*fhir.Bundle) error) error {
	next := query
	for next != "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var bundle fhir.Bundle
		if err := c.GetJSON(ctx, next, &bundle); err != nil {
			return err
		}
		if err := each(&bundle); err != nil {
			return err
		}
		next = bundle.NextURL()
	}
	return nil
}

// Fetch opens a streaming GET with the long download timeout. The
// caller must close the body.
func (c *Client) Fetch(ctx context.Context, target, accept string) (*http.Response, error) {
	return c.Do(ctx, Request{
		Method:  http.MethodGet,
		URL:     target,
		Accept:  accept,
		Timeout: DownloadTimeout,
	})
}

// Capability fetches the server's capability statement, caching it
// for the lifetime of the client.
func (c *Client) Capability(ctx context.Context) (*fhir.CapabilityStatement, error) {
	c.mu.Lock()
	cached := c.caps
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var caps fhir.CapabilityStatement
	if err := c.GetJSON(ctx, "metadata", &caps); err != nil {
		return nil, fmt.Errorf("fetch capability statement: %w", err)
	}

	c.mu.Lock()
	c.caps = &caps
	c.mu.Unlock()
	return &caps, nil
}
