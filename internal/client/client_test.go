package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/chartpull-cli/internal/fhir"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestClient(t *testing.T, server *httptest.Server, tokens TokenProvider) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL: server.URL,
		Tokens:  tokens,
		Retry:   fastRetry(),
	})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)

	_, err = New(Options{BaseURL: ""})
	assert.Error(t, err)
}

func TestClient_Resolve(t *testing.T) {
	c, err := New(Options{BaseURL: "https://fhir.example.com/r4/"})
	require.NoError(t, err)

	assert.Equal(t, "https://fhir.example.com/r4/Patient?name=x", c.Resolve("Patient?name=x"))
	assert.Equal(t, "https://fhir.example.com/r4/$export", c.Resolve("/$export"))
	assert.Equal(t, "https://other.example.com/file", c.Resolve("https://other.example.com/file"))
}

func TestClient_Do_SetsAuthAndAcceptHeaders(t *testing.T) {
	var gotAuth, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, StaticTokenProvider("tok-123"))

	resource, err := c.GetResource(context.Background(), "Patient/p1")
	require.NoError(t, err)
	assert.Equal(t, "Patient/p1", resource.Key())
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, AcceptFHIRJSON, gotAccept)
}

func TestClient_Do_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	_, err := c.GetResource(context.Background(), "Patient/p1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Do_ExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still broken", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	_, err := c.GetResource(context.Background(), "Patient/p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Do_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	_, err := c.GetResource(context.Background(), "Patient/p1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Do_ReauthenticatesOnceOn401(t *testing.T) {
	tokens := &rotatingTokens{current: "stale"}
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)
		if auth != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, tokens)

	_, err := c.GetResource(context.Background(), "Patient/p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, seen)
	assert.Equal(t, int32(1), tokens.invalidations.Load())
}

func TestClient_Do_SecondUnauthorizedIsFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := newTestClient(t, server, &rotatingTokens{current: "always-bad"})

	_, err := c.GetResource(context.Background(), "Patient/p1")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Do_SurfacesOperationOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome",
			"issue":[{"severity":"error","code":"not-found","diagnostics":"no such patient"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	_, err := c.GetResource(context.Background(), "Patient/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "no such patient")
}

func TestClient_Do_NoRetryOnPlain4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	_, err := c.GetResource(context.Background(), "Patient/p1")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Search_FollowsNextLinks(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset",
				"entry":[{"resource":{"resourceType":"Patient","id":"p2"}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset",
			"link":[{"relation":"next","url":"` + server.URL + `/Patient?page=2"}],
			"entry":[{"resource":{"resourceType":"Patient","id":"p1"}}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	var ids []string
	err := c.Search(context.Background(), "Patient", func(bundle *fhir.Bundle) error {
		for _, res := range bundle.Resources() {
			ids = append(ids, res.ID())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestClient_Capability_Cached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/metadata", r.URL.Path)
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, nil)

	first, err := c.Capability(context.Background())
	require.NoError(t, err)
	second, err := c.Capability(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}

	// Absent header falls back
	assert.Equal(t, 7*time.Second, ParseRetryAfter(resp, 7*time.Second))

	// Delta seconds
	resp.Header.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, ParseRetryAfter(resp, 0))

	// HTTP date in the past clamps to zero
	resp.Header.Set("Retry-After", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(resp, time.Minute))

	// Garbage falls back
	resp.Header.Set("Retry-After", "soonish")
	assert.Equal(t, 9*time.Second, ParseRetryAfter(resp, 9*time.Second))
}

func TestLimiter_PauseHoldsWaiters(t *testing.T) {
	l := NewLimiter(0)
	l.Pause(20 * time.Millisecond)

	// A shorter pause never shrinks the window
	until := l.PausedUntil()
	l.Pause(time.Nanosecond)
	assert.Equal(t, until, l.PausedUntil())

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	l := NewLimiter(0)
	l.Pause(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// rotatingTokens hands out "stale" until invalidated, then "fresh".
type rotatingTokens struct {
	current       string
	invalidations atomic.Int32
}

func (r *rotatingTokens) Token(context.Context) (string, error) {
	return r.current, nil
}

func (r *rotatingTokens) Invalidate() {
	r.invalidations.Add(1)
	r.current = "fresh"
}
