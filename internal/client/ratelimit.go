package client

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter implements dual-strategy rate limiting for FHIR servers.
//
// The proactive side is a token bucket capping request rate. The
// reactive side is a shared pause: when any request sees a 429 or 503
// with Retry-After, every worker holds off until the named moment, so
// a struggling server is not hammered from eight directions at once.
type Limiter struct {
	mu          sync.Mutex
	bucket      *rate.Limiter // nil when uncapped
	pausedUntil time.Time
}

// NewLimiter creates a limiter allowing requestsPerSecond across all
// workers. Zero or below means no proactive cap.
func NewLimiter(requestsPerSecond float64) *Limiter {
	l := &Limiter{}
	if requestsPerSecond > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return l
}

// Wait blocks until it's safe to make a request.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	until := l.pausedUntil
	l.mu.Unlock()

	if wait := time.Until(until); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// Pause holds all workers for the given duration. An earlier pause
// already covering the window is kept.
func (l *Limiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
}

// PausedUntil returns the end of the current shared pause, which may
// be in the past.
func (l *Limiter) PausedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pausedUntil
}

// ParseRetryAfter reads a Retry-After header, accepting both the
// delta-seconds and HTTP-date forms. The fallback is returned when the
// header is absent or unreadable.
func ParseRetryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return fallback
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return fallback
}
