// Package ratelimit provides a pluggable rate limiting interface with an
// in-memory token bucket implementation. The token exchange endpoint is
// limited by client IP; a cross-instance implementation can be substituted
// through the Limiter interface.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use. Errors signal a limiter
// malfunction; callers should fail open rather than block traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                { return nil }

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
// A background goroutine evicts keys not accessed in the last 10 minutes.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter with the given sustained
// requests per second and burst capacity per key. Call Close to stop the
// eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			m.mu.Lock()
			for key, b := range m.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(m.buckets, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// IPKey extracts the client IP from the request for rate limiting.
// Uses RemoteAddr only: X-Forwarded-For is not trusted because any client
// can set an arbitrary value to bypass the limit. Behind a trusted proxy,
// configure the proxy to rewrite RemoteAddr.
func IPKey(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
