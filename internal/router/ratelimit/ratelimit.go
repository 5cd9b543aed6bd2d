// Package ratelimit provides a per-key, lazily-created token-bucket limiter.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a cache of independent per-key token buckets. Keys are created
// lazily on first use and kept until Forget removes them (a key whose rate
// changes gets a new bucket); a key with no configured rate bypasses
// limiting entirely.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	ratesMin map[string]int
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		ratesMin: make(map[string]int),
	}
}

// Acquire attempts a non-blocking token acquisition for key at rate
// perMinute requests per minute. A nil or non-positive perMinute bypasses
// rate limiting and always succeeds. The limiter for a given key is created
// on first use and reused (and re-created if perMinute subsequently changes)
// on later calls.
func (l *Limiter) Acquire(key string, perMinute *int) bool {
	if perMinute == nil || *perMinute <= 0 {
		return true
	}

	limiter := l.limiterFor(key, *perMinute)
	return limiter.Allow()
}

// IsLimited reports whether key currently has no tokens available, without
// consuming one. Returns false for a key with no configured rate.
func (l *Limiter) IsLimited(key string, perMinute *int) bool {
	if perMinute == nil || *perMinute <= 0 {
		return false
	}
	limiter := l.limiterFor(key, *perMinute)
	return limiter.Tokens() < 1
}

// Forget removes the cached limiter for key, e.g. when a pool is destroyed.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	delete(l.ratesMin, key)
}

func (l *Limiter) limiterFor(key string, perMinute int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.buckets[key]; ok && l.ratesMin[key] == perMinute {
		return existing
	}

	perSecond := float64(perMinute) / 60.0
	limiter := rate.NewLimiter(rate.Limit(perSecond), perMinute)
	l.buckets[key] = limiter
	l.ratesMin[key] = perMinute
	return limiter
}
