// Package ratelimit throttles WebSocket upgrades per remote address.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

type entry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Limiter applies an optional global bucket and one bucket per key. A nil
// *Limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*entry
	keyRate int
	burst   int
	now     func() time.Time
}

// NewLimiter returns a limiter. A zero rate disables that level.
func NewLimiter(globalRate, perKeyRate, burst int) *Limiter {
	return newLimiter(globalRate, perKeyRate, burst, time.Now)
}

func newLimiter(globalRate, perKeyRate, burst int, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perKey:  make(map[string]*entry),
		keyRate: perKeyRate,
		burst:   burst,
		now:     now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether key may proceed, consuming a token from the global
// bucket and from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	e, ok := l.perKey[key]
	if !ok {
		e = &entry{bucket: newTokenBucket(l.keyRate, l.burst, l.now)}
		l.perKey[key] = e
	}
	e.lastSeen = l.now()
	l.mu.Unlock()
	return e.bucket.Allow()
}

// Sweep forgets keys not seen for idle and returns how many were dropped.
func (l *Limiter) Sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for key, e := range l.perKey {
		if e.lastSeen.Before(cutoff) {
			delete(l.perKey, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
