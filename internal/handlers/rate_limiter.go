package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter hands out one token bucket per key. Buckets idle for longer than the window are pruned
// lazily when new keys arrive.
type keyedRateLimiter struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedRateLimiter allows burst requests per key and refills them evenly over window.
func newKeyedRateLimiter(burst int, window time.Duration, clock func() time.Time) rateLimiter {
	if burst <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit:  rate.Limit(float64(burst) / window.Seconds()),
		burst:  burst,
		window: window,
		clock:  clock,
		store:  make(map[string]*rateEntry),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok {
		l.pruneIdleLocked(now)
		entry = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.store[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	for key, entry := range l.store {
		if now.Sub(entry.lastSeen) > l.window {
			delete(l.store, key)
		}
	}
}
