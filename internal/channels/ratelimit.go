package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys bounds the limiter map so hostile traffic rotating
	// source keys cannot grow it without limit.
	maxTrackedKeys = 4096

	// idleEvictAfter is how long an unseen key survives before pruning.
	idleEvictAfter = 10 * time.Minute
)

// RateLimiter bounds how often each remote key may hit a webhook endpoint.
// Keys are typically remote addresses or sender identities.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute sustained requests per key with the given
// burst. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	r := &RateLimiter{entries: make(map[string]*limiterEntry)}
	if perMinute > 0 {
		r.limit = rate.Every(time.Minute / time.Duration(perMinute))
		if burst < 1 {
			burst = 1
		}
		r.burst = burst
	}
	return r
}

// Allow reports whether the key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if r.limit == 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.evictLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.Allow()
}

// evictLocked prunes idle keys, then if the map is still full drops the
// least recently seen entry.
func (r *RateLimiter) evictLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) > idleEvictAfter {
			delete(r.entries, k)
		}
	}
	if len(r.entries) < maxTrackedKeys {
		return
	}

	var oldestKey string
	var oldest time.Time
	for k, e := range r.entries {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(r.entries, oldestKey)
	}
}
