// Package ratelimit provides a keyed rate limiter using the token bucket algorithm.
package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// KeyedRateLimiter manages per-key rate limiting.
// Each unique key gets its own independent limiter; limiters idle for longer
// than the idle timeout are dropped.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// New creates a keyed rate limiter allowing rps requests per second per key,
// with bursts of up to burst requests.
func New(rps float64, burst int, idle time.Duration) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: cache.New(idle, idle),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a request for key may proceed. It never blocks.
func (krl *KeyedRateLimiter) Allow(key string) bool {
	return krl.getLimiter(key).Allow()
}

// getLimiter returns the limiter for a key, creating one if needed.
// Every access extends the limiter's lifetime.
func (krl *KeyedRateLimiter) getLimiter(key string) *rate.Limiter {
	krl.mu.Lock()
	defer krl.mu.Unlock()

	limiter, ok := krl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(krl.limit, krl.burst)
	}
	krl.limiters.SetDefault(key, limiter)
	return limiter.(*rate.Limiter)
}

// Len returns the number of tracked keys.
func (krl *KeyedRateLimiter) Len() int {
	return krl.limiters.ItemCount()
}

// Stop drops every tracked key.
func (krl *KeyedRateLimiter) Stop() {
	krl.limiters.Flush()
}
