package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig tunes the global request limiter and the per-IP stream
// creation limiter. The creation limiter moves to Redis when an address is
// configured so multiple gateway instances share one fixed window.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	CreationLimit  int
	CreationWindow time.Duration
	RedisAddr      string
	RedisUsername  string
	RedisPassword  string
	RedisTimeout   time.Duration
}

type rateLimiter struct {
	global         *tokenBucket
	creationLimit  int
	creationWindow time.Duration
	creationMu     sync.Mutex
	creationCells  map[string]*ipLimiter
	store          counterStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type counterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		creationLimit:  cfg.CreationLimit,
		creationWindow: cfg.CreationWindow,
		creationCells:  make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.creationWindow <= 0 {
		rl.creationWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.creationLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisCounterStore(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowCreation applies the per-IP stream creation window. The boolean result
// is accompanied by a retry hint when the caller is over the limit.
func (r *rateLimiter) AllowCreation(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.creationLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("driftcast:creations:%s", key), r.creationLimit, r.creationWindow)
	}
	r.creationMu.Lock()
	cell, exists := r.creationCells[key]
	if !exists {
		rate := float64(r.creationLimit) / r.creationWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.creationWindow.Seconds()
		}
		cell = &ipLimiter{bucket: newTokenBucket(rate, r.creationLimit)}
		r.creationCells[key] = cell
	}
	cell.lastSeen = time.Now()
	r.cleanupLocked()
	r.creationMu.Unlock()

	ok, wait := cell.bucket.allowOrWait()
	if ok {
		return true, 0, nil
	}
	return false, wait, nil
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.creationCells) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.creationWindow)
	for key, cell := range r.creationCells {
		if cell.lastSeen.Before(cutoff) {
			delete(r.creationCells, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	ok, _ := tb.allowOrWait()
	return ok
}

// allowOrWait consumes a token when one is available. On denial it reports
// how long until the next token accrues, matching the TTL hint the Redis
// counter store returns so both backends advertise the same backpressure.
func (tb *tokenBucket) allowOrWait() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens >= 1 {
		tb.tokens -= 1
		return true, 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait
}
