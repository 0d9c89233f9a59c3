// Package ratelimit provides token-bucket rate limiting for inbound
// operations, keyed by user, client IP, and action.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/beaconim/beacon/internal/config"
)

const maxTrackedKeys = 10000

// Decision is the outcome of a rate limit consultation. Rejected operations
// are never queued internally; the caller relays RetryAfter and moves on.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration
}

// bucket implements token bucket accounting for one key.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(budget config.ActionBudget) *bucket {
	if budget.PerSecond <= 0 {
		budget.PerSecond = 1
	}
	if budget.Burst <= 0 {
		budget.Burst = int(budget.PerSecond * 2)
		if budget.Burst < 1 {
			budget.Burst = 1
		}
	}
	return &bucket{
		tokens:     float64(budget.Burst),
		maxTokens:  float64(budget.Burst),
		refillRate: budget.PerSecond,
		lastRefill: time.Now(),
	}
}

// take consumes a token if available and otherwise reports how long until
// one would be.
func (b *bucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	needed := 1 - b.tokens
	wait := time.Duration(needed / b.refillRate * float64(time.Second))
	return false, wait
}

// refill adds tokens based on time elapsed (must be called with lock held).
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

func (b *bucket) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens >= b.maxTokens*0.9
}

// Limiter applies per-action budgets across user and IP keys.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     config.RateLimitConfig
}

// NewLimiter creates a limiter from per-action budgets.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
}

// Check consults the budget for action on behalf of userID at ip. Both the
// user key and the IP key must admit the operation. The limiter is consulted,
// never held: callers do not block on it.
func (l *Limiter) Check(userID, ip, action string) Decision {
	if !l.cfg.Enabled {
		return Decision{}
	}
	budget, ok := l.cfg.Actions[action]
	if !ok {
		return Decision{}
	}

	worst := Decision{}
	for _, key := range limitKeys(userID, ip, action) {
		ok, wait := l.getBucket(key, budget).take()
		if !ok && wait > worst.RetryAfter {
			worst = Decision{Limited: true, RetryAfter: wait}
		}
	}
	return worst
}

// Reset clears accounting for a key. Used by tests.
func (l *Limiter) Reset(userID, ip, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range limitKeys(userID, ip, action) {
		delete(l.buckets, key)
	}
}

func limitKeys(userID, ip, action string) []string {
	keys := make([]string, 0, 2)
	if userID != "" {
		keys = append(keys, compositeKey("u", userID, action))
	}
	if ip != "" {
		keys = append(keys, compositeKey("ip", ip, action))
	}
	return keys
}

func compositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// getBucket returns or creates a bucket for the given key.
func (l *Limiter) getBucket(key string, budget config.ActionBudget) *bucket {
	l.mu.RLock()
	b, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, exists = l.buckets[key]; exists {
		return b
	}

	if len(l.buckets) >= maxTrackedKeys {
		l.prune()
	}

	b = newBucket(budget)
	l.buckets[key] = b
	return b
}

// prune removes buckets that have refilled to (near) capacity; a full bucket
// means the key has been inactive.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.idle() {
			delete(l.buckets, key)
		}
	}
}
