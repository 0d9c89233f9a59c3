// Package cache provides the in-memory deduplication window and in-flight
// markers used by the message delivery pipeline. The durable uniqueness
// constraint at the store layer backstops anything this window misses.
package cache

import (
	"sync"
	"time"
)

// DedupeCache remembers accepted (sender, client message id) pairs for a
// short window so a concurrent or immediate resubmission can be answered
// with the original ack instead of a second persistence attempt.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
	ttl     time.Duration
	maxSize int
}

type dedupeEntry struct {
	messageID string
	seenAt    int64 // unix milliseconds
}

// DedupeCacheOptions configures the cache.
type DedupeCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewDedupeCache creates a deduplication cache.
func NewDedupeCache(opts DedupeCacheOptions) *DedupeCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &DedupeCache{
		entries: make(map[string]dedupeEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Lookup returns the stored message id for key if it was remembered within
// the TTL window.
func (c *DedupeCache) Lookup(key string) (string, bool) {
	return c.LookupAt(key, time.Now())
}

// LookupAt checks for a duplicate with an explicit timestamp (for testing).
func (c *DedupeCache) LookupAt(key string, now time.Time) (string, bool) {
	if key == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && now.UnixMilli()-entry.seenAt >= c.ttl.Milliseconds() {
		delete(c.entries, key)
		return "", false
	}
	return entry.messageID, true
}

// Remember records that key was accepted and persisted as messageID.
func (c *DedupeCache) Remember(key, messageID string) {
	c.RememberAt(key, messageID, time.Now())
}

// RememberAt records an acceptance with an explicit timestamp (for testing).
func (c *DedupeCache) RememberAt(key, messageID string, now time.Time) {
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowUnix := now.UnixMilli()
	c.entries[key] = dedupeEntry{messageID: messageID, seenAt: nowUnix}
	c.prune(nowUnix)
}

// prune removes expired and excess entries (must be called with lock held).
func (c *DedupeCache) prune(nowUnix int64) {
	if c.ttl > 0 {
		cutoff := nowUnix - c.ttl.Milliseconds()
		for key, entry := range c.entries {
			if entry.seenAt < cutoff {
				delete(c.entries, key)
			}
		}
	}

	// Enforce max size by evicting the oldest entries.
	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldestTs := int64(^uint64(0) >> 1)
		for k, entry := range c.entries {
			if entry.seenAt < oldestTs {
				oldestTs = entry.seenAt
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.entries, oldestKey)
	}
}

// Size returns the current number of entries.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Remove drops a specific key.
func (c *DedupeCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// SubmissionKey builds the dedup key for a sender's client message id.
func SubmissionKey(senderID, clientMessageID string) string {
	if senderID == "" || clientMessageID == "" {
		return ""
	}
	return senderID + ":" + clientMessageID
}
