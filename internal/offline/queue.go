// Package offline buffers undelivered messages per user, bounded both in
// length and age. Overflow drops the oldest entries; a caller never sees an
// enqueue rejection.
package offline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/pkg/models"
)

// Queue holds one ordered message buffer per offline user.
type Queue struct {
	mu       sync.Mutex
	users    map[string]*userQueue
	cfg      config.OfflineConfig
	pressure bool

	logger  *slog.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time
}

type userQueue struct {
	messages []models.QueuedMessage
	// lastQueued orders users for global-cap eviction.
	lastQueued time.Time
}

// NewQueue creates an offline queue with the given bounds.
func NewQueue(cfg config.OfflineConfig, logger *slog.Logger, metrics *observability.Metrics) *Queue {
	return &Queue{
		users:   make(map[string]*userQueue),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (q *Queue) SetNowFunc(fn func() time.Time) {
	q.nowFunc = fn
}

// SetPressure toggles pressure mode. While on, the per-user and global
// limits are halved; existing overflow is trimmed on the next enqueue or
// sweep.
func (q *Queue) SetPressure(on bool) {
	q.mu.Lock()
	q.pressure = on
	q.mu.Unlock()
}

func (q *Queue) maxPerUserLocked() int {
	if q.pressure {
		return max(1, q.cfg.MaxPerUser/2)
	}
	return q.cfg.MaxPerUser
}

func (q *Queue) maxUsersLocked() int {
	if q.pressure {
		return max(1, q.cfg.MaxUsers/2)
	}
	return q.cfg.MaxUsers
}

// Enqueue appends msg to userID's buffer, dropping the oldest entries when
// the buffer exceeds the per-user maximum.
func (q *Queue) Enqueue(userID string, msg models.QueuedMessage) {
	now := q.nowFunc()
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = now
	}

	q.mu.Lock()
	uq := q.users[userID]
	if uq == nil {
		uq = &userQueue{}
		q.users[userID] = uq
	}
	uq.messages = append(uq.messages, msg)
	uq.lastQueued = now

	dropped := 0
	if maxLen := q.maxPerUserLocked(); len(uq.messages) > maxLen {
		dropped = len(uq.messages) - maxLen
		uq.messages = append([]models.QueuedMessage(nil), uq.messages[dropped:]...)
	}
	q.mu.Unlock()

	q.metrics.OfflineQueued.Inc()
	if dropped > 0 {
		q.metrics.OfflineQueued.Sub(float64(dropped))
		q.metrics.OfflineDropped.WithLabelValues("overflow").Add(float64(dropped))
		q.logger.Warn("offline queue overflow, dropped oldest",
			"user_id", userID,
			"dropped", dropped)
	}
}

// Drain atomically removes and returns userID's buffered messages in queue
// order. The caller marks each drained message delivered in the durable
// store after sending it.
func (q *Queue) Drain(userID string) []models.QueuedMessage {
	q.mu.Lock()
	uq := q.users[userID]
	if uq == nil {
		q.mu.Unlock()
		return nil
	}
	delete(q.users, userID)
	msgs := uq.messages
	q.mu.Unlock()

	q.metrics.OfflineQueued.Sub(float64(len(msgs)))
	return msgs
}

// Len returns the buffered message count for userID.
func (q *Queue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if uq := q.users[userID]; uq != nil {
		return len(uq.messages)
	}
	return 0
}

// Users returns the number of distinct users with buffered messages.
func (q *Queue) Users() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.users)
}

// Sweep purges entries older than the TTL, re-applies the per-user cap, and
// evicts least-recently-queued users past the global cap. Returns the number
// of messages removed.
func (q *Queue) Sweep() int {
	now := q.nowFunc()
	cutoff := now.Add(-q.cfg.TTL)

	q.mu.Lock()
	expired, overflow := 0, 0
	for userID, uq := range q.users {
		kept := uq.messages[:0]
		for _, msg := range uq.messages {
			if msg.QueuedAt.After(cutoff) {
				kept = append(kept, msg)
			} else {
				expired++
			}
		}
		if maxLen := q.maxPerUserLocked(); len(kept) > maxLen {
			overflow += len(kept) - maxLen
			kept = kept[len(kept)-maxLen:]
		}
		if len(kept) == 0 {
			delete(q.users, userID)
			continue
		}
		uq.messages = append([]models.QueuedMessage(nil), kept...)
	}

	evicted := 0
	maxUsers := q.maxUsersLocked()
	for len(q.users) > maxUsers {
		oldestUser := ""
		var oldestAt time.Time
		for userID, uq := range q.users {
			if oldestUser == "" || uq.lastQueued.Before(oldestAt) {
				oldestUser = userID
				oldestAt = uq.lastQueued
			}
		}
		evicted += len(q.users[oldestUser].messages)
		delete(q.users, oldestUser)
		q.logger.Warn("offline queue over user cap, evicted user",
			"user_id", oldestUser,
			"last_queued", oldestAt)
	}
	q.mu.Unlock()

	removed := expired + overflow + evicted
	if removed > 0 {
		q.metrics.OfflineQueued.Sub(float64(removed))
		q.metrics.OfflineDropped.WithLabelValues("expired").Add(float64(expired))
		q.metrics.OfflineDropped.WithLabelValues("overflow").Add(float64(overflow))
		q.metrics.OfflineDropped.WithLabelValues("user_evicted").Add(float64(evicted))
	}
	return removed
}
