// Package health runs per-connection liveness monitoring: timestamped pings
// on a fixed interval, latency from echoed pongs, and stale classification
// for connections that stop responding.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/pkg/models"
)

// Monitor owns one HealthRecord and one ping task per tracked connection.
// The ping task is cancelled exactly once, at connection teardown; Untrack
// is idempotent.
type Monitor struct {
	mu      sync.Mutex
	records map[string]*record

	pingInterval time.Duration
	staleAfter   time.Duration
	logger       *slog.Logger
	nowFunc      func() time.Time
}

type record struct {
	health models.HealthRecord
	conn   registry.Conn
	stop   chan struct{}
	once   sync.Once
}

// NewMonitor creates a monitor with the given ping interval and stale TTL.
func NewMonitor(pingInterval, staleAfter time.Duration, logger *slog.Logger) *Monitor {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Monitor{
		records:      make(map[string]*record),
		pingInterval: pingInterval,
		staleAfter:   staleAfter,
		logger:       logger,
		nowFunc:      time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (m *Monitor) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// Track starts monitoring conn. A connection already tracked keeps its
// existing record.
func (m *Monitor) Track(connID string, conn registry.Conn) {
	m.mu.Lock()
	if _, ok := m.records[connID]; ok {
		m.mu.Unlock()
		return
	}
	now := m.nowFunc()
	r := &record{
		health: models.HealthRecord{
			ConnectionID: connID,
			LastPong:     now,
			Status:       models.HealthConnected,
		},
		conn: conn,
		stop: make(chan struct{}),
	}
	m.records[connID] = r
	m.mu.Unlock()

	go m.pingLoop(r)
}

// pingLoop sends a timestamped ping every interval until the record is
// untracked.
func (m *Monitor) pingLoop(r *record) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			now := m.nowFunc()
			err := r.conn.Send(models.Event{
				Name:    models.EventPing,
				Payload: models.PingPayload{SentAt: now.UnixMilli()},
			})

			m.mu.Lock()
			r.health.LastPing = now
			if err != nil {
				r.health.Status = models.HealthDisconnected
			}
			m.mu.Unlock()
		}
	}
}

// RecordPong records an echoed ping. sentAtUnixMs is the timestamp the
// client echoed back.
func (m *Monitor) RecordPong(connID string, sentAtUnixMs int64) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[connID]
	if !ok {
		return
	}
	r.health.LastPong = now
	if sentAtUnixMs > 0 {
		r.health.Latency = time.Duration(now.UnixMilli()-sentAtUnixMs) * time.Millisecond
	}
	r.health.Status = models.HealthHealthy
}

// Untrack cancels the connection's ping task and drops its record. Safe to
// call for unknown connections and safe to call twice.
func (m *Monitor) Untrack(connID string) {
	m.mu.Lock()
	r, ok := m.records[connID]
	if ok {
		delete(m.records, connID)
	}
	m.mu.Unlock()

	if ok {
		r.once.Do(func() { close(r.stop) })
	}
}

// Status returns a copy of the health record for connID.
func (m *Monitor) Status(connID string) (models.HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[connID]
	if !ok {
		return models.HealthRecord{}, false
	}
	return r.health, true
}

// Len returns the number of tracked connections.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Sweep classifies every record against staleAfter (pass zero for the
// configured TTL) and returns the connection ids that are past it. Marked
// records are left in place; the coordinator tears them down, which calls
// Untrack.
func (m *Monitor) Sweep(staleAfter time.Duration) []string {
	if staleAfter <= 0 {
		staleAfter = m.staleAfter
	}
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []string
	for connID, r := range m.records {
		silentFor := now.Sub(r.health.LastPong)
		switch {
		case r.health.Status == models.HealthDisconnected:
			dead = append(dead, connID)
		case silentFor >= staleAfter:
			r.health.Status = models.HealthStale
			dead = append(dead, connID)
			m.logger.Warn("connection went stale",
				"connection_id", connID,
				"silent_for", silentFor)
		}
	}
	return dead
}

// Stop cancels every ping task. Used at shutdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	records := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		records = append(records, r)
	}
	m.records = make(map[string]*record)
	m.mu.Unlock()

	for _, r := range records {
		r.once.Do(func() { close(r.stop) })
	}
}
