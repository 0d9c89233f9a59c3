// Package registry maps user identity to live connection handles. It is the
// source of truth for presence: a user is online exactly when a registry
// entry exists for them.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/pkg/models"
)

// Conn is the live connection handle the registry hands out. The gateway's
// websocket session implements it; tests use fakes.
type Conn interface {
	// ConnectionID returns the unique id assigned at handshake.
	ConnectionID() string

	// Send queues one event for delivery. It must not block on the peer;
	// implementations fail fast when the outbound buffer is full.
	Send(event models.Event) error

	// Close tears down the transport. Safe to call more than once.
	Close(reason string)
}

// TeardownFunc is invoked for every connection the registry displaces, via
// supersede or capacity eviction, after the mapping swap and outside the
// registry lock. The coordinator uses it to release dependent resources
// (health record, room memberships, active call legs) and close the handle.
type TeardownFunc func(session *models.ConnectionSession, conn Conn, reason string)

// Displacement reasons passed to the teardown hook.
const (
	ReasonSuperseded = "superseded"
	ReasonEvicted    = "evicted"
)

type entry struct {
	session *models.ConnectionSession
	conn    Conn
}

// Registry tracks live connections with last-connection-wins semantics and
// bounded capacity. When full, the oldest entries are evicted rather than
// new connections rejected.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]*entry
	byConn   map[string]*entry
	capacity int

	teardown TeardownFunc
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a registry bounded to capacity entries.
func New(capacity int, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	return &Registry{
		byUser:   make(map[string]*entry),
		byConn:   make(map[string]*entry),
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetTeardown installs the displacement hook. Must be called before the
// registry starts receiving traffic.
func (r *Registry) SetTeardown(fn TeardownFunc) {
	r.teardown = fn
}

// Register installs the mapping for session.UserID. An existing entry for
// the same user is superseded: it is removed in the same atomic swap that
// installs the new one, and its teardown hook runs immediately after.
func (r *Registry) Register(session *models.ConnectionSession, conn Conn) {
	type victim struct {
		entry  *entry
		reason string
	}
	var victims []victim

	r.mu.Lock()
	if prior, ok := r.byUser[session.UserID]; ok {
		delete(r.byConn, prior.session.ConnectionID)
		victims = append(victims, victim{prior, ReasonSuperseded})
	}

	e := &entry{session: session, conn: conn}
	r.byUser[session.UserID] = e
	r.byConn[session.ConnectionID] = e

	// Capacity is enforced by evicting the oldest entries, never by
	// rejecting the new connection.
	for len(r.byUser) > r.capacity {
		oldest := r.oldestLocked(session.ConnectionID)
		if oldest == nil {
			break
		}
		delete(r.byUser, oldest.session.UserID)
		delete(r.byConn, oldest.session.ConnectionID)
		victims = append(victims, victim{oldest, ReasonEvicted})
	}
	size := len(r.byUser)
	r.mu.Unlock()

	r.metrics.ConnectionEvents.WithLabelValues("register").Inc()
	r.metrics.ActiveConnections.Set(float64(size))

	for _, v := range victims {
		switch v.reason {
		case ReasonSuperseded:
			r.metrics.ConnectionEvents.WithLabelValues("supersede").Inc()
			r.logger.Info("connection superseded",
				"user_id", v.entry.session.UserID,
				"old_connection_id", v.entry.session.ConnectionID,
				"new_connection_id", session.ConnectionID)
		case ReasonEvicted:
			r.metrics.ConnectionEvents.WithLabelValues("evict").Inc()
			r.logger.Warn("registry at capacity, evicting oldest connection",
				"user_id", v.entry.session.UserID,
				"connection_id", v.entry.session.ConnectionID,
				"capacity", r.capacity)
		}
		if r.teardown != nil {
			r.teardown(v.entry.session, v.entry.conn, v.reason)
		}
	}
}

// oldestLocked returns the entry with the earliest ConnectedAt, skipping the
// connection id that was just installed.
func (r *Registry) oldestLocked(skipConnID string) *entry {
	var oldest *entry
	for _, e := range r.byUser {
		if e.session.ConnectionID == skipConnID {
			continue
		}
		if oldest == nil || e.session.ConnectedAt.Before(oldest.session.ConnectedAt) {
			oldest = e
		}
	}
	return oldest
}

// Unregister removes the entry referencing connID, if it is still current.
// A connection superseded earlier is already gone and this is a no-op.
func (r *Registry) Unregister(connID string) (*models.ConnectionSession, bool) {
	r.mu.Lock()
	e, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		delete(r.byUser, e.session.UserID)
	}
	size := len(r.byUser)
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.metrics.ConnectionEvents.WithLabelValues("unregister").Inc()
	r.metrics.ActiveConnections.Set(float64(size))
	return e.session, true
}

// Lookup returns the live handle for userID. A successful lookup is the
// definition of "online".
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// LookupConn resolves a connection id to its session and handle.
func (r *Registry) LookupConn(connID string) (*models.ConnectionSession, Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return nil, nil, false
	}
	return e.session, e.conn, true
}

// IsOnline reports whether userID has a live connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Touch records activity on connID.
func (r *Registry) Touch(connID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byConn[connID]; ok {
		e.session.LastActivity = at
	}
}

// Len returns the current number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot returns copies of every registered session, for sweeps and
// reconciliation.
func (r *Registry) Snapshot() []models.ConnectionSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ConnectionSession, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, *e.session)
	}
	return out
}

// HasConn reports whether connID is still registered. Used by the room
// tracker's reconciliation pass as transport-level truth.
func (r *Registry) HasConn(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[connID]
	return ok
}
