// Package gateway is the transport surface: it upgrades websocket
// connections, authenticates them, and routes decoded operations into the
// registry, delivery pipeline, and call manager. Every inbound connection
// event passes identity resolution first, then room authorization, then the
// component that owns the operation.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/beaconim/beacon/internal/auth"
	"github.com/beaconim/beacon/internal/calls"
	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/delivery"
	"github.com/beaconim/beacon/internal/health"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/ratelimit"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/internal/rooms"
	"github.com/beaconim/beacon/internal/store"
	"github.com/beaconim/beacon/pkg/models"
)

// Gateway coordinates connection lifecycle across the stateful components.
type Gateway struct {
	cfg config.ServerConfig

	auth     *auth.JWTService
	registry *registry.Registry
	monitor  *health.Monitor
	rooms    *rooms.Tracker
	pipeline *delivery.Pipeline
	calls    *calls.Manager
	limiter  *ratelimit.Limiter
	profiles store.ProfileStore
	bridge   *Bridge

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	nowFunc func() time.Time
}

// Deps bundles the gateway's collaborators. Bridge and Tracer may be nil.
type Deps struct {
	Auth     *auth.JWTService
	Registry *registry.Registry
	Monitor  *health.Monitor
	Rooms    *rooms.Tracker
	Pipeline *delivery.Pipeline
	Calls    *calls.Manager
	Limiter  *ratelimit.Limiter
	Profiles store.ProfileStore
	Bridge   *Bridge
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// NewGateway wires the gateway and installs its teardown hook on the
// registry, so superseded and evicted connections release their dependent
// resources before the replacement mapping is visible to handlers.
func NewGateway(cfg config.ServerConfig, deps Deps) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		auth:     deps.Auth,
		registry: deps.Registry,
		monitor:  deps.Monitor,
		rooms:    deps.Rooms,
		pipeline: deps.Pipeline,
		calls:    deps.Calls,
		limiter:  deps.Limiter,
		profiles: deps.Profiles,
		bridge:   deps.Bridge,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		nowFunc:  time.Now,
	}
	g.registry.SetTeardown(g.teardown)
	return g
}

// attach runs after a successful handshake: the session becomes the user's
// registry entry (superseding any prior connection), health monitoring
// starts, presence flips online, and the offline queue drains.
func (g *Gateway) attach(ctx context.Context, session *models.ConnectionSession, conn registry.Conn) {
	g.registry.Register(session, conn)
	g.monitor.Track(session.ConnectionID, conn)
	g.setOnline(ctx, session.UserID, true)

	if n := g.pipeline.DeliverPending(ctx, session, conn); n > 0 {
		g.logger.Info("drained offline queue on reconnect",
			"user_id", session.UserID,
			"delivered", n)
	}
}

// detach runs when a connection's read loop exits. A connection that was
// already superseded has no registry entry left and only closes its
// transport.
func (g *Gateway) detach(session *models.ConnectionSession, conn registry.Conn, reason string) {
	if _, ok := g.registry.Unregister(session.ConnectionID); !ok {
		return
	}
	g.releaseResources(context.Background(), session, reason)
}

// teardown is the registry hook for superseded and evicted entries.
func (g *Gateway) teardown(session *models.ConnectionSession, conn registry.Conn, reason string) {
	g.releaseResources(context.Background(), session, reason)
	conn.Close(reason)
}

// releaseResources tears down everything keyed by the connection: its
// health record, its room memberships (announcing the departure), and any
// call it is the active leg of. Presence flips offline only when the user
// has no replacement connection.
func (g *Gateway) releaseResources(ctx context.Context, session *models.ConnectionSession, reason string) {
	g.monitor.Untrack(session.ConnectionID)

	left := g.rooms.LeaveAll(session.ConnectionID)
	for _, chatID := range left {
		g.broadcastPresence(chatID, session, models.EventUserLeft)
	}

	g.calls.HandleDisconnect(ctx, session)

	if !g.registry.IsOnline(session.UserID) {
		g.setOnline(ctx, session.UserID, false)
	}

	g.logger.Info("connection released",
		"connection_id", session.ConnectionID,
		"user_id", session.UserID,
		"reason", reason,
		"chats_left", len(left))
}

// setOnline records derived presence durably and, when the bridge is
// enabled, announces it to the other instances.
func (g *Gateway) setOnline(ctx context.Context, userID string, online bool) {
	if err := g.profiles.SetOnlineStatus(ctx, userID, online, g.nowFunc()); err != nil {
		g.logger.Warn("online status persist failed",
			"user_id", userID,
			"online", online,
			"error", err)
	}
	if g.bridge != nil {
		g.bridge.PublishPresence(ctx, userID, online)
	}
}

// broadcastPresence announces a join or leave to the chat's remaining
// connections.
func (g *Gateway) broadcastPresence(chatID string, session *models.ConnectionSession, event string) {
	payload := models.PresencePayload{ChatID: chatID, UserID: session.UserID}
	for _, connID := range g.rooms.Connections(chatID) {
		if connID == session.ConnectionID {
			continue
		}
		if _, conn, ok := g.registry.LookupConn(connID); ok {
			_ = conn.Send(models.Event{Name: event, Payload: payload})
		}
	}
}
