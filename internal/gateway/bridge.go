package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/pkg/models"
)

// Bridge fans events out across instances over a Redis pub/sub channel. A
// single-instance deployment runs without one; the registry is then the
// whole universe of connections.
type Bridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	registry   *registry.Registry
	logger     *slog.Logger

	cancel context.CancelFunc
}

// envelope is the wire form of one cross-instance publication.
type envelope struct {
	Instance string        `json:"instance"`
	Kind     string        `json:"kind"` // "event" or "presence"
	UserID   string        `json:"user_id"`
	Online   bool          `json:"online,omitempty"`
	Event    *models.Event `json:"event,omitempty"`
}

// NewBridge connects to Redis. Returns nil when the bridge is disabled.
func NewBridge(cfg config.RedisConfig, reg *registry.Registry, logger *slog.Logger) *Bridge {
	if !cfg.Enabled {
		return nil
	}
	return &Bridge{
		client:     redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		channel:    cfg.Channel,
		instanceID: uuid.NewString(),
		registry:   reg,
		logger:     logger,
	}
}

// Start subscribes to the shared channel and relays foreign events to
// locally registered connections.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return models.WrapError(models.ErrTransient, err, "redis unreachable")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.client.Subscribe(ctx, b.channel)
	go b.receive(ctx, sub)

	b.logger.Info("bridge subscribed", "channel", b.channel, "instance", b.instanceID)
	return nil
}

func (b *Bridge) receive(ctx context.Context, sub *redis.PubSub) {
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bridge frame discarded", "error", err)
				continue
			}
			if env.Instance == b.instanceID {
				continue
			}
			b.deliver(env)
		}
	}
}

// deliver hands a foreign event to the local connection for its user, if one
// exists here. Presence envelopes are informational only: durable presence
// was already written by the publishing instance.
func (b *Bridge) deliver(env envelope) {
	if env.Kind != "event" || env.Event == nil {
		return
	}
	conn, ok := b.registry.Lookup(env.UserID)
	if !ok {
		return
	}
	if err := conn.Send(*env.Event); err != nil {
		b.logger.Debug("bridge delivery failed", "user_id", env.UserID, "error", err)
	}
}

// PublishEvent offers an event for a user who may be connected to another
// instance. Best effort: a publish failure never fails the local operation.
func (b *Bridge) PublishEvent(ctx context.Context, userID string, event models.Event) {
	b.publish(ctx, envelope{
		Instance: b.instanceID,
		Kind:     "event",
		UserID:   userID,
		Event:    &event,
	})
}

// PublishPresence announces a user's derived presence change.
func (b *Bridge) PublishPresence(ctx context.Context, userID string, online bool) {
	b.publish(ctx, envelope{
		Instance: b.instanceID,
		Kind:     "presence",
		UserID:   userID,
		Online:   online,
	})
}

func (b *Bridge) publish(ctx context.Context, env envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("bridge publish failed", "kind", env.Kind, "error", err)
	}
}

// Stop tears down the subscription and the client.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	_ = b.client.Close()
}
