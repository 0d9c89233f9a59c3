// Package delivery implements the message pipeline: authorization with one
// automatic membership repair, duplicate suppression, durable persistence,
// and fan-out with an offline fallback.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/beaconim/beacon/internal/cache"
	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/offline"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/internal/rooms"
	"github.com/beaconim/beacon/internal/store"
	"github.com/beaconim/beacon/pkg/models"
)

// SendInput is one send_message submission after frame decoding.
type SendInput struct {
	ChatID          string
	ClientMessageID string
	Type            models.MessageType
	Content         string
	MediaRef        string
	ReplyTo         string
	Mentions        []string
}

// Relay offers an event to peer instances that may hold the recipient's
// connection. Best effort: the offline queue stays the durable fallback.
type Relay interface {
	PublishEvent(ctx context.Context, userID string, event models.Event)
}

// Pipeline routes validated messages from a sender to every other chat
// participant, online or not.
type Pipeline struct {
	registry *registry.Registry
	rooms    *rooms.Tracker
	queue    *offline.Queue
	dedupe   *cache.DedupeCache
	inflight *cache.InflightSet

	chats    store.ChatStore
	messages store.MessageStore
	push     store.PushNotifier
	relay    Relay

	// chatLocks serializes submissions per chat: one message is fully
	// persisted and fanned out before the next for the same chat starts.
	// Entries are refcounted and removed when the last holder unlocks.
	chatMu    sync.Mutex
	chatLocks map[string]*chatLock

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	nowFunc func() time.Time
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Registry *registry.Registry
	Rooms    *rooms.Tracker
	Queue    *offline.Queue
	Chats    store.ChatStore
	Messages store.MessageStore
	Push     store.PushNotifier
	// Relay is optional; nil in single-instance deployments.
	Relay   Relay
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewPipeline creates a pipeline with a fresh dedup window and in-flight set
// sized from cfg.
func NewPipeline(cfg config.DedupeConfig, deps Deps) *Pipeline {
	return &Pipeline{
		registry: deps.Registry,
		rooms:    deps.Rooms,
		queue:    deps.Queue,
		dedupe: cache.NewDedupeCache(cache.DedupeCacheOptions{
			TTL:     cfg.Window,
			MaxSize: cfg.MaxEntries,
		}),
		inflight:  cache.NewInflightSet(cfg.InflightTTL),
		chats:     deps.Chats,
		messages:  deps.Messages,
		push:      deps.Push,
		relay:     deps.Relay,
		chatLocks: make(map[string]*chatLock),
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		nowFunc:   time.Now,
	}
}

// SetNowFunc sets a custom time source for testing.
func (p *Pipeline) SetNowFunc(fn func() time.Time) {
	p.nowFunc = fn
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// lockChat acquires the serialization lock for a chat and returns the
// release func. The map entry lives only while at least one holder or
// waiter references it.
func (p *Pipeline) lockChat(chatID string) func() {
	p.chatMu.Lock()
	l := p.chatLocks[chatID]
	if l == nil {
		l = &chatLock{}
		p.chatLocks[chatID] = l
	}
	l.refs++
	p.chatMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.chatMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.chatLocks, chatID)
		}
		p.chatMu.Unlock()
	}
}

// Send runs one submission through the pipeline and returns the ack for the
// sender. Resubmission of an already-persisted client message id returns the
// original ack with Duplicate set and causes no new side effects.
func (p *Pipeline) Send(ctx context.Context, sender *models.ConnectionSession, in SendInput) (*models.SendAck, error) {
	ctx, span := p.tracer.Start(ctx, "delivery.send",
		attribute.String("chat.id", in.ChatID),
		attribute.String("sender.id", sender.UserID))
	defer span.End()

	if err := validateSend(in); err != nil {
		p.metrics.Messages.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := p.authorize(ctx, sender, in.ChatID); err != nil {
		p.metrics.Messages.WithLabelValues("rejected").Inc()
		observability.RecordError(span, err)
		return nil, err
	}

	key := cache.SubmissionKey(sender.UserID, in.ClientMessageID)
	if originalID, ok := p.dedupe.Lookup(key); ok {
		p.metrics.Messages.WithLabelValues("duplicate").Inc()
		return &models.SendAck{Success: true, MessageID: originalID, Duplicate: true}, nil
	}
	if !p.inflight.Begin(key) {
		p.metrics.Messages.WithLabelValues("duplicate").Inc()
		return nil, models.NewError(models.ErrConflict,
			"message %s is already being processed", in.ClientMessageID)
	}
	defer p.inflight.Finish(key)

	unlock := p.lockChat(in.ChatID)
	defer unlock()

	now := p.nowFunc()
	stored, existed, err := p.messages.UpsertByClientID(ctx, &models.ChatMessage{
		ChatID:          in.ChatID,
		SenderID:        sender.UserID,
		ClientMessageID: in.ClientMessageID,
		Type:            in.Type,
		Content:         in.Content,
		MediaRef:        in.MediaRef,
		ReplyTo:         in.ReplyTo,
		Mentions:        in.Mentions,
		CreatedAt:       now,
	})
	if err != nil {
		p.metrics.Messages.WithLabelValues("failed").Inc()
		observability.RecordError(span, err)
		return nil, models.WrapError(models.ErrTransient, err, "persist message failed")
	}

	p.dedupe.Remember(key, stored.ID)
	if existed {
		// The durable uniqueness constraint caught a resubmission the
		// in-memory window missed. No fan-out: it already happened.
		p.metrics.Messages.WithLabelValues("duplicate").Inc()
		return &models.SendAck{Success: true, MessageID: stored.ID, Duplicate: true}, nil
	}

	p.fanOut(ctx, sender, stored, now)
	return &models.SendAck{Success: true, MessageID: stored.ID}, nil
}

func validateSend(in SendInput) error {
	if in.ChatID == "" || in.ClientMessageID == "" {
		return models.NewError(models.ErrValidation, "chat id and client message id are required")
	}
	switch in.Type {
	case models.MessageText, models.MessageReply:
		if in.Content == "" {
			return models.NewError(models.ErrValidation, "content is required for %s messages", in.Type)
		}
	case models.MessageMedia:
		if in.MediaRef == "" {
			return models.NewError(models.ErrValidation, "media_ref is required for media messages")
		}
	default:
		return models.NewError(models.ErrValidation, "unknown message type %q", in.Type)
	}
	if in.Type == models.MessageReply && in.ReplyTo == "" {
		return models.NewError(models.ErrValidation, "reply_to is required for reply messages")
	}
	return nil
}

// authorize verifies that the sender may post to the chat. A sender whose
// tracked room membership is missing gets one automatic repair join before
// the submission is rejected.
func (p *Pipeline) authorize(ctx context.Context, sender *models.ConnectionSession, chatID string) error {
	if !p.rooms.Has(sender.ConnectionID, chatID) {
		if err := p.rooms.Join(ctx, sender.ConnectionID, sender.UserID, chatID); err != nil {
			return err
		}
		p.logger.Debug("repaired room membership on send",
			"connection_id", sender.ConnectionID,
			"chat_id", chatID)
	}
	ok, err := p.chats.CanSendMessage(ctx, chatID, sender.UserID)
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "permission check for chat %s failed", chatID)
	}
	if !ok {
		return models.NewError(models.ErrAuthorization,
			"user %s may not send messages to chat %s", sender.UserID, chatID)
	}
	return nil
}

// fanOut delivers msg to every other participant: online recipients get the
// event and a durable delivery receipt plus a confirmation event back to the
// sender; offline recipients get an offline-queue entry and a best-effort
// push.
func (p *Pipeline) fanOut(ctx context.Context, sender *models.ConnectionSession, msg *models.ChatMessage, now time.Time) {
	participants, err := p.chats.Participants(ctx, msg.ChatID)
	if err != nil {
		// The message is persisted; recipients recover it on reconnect.
		p.logger.Error("fan-out participant listing failed",
			"chat_id", msg.ChatID,
			"message_id", msg.ID,
			"error", err)
		p.metrics.Messages.WithLabelValues("failed").Inc()
		return
	}

	event := models.Event{
		Name:    models.EventNewMessage,
		Payload: models.NewMessagePayload{Message: msg},
	}
	senderConn, _ := p.registry.Lookup(sender.UserID)

	for _, part := range participants {
		if part.UserID == sender.UserID {
			continue
		}
		conn, online := p.registry.Lookup(part.UserID)
		if online {
			if err := conn.Send(event); err != nil {
				p.logger.Warn("delivery send failed, queuing offline",
					"user_id", part.UserID,
					"message_id", msg.ID,
					"error", err)
				online = false
			}
		}
		if !online {
			// Not connected here; the user may still be attached to a
			// peer instance.
			if p.relay != nil {
				p.relay.PublishEvent(ctx, part.UserID, event)
			}
			p.queue.Enqueue(part.UserID, models.QueuedMessage{
				MessageID: msg.ID,
				ChatID:    msg.ChatID,
				Payload:   event,
				QueuedAt:  now,
			})
			p.notifyPush(ctx, part.UserID, msg)
			p.metrics.Messages.WithLabelValues("queued").Inc()
			continue
		}

		if err := p.messages.MarkDelivered(ctx, msg.ID, part.UserID, now); err != nil {
			p.logger.Warn("delivery receipt persist failed",
				"message_id", msg.ID,
				"user_id", part.UserID,
				"error", err)
		}
		if senderConn != nil {
			_ = senderConn.Send(models.Event{
				Name: models.EventMessageDelivered,
				Payload: models.DeliveredPayload{
					MessageID:   msg.ID,
					ChatID:      msg.ChatID,
					DeliveredTo: part.UserID,
					DeliveredAt: now,
				},
			})
		}
		p.metrics.Messages.WithLabelValues("delivered").Inc()
	}
}

func (p *Pipeline) notifyPush(ctx context.Context, userID string, msg *models.ChatMessage) {
	err := p.push.Send(ctx, userID, models.PushNotification{
		Title:  "New message",
		Body:   msg.Content,
		ChatID: msg.ChatID,
		Data:   map[string]any{"message_id": msg.ID, "sender_id": msg.SenderID},
	})
	if err != nil {
		p.logger.Warn("push notification failed",
			"user_id", userID,
			"message_id", msg.ID,
			"error", err)
	}
}

// MarkRead persists a read receipt and notifies the chat's live connections.
func (p *Pipeline) MarkRead(ctx context.Context, reader *models.ConnectionSession, messageID, chatID string) error {
	if messageID == "" || chatID == "" {
		return models.NewError(models.ErrValidation, "message id and chat id are required")
	}
	now := p.nowFunc()
	if err := p.messages.MarkRead(ctx, messageID, reader.UserID, now); err != nil {
		if models.IsCode(err, models.ErrNotFound) {
			return err
		}
		return models.WrapError(models.ErrTransient, err, "persist read receipt failed")
	}
	p.broadcast(chatID, reader.ConnectionID, models.Event{
		Name: models.EventMessageRead,
		Payload: models.ReadPayload{
			MessageID: messageID,
			ChatID:    chatID,
			ReaderID:  reader.UserID,
			ReadAt:    now,
		},
	})
	return nil
}

// React relays an emoji reaction to the chat's live connections.
func (p *Pipeline) React(ctx context.Context, actor *models.ConnectionSession, messageID, chatID, emoji string) error {
	if messageID == "" || chatID == "" || emoji == "" {
		return models.NewError(models.ErrValidation, "message id, chat id, and emoji are required")
	}
	if err := p.authorize(ctx, actor, chatID); err != nil {
		return err
	}
	p.broadcast(chatID, actor.ConnectionID, models.Event{
		Name: models.EventMessageReaction,
		Payload: models.ReactionPayload{
			MessageID: messageID,
			ChatID:    chatID,
			UserID:    actor.UserID,
			Emoji:     emoji,
		},
	})
	return nil
}

// Typing relays a typing indicator to the chat's live connections. Indicator
// traffic is never persisted.
func (p *Pipeline) Typing(actor *models.ConnectionSession, chatID string, typing bool) {
	p.broadcast(chatID, actor.ConnectionID, models.Event{
		Name: models.EventTyping,
		Payload: models.TypingPayload{
			ChatID: chatID,
			UserID: actor.UserID,
			Typing: typing,
		},
	})
}

// broadcast sends event to every tracked connection in chatID except the
// originator.
func (p *Pipeline) broadcast(chatID, exceptConnID string, event models.Event) {
	for _, connID := range p.rooms.Connections(chatID) {
		if connID == exceptConnID {
			continue
		}
		_, conn, ok := p.registry.LookupConn(connID)
		if !ok {
			continue
		}
		if err := conn.Send(event); err != nil {
			p.logger.Debug("broadcast send failed",
				"connection_id", connID,
				"event", event.Name,
				"error", err)
		}
	}
}

// DeliverPending drains the user's offline queue onto conn in queue order
// and records a delivery receipt for each message. Called on reconnect,
// after registration.
func (p *Pipeline) DeliverPending(ctx context.Context, session *models.ConnectionSession, conn registry.Conn) int {
	pending := p.queue.Drain(session.UserID)
	if len(pending) == 0 {
		return 0
	}
	now := p.nowFunc()
	delivered := 0
	for _, qm := range pending {
		if err := conn.Send(qm.Payload); err != nil {
			// Connection died mid-drain; requeue the remainder.
			p.logger.Warn("offline drain interrupted",
				"user_id", session.UserID,
				"delivered", delivered,
				"remaining", len(pending)-delivered)
			for _, rest := range pending[delivered:] {
				p.queue.Enqueue(session.UserID, rest)
			}
			return delivered
		}
		if err := p.messages.MarkDelivered(ctx, qm.MessageID, session.UserID, now); err != nil {
			p.logger.Warn("delivery receipt persist failed",
				"message_id", qm.MessageID,
				"user_id", session.UserID,
				"error", err)
		}
		p.metrics.Messages.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}

// DedupeSize reports the dedup window population, for governor metrics.
func (p *Pipeline) DedupeSize() int { return p.dedupe.Size() }
