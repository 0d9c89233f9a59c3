package gateway

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/beaconim/beacon/internal/calls"
	"github.com/beaconim/beacon/internal/delivery"
	"github.com/beaconim/beacon/pkg/models"
)

// connectedPayload acknowledges a successful handshake.
type connectedPayload struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	ServerTime   time.Time `json:"server_time"`
}

// handleConnect performs the handshake: token verification, registry
// registration (superseding any prior connection for the same user), health
// tracking, presence, and the offline queue drain.
func (g *Gateway) handleConnect(s *wsSession, frame *clientFrame) error {
	var params connectParams
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			params.Token = ""
		}
	}
	if params.Token == "" {
		err := models.NewError(models.ErrValidation, "connect requires a token")
		s.sendError(frame.ID, frame.Op, err)
		return err
	}

	identity, err := g.auth.Verify(params.Token)
	if err != nil {
		g.logger.Warn("handshake rejected", "error", err)
		s.sendError(frame.ID, frame.Op, err)
		_ = s.Send(models.Event{Name: models.EventAuthError, Payload: models.ErrorPayload{
			Op:      opConnect,
			Code:    models.ErrAuthorization,
			Message: "invalid credentials",
		}})
		return err
	}

	now := g.nowFunc()
	session := &models.ConnectionSession{
		ConnectionID: uuid.NewString(),
		UserID:       identity.UserID,
		DeviceID:     identity.DeviceID,
		SessionID:    uuid.NewString(),
		Transport:    models.TransportWebSocket,
		ConnectedAt:  now,
		LastActivity: now,
	}
	s.sess = session
	s.connected.Store(true)

	ctx := context.Background()
	g.attach(ctx, session, s)

	s.sendAck(frame.ID, opConnect, connectedPayload{
		ConnectionID: session.ConnectionID,
		UserID:       session.UserID,
		SessionID:    session.SessionID,
		ServerTime:   now,
	})
	_ = s.Send(models.Event{Name: models.EventConnected, Payload: connectedPayload{
		ConnectionID: session.ConnectionID,
		UserID:       session.UserID,
		SessionID:    session.SessionID,
		ServerTime:   now,
	}})

	g.logger.Info("connection established",
		"connection_id", session.ConnectionID,
		"user_id", session.UserID,
		"device_id", session.DeviceID)
	return nil
}

// dispatch routes one post-handshake frame. The recover boundary guarantees
// a handler panic fails that frame alone, never the connection or process.
// Returns true when the client requested an orderly disconnect.
func (g *Gateway) dispatch(s *wsSession, frame *clientFrame) (done bool) {
	op := canonicalOp(frame.Op)

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panic",
				"op", op,
				"connection_id", s.sess.ConnectionID,
				"panic", r,
				"stack", string(debug.Stack()))
			s.sendError(frame.ID, op, models.NewError(models.ErrTransient, "internal error"))
		}
	}()

	g.registry.Touch(s.sess.ConnectionID, g.nowFunc())

	if action, limited := rateLimitActions[op]; limited && g.limiter != nil {
		d := g.limiter.Check(s.sess.UserID, s.ip, action)
		if d.Limited {
			g.metrics.RateLimited.WithLabelValues(action).Inc()
			_ = s.Send(models.Event{Name: models.EventRateLimited, Payload: models.RateLimitedPayload{
				Action:     action,
				RetryAfter: d.RetryAfter.Seconds(),
			}})
			err := models.NewError(models.ErrRateLimited, "rate limit exceeded for %s", action)
			err.RetryAfter = d.RetryAfter
			s.sendError(frame.ID, op, err)
			return false
		}
	}

	ctx := context.Background()

	switch op {
	case opConnect:
		s.sendError(frame.ID, op, models.NewError(models.ErrConflict, "already connected"))

	case opJoinChat:
		g.handleJoinChat(ctx, s, frame)

	case opLeaveChat:
		g.handleLeaveChat(s, frame)

	case opSendMessage:
		g.handleSendMessage(ctx, s, frame)

	case opMarkRead:
		g.handleMarkRead(ctx, s, frame)

	case opReact:
		g.handleReact(ctx, s, frame)

	case opTyping:
		g.handleTyping(s, frame)

	case opInitiateCall:
		g.handleInitiateCall(ctx, s, frame)

	case opAnswerCall, opEndCall, opDeclineCall, opCancelCall:
		g.handleCallAction(ctx, s, frame, op)

	case opWebRTCOffer, opWebRTCAnswer, opWebRTCCandidate:
		g.handleWebRTC(s, frame, op)

	case opPong:
		var params pongParams
		if err := json.Unmarshal(frame.Payload, &params); err == nil {
			g.monitor.RecordPong(s.sess.ConnectionID, params.SentAt)
		}

	case opDisconnect:
		s.sendAck(frame.ID, op, nil)
		return true

	default:
		g.fail(s, frame, op, models.NewError(models.ErrValidation, "unknown op %q", frame.Op))
	}
	return false
}

func (g *Gateway) handleJoinChat(ctx context.Context, s *wsSession, frame *clientFrame) {
	var params chatParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, opJoinChat, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	if err := g.rooms.Join(ctx, s.sess.ConnectionID, s.sess.UserID, params.ChatID); err != nil {
		g.fail(s, frame, opJoinChat, err)
		return
	}
	s.sendAck(frame.ID, opJoinChat, chatParams{ChatID: params.ChatID})
	g.broadcastPresence(params.ChatID, s.sess, models.EventUserJoinedChat)
}

func (g *Gateway) handleLeaveChat(s *wsSession, frame *clientFrame) {
	var params chatParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, opLeaveChat, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	g.rooms.Leave(s.sess.ConnectionID, params.ChatID)
	s.sendAck(frame.ID, opLeaveChat, chatParams{ChatID: params.ChatID})
	g.broadcastPresence(params.ChatID, s.sess, models.EventUserLeft)
}

func (g *Gateway) handleSendMessage(ctx context.Context, s *wsSession, frame *clientFrame) {
	var params sendMessageParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, opSendMessage, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	ack, err := g.pipeline.Send(ctx, s.sess, delivery.SendInput{
		ChatID:          params.ChatID,
		ClientMessageID: params.ClientMessageID,
		Type:            params.Type,
		Content:         params.Content,
		MediaRef:        params.MediaRef,
		ReplyTo:         params.ReplyTo,
		Mentions:        params.Mentions,
	})
	if err != nil {
		g.fail(s, frame, opSendMessage, err)
		return
	}
	s.sendAck(frame.ID, opSendMessage, ack)
}

func (g *Gateway) handleMarkRead(ctx context.Context, s *wsSession, frame *clientFrame) {
	var params markReadParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, opMarkRead, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	if err := g.pipeline.MarkRead(ctx, s.sess, params.MessageID, params.ChatID); err != nil {
		g.fail(s, frame, opMarkRead, err)
		return
	}
	s.sendAck(frame.ID, opMarkRead, nil)
}

func (g *Gateway) handleReact(ctx context.Context, s *wsSession, frame *clientFrame) {
	var params reactParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, opReact, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	if err := g.pipeline.React(ctx, s.sess, params.MessageID, params.ChatID, params.Emoji); err != nil {
		g.fail(s, frame, opReact, err)
		return
	}
	s.sendAck(frame.ID, opReact, nil)
}

// handleTyping relays a typing indicator. Fire-and-forget: no ack, no error
// surface beyond validation.
func (g *Gateway) handleTyping(s *wsSession, frame *clientFrame) {
	var params typingParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil || params.ChatID == "" {
		return
	}
	g.pipeline.Typing(s.sess, params.ChatID, params.Typing)
}

func (g *Gateway) handleInitiateCall(ctx context.Context, s *wsSession, frame *clientFrame) {
	var params initiateCallParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, opInitiateCall, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	call, err := g.calls.Initiate(ctx, s.sess, calls.InitiateInput{
		ChatID:     params.ChatID,
		ReceiverID: params.ReceiverID,
		CallType:   params.CallType,
	})
	if err != nil {
		// Busy conflicts already produced a call_failed event on this
		// connection; emitting a second error event would double-signal.
		if models.IsCode(err, models.ErrConflict) {
			s.sendError(frame.ID, opInitiateCall, err)
			return
		}
		g.fail(s, frame, opInitiateCall, err)
		return
	}
	s.sendAck(frame.ID, opInitiateCall, callAckPayload(call))
}

func (g *Gateway) handleCallAction(ctx context.Context, s *wsSession, frame *clientFrame, op string) {
	var params callActionParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, op, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}

	var (
		call *models.ActiveCall
		err  error
	)
	switch op {
	case opAnswerCall:
		call, err = g.calls.Answer(ctx, s.sess, params.CallID)
	case opEndCall:
		call, err = g.calls.End(ctx, s.sess, params.CallID, params.Reason)
	case opDeclineCall:
		call, err = g.calls.Decline(ctx, s.sess, params.CallID)
	case opCancelCall:
		call, err = g.calls.Cancel(ctx, s.sess, params.CallID)
	}
	if err != nil {
		g.fail(s, frame, op, err)
		return
	}
	s.sendAck(frame.ID, op, callAckPayload(call))
}

// handleWebRTC relays an opaque signaling blob: to the other leg of the
// sender's active call when one exists, otherwise to the chat's other
// connections. The payload shape is validated; the contents never inspected.
func (g *Gateway) handleWebRTC(s *wsSession, frame *clientFrame, op string) {
	var params webrtcParams
	if err := json.Unmarshal(frame.Payload, &params); err != nil {
		g.fail(s, frame, op, models.WrapError(models.ErrValidation, err, "malformed payload"))
		return
	}
	if len(params.Data) == 0 {
		g.fail(s, frame, op, models.NewError(models.ErrValidation, "webrtc payload requires data"))
		return
	}

	event := models.Event{
		Name: eventForWebRTCOp(op),
		Payload: models.WebRTCPayload{
			ChatID: params.ChatID,
			CallID: params.CallID,
			From:   s.sess.UserID,
			Data:   params.Data,
		},
	}

	if call, ok := g.calls.ActiveCallFor(s.sess.UserID); ok {
		other := call.ReceiverID
		if s.sess.UserID == call.ReceiverID {
			other = call.CallerID
		}
		if conn, online := g.registry.Lookup(other); online {
			_ = conn.Send(event)
			return
		}
	}

	if params.ChatID == "" {
		g.fail(s, frame, op, models.NewError(models.ErrNotFound, "no active call and no chat_id"))
		return
	}
	for _, connID := range g.rooms.Connections(params.ChatID) {
		if connID == s.sess.ConnectionID {
			continue
		}
		if _, conn, ok := g.registry.LookupConn(connID); ok {
			_ = conn.Send(event)
		}
	}
}

func eventForWebRTCOp(op string) string {
	switch op {
	case opWebRTCOffer:
		return models.EventWebRTCOffer
	case opWebRTCAnswer:
		return models.EventWebRTCAnswer
	default:
		return models.EventWebRTCCandidate
	}
}

func callAckPayload(call *models.ActiveCall) models.CallEventPayload {
	return models.CallEventPayload{
		CallID:     call.CallID,
		ChatID:     call.ChatID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		CallType:   call.CallType,
		Status:     call.Status,
	}
}

// fail answers a frame with its taxonomy error. Clients that did not supply
// a correlation id get the generic error event instead of an orphan ack.
func (g *Gateway) fail(s *wsSession, frame *clientFrame, op string, err error) {
	g.logger.Debug("operation failed",
		"op", op,
		"connection_id", s.sess.ConnectionID,
		"user_id", s.sess.UserID,
		"code", models.CodeOf(err),
		"error", err)

	if frame.ID == "" {
		_ = s.Send(models.Event{Name: models.EventError, Payload: models.ErrorPayload{
			Op:      op,
			Code:    models.CodeOf(err),
			Message: err.Error(),
		}})
		return
	}
	s.sendError(frame.ID, op, err)
}
