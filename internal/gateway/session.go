package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconim/beacon/pkg/models"
)

// wsSession owns one websocket connection: a read loop that decodes and
// dispatches frames, and a write loop that drains the outbound channel. It
// implements registry.Conn so every component can push events without
// knowing about the transport.
type wsSession struct {
	gw   *Gateway
	ws   *websocket.Conn
	ip   string
	sess *models.ConnectionSession

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	seq       int64

	// connected flips after a successful connect handshake; every other op
	// is rejected until then.
	connected atomic.Bool
}

func newSession(gw *Gateway, ws *websocket.Conn, ip string) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		gw:     gw,
		ws:     ws,
		ip:     ip,
		send:   make(chan []byte, gw.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ConnectionID implements registry.Conn. Empty until the handshake assigns
// a session.
func (s *wsSession) ConnectionID() string {
	if s.sess == nil {
		return ""
	}
	return s.sess.ConnectionID
}

// Send implements registry.Conn: it serializes the event and queues it on
// the outbound channel. It fails fast when the buffer is full rather than
// blocking the caller on a slow peer.
func (s *wsSession) Send(event models.Event) error {
	frame := eventFrame{
		Type:    "event",
		Event:   event.Name,
		Payload: event.Payload,
		Seq:     atomic.AddInt64(&s.seq, 1),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return models.WrapError(models.ErrValidation, err, "encode event %s", event.Name)
	}
	return s.enqueue(raw)
}

func (s *wsSession) enqueue(raw []byte) error {
	select {
	case <-s.ctx.Done():
		return models.NewError(models.ErrTransient, "connection closed")
	default:
	}
	select {
	case s.send <- raw:
		return nil
	default:
		s.gw.logger.Warn("send buffer full, dropping frame",
			"connection_id", s.ConnectionID())
		return models.NewError(models.ErrTransient, "send buffer full")
	}
}

// Close implements registry.Conn. Safe to call more than once; the write
// loop drains what it can and the read loop unblocks on the closed socket.
func (s *wsSession) Close(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.ws.Close()
	})
}

// run drives both pumps and blocks until the read loop exits, then releases
// the session's resources.
func (s *wsSession) run() {
	go s.writeLoop()
	reason := s.readLoop()
	s.Close(reason)
	if s.connected.Load() {
		s.gw.detach(s.sess, s, reason)
	}
}

// readLoop decodes inbound frames and dispatches them. The first frame must
// be a connect op; anything else closes the connection.
func (s *wsSession) readLoop() string {
	s.ws.SetReadLimit(s.gw.cfg.MaxFrameBytes)

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "read_error"
			}
			return "client_closed"
		}

		frame, err := decodeFrame(raw)
		if err != nil {
			s.sendError("", "", err)
			continue
		}

		if !s.connected.Load() {
			if canonicalOp(frame.Op) != opConnect {
				s.sendError(frame.ID, frame.Op,
					models.NewError(models.ErrAuthorization, "first frame must be connect"))
				return "handshake_failed"
			}
			if err := s.gw.handleConnect(s, frame); err != nil {
				return "auth_failed"
			}
			continue
		}

		if done := s.gw.dispatch(s, frame); done {
			return "client_disconnect"
		}
	}
}

// writeLoop is the only goroutine that writes data frames to the socket.
func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case raw := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.gw.logger.Debug("write failed",
					"connection_id", s.ConnectionID(),
					"error", err)
				s.cancel()
				return
			}
		}
	}
}

// sendAck answers one client frame, correlating by the client-supplied id.
func (s *wsSession) sendAck(id, op string, payload any) {
	raw, err := json.Marshal(ackFrame{Type: "ack", ID: id, Op: op, OK: true, Payload: payload})
	if err != nil {
		return
	}
	_ = s.enqueue(raw)
}

// sendError answers one client frame with its taxonomy error.
func (s *wsSession) sendError(id, op string, err error) {
	we := &wireError{
		Code:    models.CodeOf(err),
		Message: err.Error(),
	}
	if ra := models.RetryAfterOf(err); ra > 0 {
		we.RetryAfter = ra.Seconds()
	}
	raw, merr := json.Marshal(ackFrame{Type: "ack", ID: id, Op: op, OK: false, Error: we})
	if merr != nil {
		return
	}
	_ = s.enqueue(raw)
}
