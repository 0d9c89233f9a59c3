package models

import "time"

// Event names pushed to clients. The gateway serializes each Event as a
// single frame on the connection's outbound channel.
const (
	EventConnected        = "connected"
	EventPing             = "ping"
	EventNewMessage       = "new_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventMessageReaction  = "message_reaction"
	EventUserJoinedChat   = "user_joined_chat"
	EventUserLeft         = "user_left"
	EventTyping           = "typing"
	EventIncomingCall     = "incoming_call"
	EventCallRinging      = "call_ringing"
	EventCallAnswer       = "call_answer"
	EventCallEnded        = "call_ended"
	EventCallTimeout      = "call_timeout"
	EventCallFailed       = "call_failed"
	EventWebRTCOffer      = "webrtc_offer"
	EventWebRTCAnswer     = "webrtc_answer"
	EventWebRTCCandidate  = "webrtc_ice_candidate"
	EventRateLimited      = "rate_limited"
	EventAuthError        = "auth_error"
	EventError            = "error"
)

// Event is one outbound frame: a name plus a JSON-serializable payload.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewMessagePayload is the payload of a new_message event.
type NewMessagePayload struct {
	Message *ChatMessage `json:"message"`
}

// DeliveredPayload confirms delivery of a message to one recipient.
type DeliveredPayload struct {
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"`
	DeliveredTo string    `json:"delivered_to"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// ReadPayload notifies that a recipient read a message.
type ReadPayload struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ReactionPayload carries an emoji reaction to a message.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// PresencePayload announces a user joining or leaving a chat room.
type PresencePayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// TypingPayload relays a typing indicator to other participants.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// CallEventPayload is shared by every call signaling event.
type CallEventPayload struct {
	CallID     string     `json:"call_id"`
	ChatID     string     `json:"chat_id,omitempty"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	CallType   CallType   `json:"call_type"`
	Status     CallStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Duration   float64    `json:"duration_seconds,omitempty"`
}

// WebRTCPayload is an opaque signaling blob relayed between call legs. The
// gateway validates shape and rate only; the contents are never inspected.
type WebRTCPayload struct {
	ChatID string `json:"chat_id"`
	CallID string `json:"call_id,omitempty"`
	From   string `json:"from"`
	Data   any    `json:"data"`
}

// RateLimitedPayload tells the caller when to retry a rejected operation.
type RateLimitedPayload struct {
	Action     string  `json:"action"`
	RetryAfter float64 `json:"retry_after_seconds"`
}

// ErrorPayload is the generic error event emitted when a mutating operation
// fails at the handler boundary.
type ErrorPayload struct {
	Op      string    `json:"op"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// PingPayload carries the timestamp echoed back by the client so the health
// monitor can compute round-trip latency.
type PingPayload struct {
	SentAt int64 `json:"sent_at_unix_ms"`
}
