package gateway

import (
	"encoding/json"

	"github.com/beaconim/beacon/pkg/models"
)

// clientFrame is one inbound request on the connection. Op names accept the
// legacy aliases the router maps to canonical operations.
type clientFrame struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ackFrame answers a request frame. Exactly one ack or error leaves the
// handler boundary per mutating request.
type ackFrame struct {
	Type    string     `json:"type"` // always "ack"
	ID      string     `json:"id,omitempty"`
	Op      string     `json:"op"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *wireError `json:"error,omitempty"`
}

// eventFrame is a server push. Seq orders events within one connection.
type eventFrame struct {
	Type    string `json:"type"` // always "event"
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     int64  `json:"seq"`
}

type wireError struct {
	Code       models.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	RetryAfter float64          `json:"retry_after_seconds,omitempty"`
}

func decodeFrame(raw []byte) (*clientFrame, error) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, models.WrapError(models.ErrValidation, err, "malformed frame")
	}
	if frame.Op == "" {
		return nil, models.NewError(models.ErrValidation, "frame missing op")
	}
	return &frame, nil
}

// Inbound operation payloads.

type connectParams struct {
	Token string `json:"token"`
}

type chatParams struct {
	ChatID string `json:"chat_id"`
}

type sendMessageParams struct {
	ChatID          string             `json:"chat_id"`
	ClientMessageID string             `json:"client_message_id"`
	Type            models.MessageType `json:"type"`
	Content         string             `json:"content,omitempty"`
	MediaRef        string             `json:"media_ref,omitempty"`
	ReplyTo         string             `json:"reply_to,omitempty"`
	Mentions        []string           `json:"mentions,omitempty"`
}

type markReadParams struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

type reactParams struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Emoji     string `json:"emoji"`
}

type typingParams struct {
	ChatID string `json:"chat_id"`
	Typing bool   `json:"typing"`
}

type initiateCallParams struct {
	ChatID     string          `json:"chat_id,omitempty"`
	ReceiverID string          `json:"receiver_id"`
	CallType   models.CallType `json:"call_type"`
}

type callActionParams struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type webrtcParams struct {
	ChatID string          `json:"chat_id,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type pongParams struct {
	SentAt int64 `json:"sent_at_unix_ms"`
}

type disconnectParams struct {
	Reason string `json:"reason,omitempty"`
}
