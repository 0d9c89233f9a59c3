package models

import "time"

// MessageType distinguishes message payload kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageMedia MessageType = "media"
	MessageReply MessageType = "reply"
)

// ChatMessage is a validated chat message on its way through the delivery
// pipeline. ID is assigned by the durable store; ClientMessageID is the
// sender-chosen idempotency key.
type ChatMessage struct {
	ID              string      `json:"id"`
	ChatID          string      `json:"chat_id"`
	SenderID        string      `json:"sender_id"`
	ClientMessageID string      `json:"client_message_id"`
	Type            MessageType `json:"type"`
	Content         string      `json:"content,omitempty"`
	MediaRef        string      `json:"media_ref,omitempty"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	Mentions        []string    `json:"mentions,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// QueuedMessage is one entry in a user's offline queue. Destroyed on
// delivery, expiry, or eviction.
type QueuedMessage struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Payload   Event     `json:"payload"`
	QueuedAt  time.Time `json:"queued_at"`
}

// SendAck is returned to the sender for every send_message submission,
// duplicate or not.
type SendAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

// PushNotification is the best-effort payload handed to the push collaborator
// when a recipient is offline.
type PushNotification struct {
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	ChatID string         `json:"chat_id,omitempty"`
	CallID string         `json:"call_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}
