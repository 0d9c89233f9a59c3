// Package store defines the narrow interfaces the signaling core consumes
// from the durable side of the system, plus Postgres and in-memory
// implementations. Query logic for chats, messages, and profiles beyond
// these interfaces belongs to the durable store service, not here.
package store

import (
	"context"
	"time"

	"github.com/beaconim/beacon/pkg/models"
)

// Participant is one member of a chat as the durable store knows it.
type Participant struct {
	UserID  string
	Role    string
	CanSend bool
}

// ChatStore answers membership and permission questions.
type ChatStore interface {
	// IsParticipant reports whether userID belongs to chatID.
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)

	// GetParticipant returns the participant record, or a not_found error.
	GetParticipant(ctx context.Context, chatID, userID string) (*Participant, error)

	// CanSendMessage reports whether userID may post messages to chatID.
	CanSendMessage(ctx context.Context, chatID, userID string) (bool, error)

	// Participants lists every member of chatID, for fan-out.
	Participants(ctx context.Context, chatID string) ([]Participant, error)
}

// MessageStore persists chat messages and delivery receipts.
type MessageStore interface {
	// UpsertByClientID inserts the message if absent and returns the stored
	// row. existed is true when a message with the same
	// (sender_id, client_message_id) was already persisted; the returned
	// message is then the original. This uniqueness constraint is the
	// durable backstop behind the in-memory dedup window.
	UpsertByClientID(ctx context.Context, msg *models.ChatMessage) (stored *models.ChatMessage, existed bool, err error)

	// MarkDelivered records delivery of messageID to userID.
	MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) error

	// MarkRead records that userID read messageID.
	MarkRead(ctx context.Context, messageID, userID string, at time.Time) error
}

// CallLogStore persists call lifecycle records.
type CallLogStore interface {
	Create(ctx context.Context, call *models.ActiveCall) error
	UpdateStatus(ctx context.Context, call *models.ActiveCall) error
}

// ProfileStore records derived presence.
type ProfileStore interface {
	SetOnlineStatus(ctx context.Context, userID string, online bool, at time.Time) error
}

// PushNotifier delivers best-effort notifications to offline users.
// Failures are logged by callers, never propagated.
type PushNotifier interface {
	Send(ctx context.Context, userID string, n models.PushNotification) error
}
