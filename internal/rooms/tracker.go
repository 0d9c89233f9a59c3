// Package rooms tracks which connections are joined to which chats. The
// tracked membership is a cache over transport truth, never authoritative:
// joins are authorized against the durable store, and a periodic reconcile
// pass drops entries whose connection no longer exists.
package rooms

import (
	"context"
	"log/slog"
	"sync"

	"github.com/beaconim/beacon/internal/store"
	"github.com/beaconim/beacon/pkg/models"
)

// Tracker maintains the connectionID -> chat set mapping and its reverse
// index for fan-out.
type Tracker struct {
	mu     sync.Mutex
	byConn map[string]map[string]struct{}
	byChat map[string]map[string]struct{}
	chats  store.ChatStore
	logger *slog.Logger
}

// NewTracker creates a tracker backed by chats for join authorization.
func NewTracker(chats store.ChatStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		byConn: make(map[string]map[string]struct{}),
		byChat: make(map[string]map[string]struct{}),
		chats:  chats,
		logger: logger,
	}
}

// Join records that connID participates in chatID, after verifying that
// userID belongs to the chat. Joining a chat twice is a no-op.
func (t *Tracker) Join(ctx context.Context, connID, userID, chatID string) error {
	if connID == "" || chatID == "" {
		return models.NewError(models.ErrValidation, "connection id and chat id are required")
	}
	ok, err := t.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return models.WrapError(models.ErrTransient, err, "participant check for chat %s failed", chatID)
	}
	if !ok {
		return models.NewError(models.ErrAuthorization, "user %s is not a participant of chat %s", userID, chatID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]struct{})
	}
	t.byConn[connID][chatID] = struct{}{}
	if t.byChat[chatID] == nil {
		t.byChat[chatID] = make(map[string]struct{})
	}
	t.byChat[chatID][connID] = struct{}{}
	return nil
}

// Leave removes connID from chatID. Unknown pairs are a no-op.
func (t *Tracker) Leave(connID, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked(connID, chatID)
}

// LeaveAll removes connID from every chat it joined and returns the chat
// ids it was in, for departure notifications.
func (t *Tracker) LeaveAll(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	chats := t.byConn[connID]
	if len(chats) == 0 {
		delete(t.byConn, connID)
		return nil
	}
	left := make([]string, 0, len(chats))
	for chatID := range chats {
		left = append(left, chatID)
		t.dropLocked(connID, chatID)
	}
	return left
}

func (t *Tracker) dropLocked(connID, chatID string) {
	if set, ok := t.byConn[connID]; ok {
		delete(set, chatID)
		if len(set) == 0 {
			delete(t.byConn, connID)
		}
	}
	if set, ok := t.byChat[chatID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.byChat, chatID)
		}
	}
}

// Has reports whether connID is tracked as a member of chatID.
func (t *Tracker) Has(connID, chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byConn[connID][chatID]
	return ok
}

// Connections returns the connection ids currently joined to chatID.
func (t *Tracker) Connections(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byChat[chatID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// Chats returns the chat ids connID is joined to.
func (t *Tracker) Chats(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byConn[connID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for chatID := range set {
		out = append(out, chatID)
	}
	return out
}

// Reconcile drops every tracked membership whose connection is no longer
// live per the given predicate, logs each discrepancy, and returns how many
// connections were purged.
func (t *Tracker) Reconcile(live func(connID string) bool) int {
	t.mu.Lock()
	var drifted []string
	for connID := range t.byConn {
		if !live(connID) {
			drifted = append(drifted, connID)
		}
	}
	for _, connID := range drifted {
		for chatID := range t.byConn[connID] {
			t.dropLocked(connID, chatID)
		}
	}
	t.mu.Unlock()

	for _, connID := range drifted {
		t.logger.Warn("dropped room membership for dead connection",
			"connection_id", connID)
	}
	return len(drifted)
}
