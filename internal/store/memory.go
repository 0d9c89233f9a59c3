package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconim/beacon/pkg/models"
)

// MemoryStore implements every collaborator interface in memory, for tests
// and local runs without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]map[string]*Participant // chatID -> userID -> participant
	messages     map[string]*models.ChatMessage     // senderID:clientMessageID -> message
	byID         map[string]*models.ChatMessage
	delivered    map[string]map[string]time.Time // messageID -> userID -> at
	read         map[string]map[string]time.Time
	calls        map[string]*models.ActiveCall
	online       map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: map[string]map[string]*Participant{},
		messages:     map[string]*models.ChatMessage{},
		byID:         map[string]*models.ChatMessage{},
		delivered:    map[string]map[string]time.Time{},
		read:         map[string]map[string]time.Time{},
		calls:        map[string]*models.ActiveCall{},
		online:       map[string]bool{},
	}
}

// AddChat registers a chat with full-permission participants. Test helper.
func (m *MemoryStore) AddChat(chatID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := map[string]*Participant{}
	for _, id := range userIDs {
		members[id] = &Participant{UserID: id, Role: "member", CanSend: true}
	}
	m.participants[chatID] = members
}

// SetParticipant installs or replaces a single participant record.
func (m *MemoryStore) SetParticipant(chatID string, p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[chatID] == nil {
		m.participants[chatID] = map[string]*Participant{}
	}
	cp := p
	m.participants[chatID][p.UserID] = &cp
}

func (m *MemoryStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.participants[chatID][userID]
	return ok, nil
}

func (m *MemoryStore) GetParticipant(ctx context.Context, chatID, userID string) (*Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[chatID][userID]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "participant %s not in chat %s", userID, chatID)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CanSendMessage(ctx context.Context, chatID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[chatID][userID]
	return ok && p.CanSend, nil
}

func (m *MemoryStore) Participants(ctx context.Context, chatID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.participants[chatID]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MemoryStore) UpsertByClientID(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, bool, error) {
	if msg == nil || msg.SenderID == "" || msg.ClientMessageID == "" {
		return nil, false, models.NewError(models.ErrValidation, "sender id and client message id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msg.SenderID + ":" + msg.ClientMessageID
	if existing, ok := m.messages[key]; ok {
		cp := *existing
		return &cp, true, nil
	}

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.messages[key] = &clone
	m.byID[clone.ID] = &clone
	cp := clone
	return &cp, false, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[messageID]; !ok {
		return models.NewError(models.ErrNotFound, "message %s not found", messageID)
	}
	if m.delivered[messageID] == nil {
		m.delivered[messageID] = map[string]time.Time{}
	}
	m.delivered[messageID][userID] = at
	return nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, messageID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[messageID]; !ok {
		return models.NewError(models.ErrNotFound, "message %s not found", messageID)
	}
	if m.read[messageID] == nil {
		m.read[messageID] = map[string]time.Time{}
	}
	m.read[messageID][userID] = at
	return nil
}

// DeliveredTo reports whether messageID was marked delivered to userID.
func (m *MemoryStore) DeliveredTo(messageID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.delivered[messageID][userID]
	return ok
}

// MessageCount returns the number of stored messages. Test helper.
func (m *MemoryStore) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *MemoryStore) Create(ctx context.Context, call *models.ActiveCall) error {
	if call == nil || call.CallID == "" {
		return models.NewError(models.ErrValidation, "call id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *call
	m.calls[call.CallID] = &clone
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, call *models.ActiveCall) error {
	if call == nil || call.CallID == "" {
		return models.NewError(models.ErrValidation, "call id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[call.CallID]; !ok {
		return models.NewError(models.ErrNotFound, "call %s not found", call.CallID)
	}
	clone := *call
	m.calls[call.CallID] = &clone
	return nil
}

// CallLog returns the persisted record for callID. Test helper.
func (m *MemoryStore) CallLog(callID string) *models.ActiveCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.calls[callID]
	if !ok {
		return nil
	}
	cp := *call
	return &cp
}

func (m *MemoryStore) SetOnlineStatus(ctx context.Context, userID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = online
	return nil
}

// Online reports the recorded presence for userID. Test helper.
func (m *MemoryStore) Online(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[userID]
}
