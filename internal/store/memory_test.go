package store

import (
	"context"
	"testing"
	"time"

	"github.com/beaconim/beacon/pkg/models"
)

func TestMemoryStore_Participants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.AddChat("chat-1", "alice", "bob")

	ok, err := s.IsParticipant(ctx, "chat-1", "alice")
	if err != nil || !ok {
		t.Errorf("IsParticipant(alice) = %v, %v; want true, nil", ok, err)
	}
	ok, _ = s.IsParticipant(ctx, "chat-1", "mallory")
	if ok {
		t.Error("IsParticipant(mallory) = true, want false")
	}

	s.SetParticipant("chat-1", Participant{UserID: "carol", Role: "viewer", CanSend: false})
	canSend, _ := s.CanSendMessage(ctx, "chat-1", "carol")
	if canSend {
		t.Error("CanSendMessage(viewer) = true, want false")
	}

	members, err := s.Participants(ctx, "chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 3 {
		t.Errorf("Participants() len = %d, want 3", len(members))
	}
}

func TestMemoryStore_UpsertByClientID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	msg := &models.ChatMessage{
		ChatID:          "chat-1",
		SenderID:        "alice",
		ClientMessageID: "m1",
		Type:            models.MessageText,
		Content:         "hello",
	}

	first, existed, err := s.UpsertByClientID(ctx, msg)
	if err != nil {
		t.Fatalf("UpsertByClientID() error = %v", err)
	}
	if existed {
		t.Error("first upsert reported existed = true")
	}
	if first.ID == "" {
		t.Error("first upsert did not assign an id")
	}

	second, existed, err := s.UpsertByClientID(ctx, &models.ChatMessage{
		ChatID: "chat-1", SenderID: "alice", ClientMessageID: "m1",
		Type: models.MessageText, Content: "hello again",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !existed {
		t.Error("second upsert reported existed = false")
	}
	if second.ID != first.ID {
		t.Errorf("conflict returned id %q, want original %q", second.ID, first.ID)
	}
	if s.MessageCount() != 1 {
		t.Errorf("MessageCount() = %d, want 1", s.MessageCount())
	}

	// A different sender with the same client id is a distinct message.
	_, existed, err = s.UpsertByClientID(ctx, &models.ChatMessage{
		ChatID: "chat-1", SenderID: "bob", ClientMessageID: "m1", Type: models.MessageText,
	})
	if err != nil || existed {
		t.Errorf("cross-sender upsert = existed %v, err %v; want false, nil", existed, err)
	}
}

func TestMemoryStore_Receipts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	stored, _, err := s.UpsertByClientID(ctx, &models.ChatMessage{
		ChatID: "chat-1", SenderID: "alice", ClientMessageID: "m1", Type: models.MessageText,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkDelivered(ctx, stored.ID, "bob", time.Now()); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	if !s.DeliveredTo(stored.ID, "bob") {
		t.Error("DeliveredTo(bob) = false after MarkDelivered")
	}

	if err := s.MarkRead(ctx, "missing", "bob", time.Now()); !models.IsCode(err, models.ErrNotFound) {
		t.Errorf("MarkRead(missing) error = %v, want not_found", err)
	}
}

func TestMemoryStore_CallLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	call := &models.ActiveCall{
		CallID: "call-1", ChatID: "chat-1", CallerID: "alice", ReceiverID: "bob",
		CallType: models.CallVideo, Status: models.CallInitiated, StartTime: time.Now(),
	}
	if err := s.Create(ctx, call); err != nil {
		t.Fatal(err)
	}

	call.Status = models.CallCompleted
	call.EndReason = models.EndReasonHangup
	if err := s.UpdateStatus(ctx, call); err != nil {
		t.Fatal(err)
	}

	logged := s.CallLog("call-1")
	if logged == nil || logged.Status != models.CallCompleted {
		t.Errorf("CallLog status = %+v, want completed", logged)
	}

	if err := s.UpdateStatus(ctx, &models.ActiveCall{CallID: "missing"}); !models.IsCode(err, models.ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want not_found", err)
	}
}
