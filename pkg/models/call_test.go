package models

import (
	"testing"
	"time"
)

func TestCallStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   CallStatus
		terminal bool
	}{
		{CallInitiated, false},
		{CallRinging, false},
		{CallAnswered, false},
		{CallCompleted, true},
		{CallMissed, true},
		{CallDeclined, true},
		{CallCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestActiveCall_Duration(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	call := &ActiveCall{StartTime: start}
	if d := call.Duration(); d != 0 {
		t.Errorf("unanswered call duration = %v, want 0", d)
	}

	call.AnsweredAt = start.Add(5 * time.Second)
	call.EndedAt = start.Add(65 * time.Second)
	if d := call.Duration(); d != time.Minute {
		t.Errorf("Duration() = %v, want 1m", d)
	}
}

func TestActiveCall_OtherParty(t *testing.T) {
	call := &ActiveCall{CallerID: "alice", ReceiverID: "bob"}

	if got := call.OtherParty("alice"); got != "bob" {
		t.Errorf("OtherParty(alice) = %q, want bob", got)
	}
	if got := call.OtherParty("bob"); got != "alice" {
		t.Errorf("OtherParty(bob) = %q, want alice", got)
	}
	if got := call.OtherParty("carol"); got != "" {
		t.Errorf("OtherParty(carol) = %q, want empty", got)
	}
	if call.Involves("carol") {
		t.Error("Involves(carol) = true, want false")
	}
	if !call.Involves("alice") {
		t.Error("Involves(alice) = false, want true")
	}
}
