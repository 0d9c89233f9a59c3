package gateway

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/pkg/models"
)

func TestNewBridgeDisabled(t *testing.T) {
	if b := NewBridge(config.RedisConfig{Enabled: false}, nil, nil); b != nil {
		t.Fatal("disabled bridge should be nil")
	}
}

func TestBridgeDeliverRoutesToLocalConnection(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(10, logger, observability.NewTestMetrics())
	b := &Bridge{instanceID: "me", registry: reg, logger: logger}

	conn := &fakeConn{id: "c1"}
	reg.Register(session("c1", "alice"), conn)

	b.deliver(envelope{
		Instance: "other",
		Kind:     "event",
		UserID:   "alice",
		Event:    &models.Event{Name: models.EventNewMessage},
	})
	if names := conn.eventNames(); len(names) != 1 || names[0] != models.EventNewMessage {
		t.Fatalf("events = %v, want [new_message]", names)
	}

	// Unknown user and presence envelopes are dropped silently.
	b.deliver(envelope{Instance: "other", Kind: "event", UserID: "nobody",
		Event: &models.Event{Name: models.EventNewMessage}})
	b.deliver(envelope{Instance: "other", Kind: "presence", UserID: "alice", Online: true})
	if names := conn.eventNames(); len(names) != 1 {
		t.Fatalf("events = %v, want exactly one delivery", names)
	}
}

func TestBridgeEnvelopeRoundTrip(t *testing.T) {
	env := envelope{
		Instance: "a",
		Kind:     "event",
		UserID:   "alice",
		Event:    &models.Event{Name: models.EventMessageRead, Payload: map[string]any{"message_id": "m1"}},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.UserID != "alice" || got.Event == nil || got.Event.Name != models.EventMessageRead {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
