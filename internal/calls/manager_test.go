package calls

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/internal/store"
	"github.com/beaconim/beacon/pkg/models"
)

type fakeConn struct {
	mu     sync.Mutex
	id     string
	events []models.Event
}

func (c *fakeConn) ConnectionID() string { return c.id }

func (c *fakeConn) Send(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(reason string) {}

func (c *fakeConn) byName(name string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, name string) models.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.byName(name); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", name)
	return models.Event{}
}

type fakePush struct {
	mu   sync.Mutex
	sent []string
}

func (p *fakePush) Send(ctx context.Context, userID string, n models.PushNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, userID)
	return nil
}

type fakeRelay struct {
	mu        sync.Mutex
	published []models.Event
	users     []string
}

func (r *fakeRelay) PublishEvent(ctx context.Context, userID string, event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, event)
	r.users = append(r.users, userID)
}

type harness struct {
	manager  *Manager
	registry *registry.Registry
	mem      *store.MemoryStore
	push     *fakePush
}

func newHarness(t *testing.T, cfg config.CallsConfig) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	metrics := observability.NewTestMetrics()
	mem := store.NewMemoryStore()
	reg := registry.New(100, logger, metrics)
	push := &fakePush{}
	m := NewManager(cfg, reg, mem, push, logger, metrics)
	t.Cleanup(m.Stop)
	return &harness{manager: m, registry: reg, mem: mem, push: push}
}

func defaultCfg() config.CallsConfig {
	return config.CallsConfig{
		RingTimeout:        30 * time.Second,
		InitiatedStaleWait: time.Minute,
		RingingStaleWait:   2 * time.Minute,
		AnsweredStaleWait:  4 * time.Hour,
	}
}

func (h *harness) connect(t *testing.T, userID, connID string) (*models.ConnectionSession, *fakeConn) {
	t.Helper()
	session := &models.ConnectionSession{
		ConnectionID: connID,
		UserID:       userID,
		Transport:    models.TransportWebSocket,
		ConnectedAt:  time.Now(),
	}
	conn := &fakeConn{id: connID}
	h.registry.Register(session, conn)
	return session, conn
}

func audioCall(receiverID string) InitiateInput {
	return InitiateInput{ChatID: "chat-1", ReceiverID: receiverID, CallType: models.CallAudio}
}

func TestManager_InitiateRingsOnlineReceiver(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, aliceConn := h.connect(t, "alice", "c-alice")
	_, bobConn := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	if call.Status != models.CallRinging {
		t.Fatalf("status = %s, want ringing", call.Status)
	}

	incoming := bobConn.byName(models.EventIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("bob received %d incoming_call events, want 1", len(incoming))
	}
	if p := incoming[0].Payload.(models.CallEventPayload); p.CallerID != "alice" || p.CallID != call.CallID {
		t.Errorf("incoming payload = %+v", p)
	}
	if len(aliceConn.byName(models.EventCallRinging)) != 1 {
		t.Error("alice should receive call_ringing")
	}
	if logged := h.mem.CallLog(call.CallID); logged == nil || logged.Status != models.CallRinging {
		t.Errorf("call log = %+v, want ringing", logged)
	}
}

func TestManager_InitiateToOfflineReceiver(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, aliceConn := h.connect(t, "alice", "c-alice")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	if call.Status != models.CallMissed || call.EndReason != models.EndReasonUserOffline {
		t.Fatalf("call = %s/%s, want missed/user_offline", call.Status, call.EndReason)
	}
	if h.manager.Count() != 0 {
		t.Error("missed call should not stay active")
	}

	failed := aliceConn.byName(models.EventCallFailed)
	if len(failed) != 1 {
		t.Fatalf("alice received %d call_failed events, want 1", len(failed))
	}
	if p := failed[0].Payload.(models.CallEventPayload); p.Reason != models.EndReasonUserOffline {
		t.Errorf("reason = %s, want user_offline", p.Reason)
	}
	h.push.mu.Lock()
	pushed := len(h.push.sent) == 1 && h.push.sent[0] == "bob"
	h.push.mu.Unlock()
	if !pushed {
		t.Error("offline receiver should get a best-effort push")
	}
}

func TestManager_InitiateValidation(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	ctx := context.Background()

	tests := []struct {
		name string
		in   InitiateInput
	}{
		{"missing receiver", InitiateInput{ChatID: "chat-1", CallType: models.CallAudio}},
		{"self call", InitiateInput{ChatID: "chat-1", ReceiverID: "alice", CallType: models.CallAudio}},
		{"bad type", InitiateInput{ChatID: "chat-1", ReceiverID: "bob", CallType: "hologram"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.Initiate(ctx, alice, tt.in)
			if !models.IsCode(err, models.ErrValidation) {
				t.Fatalf("Initiate = %v, want validation error", err)
			}
		})
	}
}

func TestManager_BusyReceiverFailsCall(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	_, _ = h.connect(t, "bob", "c-bob")
	carol, carolConn := h.connect(t, "carol", "c-carol")
	ctx := context.Background()

	if _, err := h.manager.Initiate(ctx, alice, audioCall("bob")); err != nil {
		t.Fatal(err)
	}
	_, err := h.manager.Initiate(ctx, carol, audioCall("bob"))
	if !models.IsCode(err, models.ErrConflict) {
		t.Fatalf("Initiate to busy receiver = %v, want conflict", err)
	}

	failed := carolConn.byName(models.EventCallFailed)
	if len(failed) != 1 {
		t.Fatalf("carol received %d call_failed events, want 1", len(failed))
	}
	if p := failed[0].Payload.(models.CallEventPayload); p.Reason != models.EndReasonBusy {
		t.Errorf("reason = %s, want busy", p.Reason)
	}
}

func TestManager_BusyCheckCleansStaleCallFirst(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	_, _ = h.connect(t, "bob", "c-bob")
	carol, _ := h.connect(t, "carol", "c-carol")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.manager.SetNowFunc(func() time.Time { return base })
	stale, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}

	// Three minutes later the ringing call is past its 2m threshold; a new
	// call to bob must reclaim it instead of reporting busy.
	h.manager.SetNowFunc(func() time.Time { return base.Add(3 * time.Minute) })
	call, err := h.manager.Initiate(ctx, carol, audioCall("bob"))
	if err != nil {
		t.Fatalf("Initiate after stale cleanup = %v, want success", err)
	}
	if call.Status != models.CallRinging {
		t.Errorf("new call status = %s, want ringing", call.Status)
	}
	if logged := h.mem.CallLog(stale.CallID); logged.Status != models.CallMissed || logged.EndReason != models.EndReasonStale {
		t.Errorf("stale call log = %s/%s, want missed/stale", logged.Status, logged.EndReason)
	}
}

func TestManager_AnswerTransitions(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, aliceConn := h.connect(t, "alice", "c-alice")
	bob, _ := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}

	// Only the receiver may answer.
	if _, err := h.manager.Answer(ctx, alice, call.CallID); !models.IsCode(err, models.ErrAuthorization) {
		t.Fatalf("caller answering = %v, want authorization error", err)
	}

	answered, err := h.manager.Answer(ctx, bob, call.CallID)
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	if answered.Status != models.CallAnswered || answered.AnsweredAt.IsZero() {
		t.Fatalf("answered = %+v", answered)
	}
	if len(aliceConn.byName(models.EventCallAnswer)) != 1 {
		t.Error("caller should be notified of the answer")
	}

	// Answering twice is a conflict.
	if _, err := h.manager.Answer(ctx, bob, call.CallID); !models.IsCode(err, models.ErrConflict) {
		t.Fatalf("double answer = %v, want conflict", err)
	}
}

func TestManager_AnswerUnknownCall(t *testing.T) {
	h := newHarness(t, defaultCfg())
	bob, _ := h.connect(t, "bob", "c-bob")
	if _, err := h.manager.Answer(context.Background(), bob, "nope"); !models.IsCode(err, models.ErrNotFound) {
		t.Fatalf("Answer(nope) = %v, want not_found", err)
	}
}

func TestManager_EndAnsweredCallComputesDuration(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	bob, bobConn := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.manager.SetNowFunc(func() time.Time { return base })
	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	h.manager.SetNowFunc(func() time.Time { return base.Add(90 * time.Second) })
	ended, err := h.manager.End(ctx, alice, call.CallID, "")
	if err != nil {
		t.Fatalf("End error: %v", err)
	}
	if ended.Status != models.CallCompleted {
		t.Fatalf("status = %s, want completed", ended.Status)
	}
	if got := ended.Duration(); got != 90*time.Second {
		t.Errorf("duration = %v, want 90s", got)
	}

	evs := bobConn.byName(models.EventCallEnded)
	if len(evs) != 1 {
		t.Fatalf("bob received %d call_ended events, want 1", len(evs))
	}
	p := evs[0].Payload.(models.CallEventPayload)
	if p.Reason != models.EndReasonHangup || p.Duration != 90 {
		t.Errorf("ended payload = %+v", p)
	}

	// Terminal calls reject further transitions.
	if _, err := h.manager.End(ctx, alice, call.CallID, ""); !models.IsCode(err, models.ErrNotFound) {
		t.Fatalf("End after terminal = %v, want not_found", err)
	}
}

func TestManager_EndOffersEventToRelayWhenLegNotLocal(t *testing.T) {
	h := newHarness(t, defaultCfg())
	relay := &fakeRelay{}
	h.manager.SetRelay(relay)
	alice, _ := h.connect(t, "alice", "c-alice")
	bob, _ := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	// Bob's connection moves off this instance.
	h.registry.Unregister("c-bob")

	if _, err := h.manager.End(ctx, alice, call.CallID, ""); err != nil {
		t.Fatalf("End error: %v", err)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.published) != 1 {
		t.Fatalf("relay publications = %d, want 1", len(relay.published))
	}
	if relay.users[0] != "bob" {
		t.Errorf("relay target = %q, want bob", relay.users[0])
	}
	if relay.published[0].Name != models.EventCallEnded {
		t.Errorf("relayed event = %q, want %q", relay.published[0].Name, models.EventCallEnded)
	}
}

func TestManager_DeclineAndCancel(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, aliceConn := h.connect(t, "alice", "c-alice")
	bob, bobConn := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Decline(ctx, alice, call.CallID); !models.IsCode(err, models.ErrAuthorization) {
		t.Fatalf("caller declining = %v, want authorization error", err)
	}
	declined, err := h.manager.Decline(ctx, bob, call.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if declined.Status != models.CallDeclined {
		t.Errorf("status = %s, want declined", declined.Status)
	}
	if evs := aliceConn.byName(models.EventCallEnded); len(evs) != 1 {
		t.Error("caller should be notified of the decline")
	}

	call2, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Cancel(ctx, bob, call2.CallID); !models.IsCode(err, models.ErrAuthorization) {
		t.Fatalf("receiver cancelling = %v, want authorization error", err)
	}
	cancelled, err := h.manager.Cancel(ctx, alice, call2.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.CallCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if evs := bobConn.byName(models.EventCallEnded); len(evs) != 1 {
		t.Error("receiver should be notified of the cancel")
	}
}

func TestManager_RingTimeoutMissesCall(t *testing.T) {
	cfg := defaultCfg()
	cfg.RingTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	alice, aliceConn := h.connect(t, "alice", "c-alice")
	_, bobConn := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}

	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		ev := conn.waitFor(t, models.EventCallTimeout)
		if p := ev.Payload.(models.CallEventPayload); p.Reason != models.EndReasonNoAnswer {
			t.Errorf("timeout reason = %s, want no_answer", p.Reason)
		}
	}
	if h.manager.Count() != 0 {
		t.Error("timed-out call should be removed")
	}
	if logged := h.mem.CallLog(call.CallID); logged.Status != models.CallMissed {
		t.Errorf("call log = %s, want missed", logged.Status)
	}
}

func TestManager_AnswerCancelsRingTimer(t *testing.T) {
	cfg := defaultCfg()
	cfg.RingTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	alice, aliceConn := h.connect(t, "alice", "c-alice")
	bob, _ := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)
	if evs := aliceConn.byName(models.EventCallTimeout); len(evs) != 0 {
		t.Error("answered call must not time out")
	}
	if got, _ := h.manager.ActiveCallFor("alice"); got == nil || got.Status != models.CallAnswered {
		t.Error("call should still be active and answered")
	}
}

func TestManager_DisconnectEndsAnsweredCall(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	bob, bobConn := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.manager.SetNowFunc(func() time.Time { return base })
	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	h.manager.SetNowFunc(func() time.Time { return base.Add(2 * time.Minute) })
	h.manager.HandleDisconnect(ctx, alice)

	logged := h.mem.CallLog(call.CallID)
	if logged.Status != models.CallCompleted || logged.EndReason != models.EndReasonDisconnect {
		t.Fatalf("call log = %s/%s, want completed/disconnect", logged.Status, logged.EndReason)
	}
	if logged.Duration() != 2*time.Minute {
		t.Errorf("duration = %v, want 2m", logged.Duration())
	}
	evs := bobConn.byName(models.EventCallEnded)
	if len(evs) != 1 {
		t.Fatalf("bob received %d call_ended events, want 1", len(evs))
	}
	if p := evs[0].Payload.(models.CallEventPayload); p.Reason != models.EndReasonDisconnect {
		t.Errorf("reason = %s, want disconnect", p.Reason)
	}
}

func TestManager_CallerDisconnectBeforeAnswerMissesCall(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	_, bobConn := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if call.Status != models.CallRinging {
		t.Fatalf("status = %s, want ringing", call.Status)
	}

	h.manager.HandleDisconnect(ctx, alice)

	logged := h.mem.CallLog(call.CallID)
	if logged.Status != models.CallMissed || logged.EndReason != models.EndReasonDisconnect {
		t.Fatalf("call log = %s/%s, want missed/disconnect", logged.Status, logged.EndReason)
	}
	if len(bobConn.byName(models.EventCallEnded)) != 1 {
		t.Error("bob should be told the ringing call ended")
	}
	if h.manager.Count() != 0 {
		t.Error("call must be removed from the active set")
	}
}

func TestManager_DisconnectOfStaleLegIsIgnored(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	bob, _ := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	// A leftover session from before alice reconnected is not the active leg.
	old := &models.ConnectionSession{ConnectionID: "c-alice-old", UserID: "alice"}
	h.manager.HandleDisconnect(ctx, old)
	if h.manager.Count() != 1 {
		t.Error("disconnect of a non-leg connection must not end the call")
	}
}

func TestManager_SweepStalePerPhase(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	bob, _ := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.manager.SetNowFunc(func() time.Time { return base })
	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	// Within the 4h answered threshold: nothing to do.
	h.manager.SetNowFunc(func() time.Time { return base.Add(time.Hour) })
	if n := h.manager.SweepStale(ctx); n != 0 {
		t.Fatalf("SweepStale at 1h = %d, want 0", n)
	}

	h.manager.SetNowFunc(func() time.Time { return base.Add(5 * time.Hour) })
	if n := h.manager.SweepStale(ctx); n != 1 {
		t.Fatalf("SweepStale at 5h = %d, want 1", n)
	}
	logged := h.mem.CallLog(call.CallID)
	if logged.Status != models.CallCompleted || logged.EndReason != models.EndReasonStale {
		t.Errorf("call log = %s/%s, want completed/stale", logged.Status, logged.EndReason)
	}
}

func TestManager_SweepStaleUnderPressure(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	bob, _ := h.connect(t, "bob", "c-bob")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.manager.SetNowFunc(func() time.Time { return base })
	call, err := h.manager.Initiate(ctx, alice, audioCall("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.Answer(ctx, bob, call.CallID); err != nil {
		t.Fatal(err)
	}

	// Three hours in: fine normally, stale once pressure halves 4h to 2h.
	h.manager.SetNowFunc(func() time.Time { return base.Add(3 * time.Hour) })
	if n := h.manager.SweepStale(ctx); n != 0 {
		t.Fatalf("SweepStale without pressure = %d, want 0", n)
	}
	h.manager.SetPressure(true)
	if n := h.manager.SweepStale(ctx); n != 1 {
		t.Fatalf("SweepStale under pressure = %d, want 1", n)
	}
	if logged := h.mem.CallLog(call.CallID); logged.EndReason != models.EndReasonStale {
		t.Errorf("end reason = %s, want stale", logged.EndReason)
	}
}

func TestManager_OneCallPerUser(t *testing.T) {
	h := newHarness(t, defaultCfg())
	alice, _ := h.connect(t, "alice", "c-alice")
	_, _ = h.connect(t, "bob", "c-bob")
	_, _ = h.connect(t, "carol", "c-carol")
	ctx := context.Background()

	if _, err := h.manager.Initiate(ctx, alice, audioCall("bob")); err != nil {
		t.Fatal(err)
	}
	_, err := h.manager.Initiate(ctx, alice, audioCall("carol"))
	if !models.IsCode(err, models.ErrConflict) {
		t.Fatalf("second call by busy caller = %v, want conflict", err)
	}
	if h.manager.Count() != 1 {
		t.Errorf("active calls = %d, want 1", h.manager.Count())
	}
}
