// Package calls owns the call signaling state machine. Transitions follow a
// strict table; anything attempted from a terminal state is rejected, never
// applied. Every timer is cancelled on the terminal transition of the call
// that owns it, and a late fire against a terminal call is a no-op.
package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/internal/store"
	"github.com/beaconim/beacon/pkg/models"
)

// Manager tracks every non-terminal call and enforces the one-call-per-user
// invariant.
type Manager struct {
	mu     sync.Mutex
	calls  map[string]*callEntry
	byUser map[string]string // userID -> non-terminal call id
	// pressure halves the stale thresholds while set.
	pressure bool

	registry *registry.Registry
	log      store.CallLogStore
	push     store.PushNotifier
	relay    Relay
	cfg      config.CallsConfig

	logger  *slog.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time
}

type callEntry struct {
	call *models.ActiveCall
	// noAnswer fires the 30s ring timeout. Nil until the call rings.
	noAnswer *time.Timer
}

// NewManager creates a call manager.
func NewManager(cfg config.CallsConfig, reg *registry.Registry, log store.CallLogStore, push store.PushNotifier, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		calls:    make(map[string]*callEntry),
		byUser:   make(map[string]string),
		registry: reg,
		log:      log,
		push:     push,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		nowFunc:  time.Now,
	}
}

// Relay offers a call event to peer instances when the target user has no
// connection in the local registry.
type Relay interface {
	PublishEvent(ctx context.Context, userID string, event models.Event)
}

// SetRelay installs the cross-instance relay. Optional; nil in
// single-instance deployments.
func (m *Manager) SetRelay(r Relay) {
	m.relay = r
}

// SetNowFunc sets a custom time source for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// SetPressure toggles pressure mode; stale thresholds are halved while on.
func (m *Manager) SetPressure(on bool) {
	m.mu.Lock()
	m.pressure = on
	m.mu.Unlock()
}

// InitiateInput is one initiate_call submission.
type InitiateInput struct {
	ChatID     string
	ReceiverID string
	CallType   models.CallType
}

// Initiate starts a call from the caller's connection. Stale calls held by
// either party are cleaned up before the busy checks run. A busy receiver
// produces a call_failed event on the caller's connection plus a conflict
// error; an offline receiver produces a persisted MISSED call, a call_failed
// event, and a best-effort push.
func (m *Manager) Initiate(ctx context.Context, caller *models.ConnectionSession, in InitiateInput) (*models.ActiveCall, error) {
	if in.ReceiverID == "" {
		return nil, models.NewError(models.ErrValidation, "receiver id is required")
	}
	if in.ReceiverID == caller.UserID {
		return nil, models.NewError(models.ErrValidation, "cannot call yourself")
	}
	if in.CallType != models.CallAudio && in.CallType != models.CallVideo {
		return nil, models.NewError(models.ErrValidation, "unknown call type %q", in.CallType)
	}

	now := m.nowFunc()

	m.mu.Lock()
	// Stale cleanup always precedes the busy checks, for both parties.
	var ended []endedCall
	ended = append(ended, m.expireStaleForUserLocked(caller.UserID, now)...)
	ended = append(ended, m.expireStaleForUserLocked(in.ReceiverID, now)...)

	if callID, busy := m.byUser[caller.UserID]; busy {
		m.mu.Unlock()
		m.finishEnded(ctx, ended)
		m.sendTo(caller.UserID, callFailedEvent(in, caller.UserID, models.EndReasonBusy))
		return nil, models.NewError(models.ErrConflict, "caller is already in call %s", callID)
	}
	if _, busy := m.byUser[in.ReceiverID]; busy {
		m.mu.Unlock()
		m.finishEnded(ctx, ended)
		m.sendTo(caller.UserID, callFailedEvent(in, caller.UserID, models.EndReasonBusy))
		return nil, models.NewError(models.ErrConflict, "receiver is busy")
	}

	call := &models.ActiveCall{
		CallID:             uuid.NewString(),
		ChatID:             in.ChatID,
		CallerID:           caller.UserID,
		ReceiverID:         in.ReceiverID,
		CallType:           in.CallType,
		Status:             models.CallInitiated,
		CallerConnectionID: caller.ConnectionID,
		StartTime:          now,
	}
	entry := &callEntry{call: call}
	m.calls[call.CallID] = entry
	m.byUser[call.CallerID] = call.CallID
	m.byUser[call.ReceiverID] = call.CallID
	m.mu.Unlock()

	m.finishEnded(ctx, ended)
	m.metrics.ActiveCalls.Inc()
	m.metrics.CallTransitions.WithLabelValues(string(models.CallInitiated)).Inc()

	if err := m.log.Create(ctx, call); err != nil {
		m.logger.Error("call log create failed", "call_id", call.CallID, "error", err)
	}

	receiverConn, online := m.registry.Lookup(call.ReceiverID)
	if !online {
		snapshot := m.terminate(ctx, call.CallID, models.CallMissed, models.EndReasonUserOffline)
		m.sendTo(call.CallerID, callFailedEvent(in, caller.UserID, models.EndReasonUserOffline))
		m.notifyMissedCall(ctx, snapshot)
		return snapshot, nil
	}

	// Receiver is online: ring, arm the no-answer timer.
	m.mu.Lock()
	if entry.call.Status == models.CallInitiated {
		entry.call.Status = models.CallRinging
		callID := call.CallID
		entry.noAnswer = time.AfterFunc(m.cfg.RingTimeout, func() {
			m.ringTimeout(callID)
		})
	}
	m.mu.Unlock()
	m.metrics.CallTransitions.WithLabelValues(string(models.CallRinging)).Inc()

	snapshot := m.snapshot(call)
	_ = receiverConn.Send(models.Event{Name: models.EventIncomingCall, Payload: payloadFor(snapshot, "")})
	m.sendTo(call.CallerID, models.Event{Name: models.EventCallRinging, Payload: payloadFor(snapshot, "")})

	if err := m.log.UpdateStatus(ctx, snapshot); err != nil {
		m.logger.Error("call log update failed", "call_id", call.CallID, "error", err)
	}
	return snapshot, nil
}

// Answer moves a ringing call to ANSWERED. Only the receiver may answer.
func (m *Manager) Answer(ctx context.Context, actor *models.ConnectionSession, callID string) (*models.ActiveCall, error) {
	m.mu.Lock()
	entry, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrNotFound, "call %s not found", callID)
	}
	call := entry.call
	if actor.UserID != call.ReceiverID {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrAuthorization, "only the receiver may answer")
	}
	if call.Status != models.CallRinging {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrConflict, "call %s is %s, not ringing", callID, call.Status)
	}
	call.Status = models.CallAnswered
	call.AnsweredAt = m.nowFunc()
	call.ReceiverConnectionID = actor.ConnectionID
	stopTimerLocked(entry)
	m.mu.Unlock()

	m.metrics.CallTransitions.WithLabelValues(string(models.CallAnswered)).Inc()
	snapshot := m.snapshot(call)
	m.sendTo(call.CallerID, models.Event{Name: models.EventCallAnswer, Payload: payloadFor(snapshot, "")})
	if err := m.log.UpdateStatus(ctx, snapshot); err != nil {
		m.logger.Error("call log update failed", "call_id", callID, "error", err)
	}
	return snapshot, nil
}

// End terminates a non-terminal call: COMPLETED when it was answered, MISSED
// otherwise. The other participant is notified with the reason.
func (m *Manager) End(ctx context.Context, actor *models.ConnectionSession, callID, reason string) (*models.ActiveCall, error) {
	if reason == "" {
		reason = models.EndReasonHangup
	}
	return m.endAs(ctx, actor.UserID, callID, reason, func(call *models.ActiveCall) error {
		if !call.Involves(actor.UserID) {
			return models.NewError(models.ErrAuthorization, "not a participant of call %s", callID)
		}
		return nil
	})
}

// Decline rejects a pre-answer call. Only the receiver may decline.
func (m *Manager) Decline(ctx context.Context, actor *models.ConnectionSession, callID string) (*models.ActiveCall, error) {
	return m.rejectPreAnswer(ctx, actor, callID, models.CallDeclined, models.EndReasonDeclined, func(call *models.ActiveCall) error {
		if actor.UserID != call.ReceiverID {
			return models.NewError(models.ErrAuthorization, "only the receiver may decline")
		}
		return nil
	})
}

// Cancel withdraws a pre-answer call. Only the caller may cancel.
func (m *Manager) Cancel(ctx context.Context, actor *models.ConnectionSession, callID string) (*models.ActiveCall, error) {
	return m.rejectPreAnswer(ctx, actor, callID, models.CallCancelled, models.EndReasonCancelled, func(call *models.ActiveCall) error {
		if actor.UserID != call.CallerID {
			return models.NewError(models.ErrAuthorization, "only the caller may cancel")
		}
		return nil
	})
}

func (m *Manager) rejectPreAnswer(ctx context.Context, actor *models.ConnectionSession, callID string, to models.CallStatus, reason string, guard func(*models.ActiveCall) error) (*models.ActiveCall, error) {
	m.mu.Lock()
	entry, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrNotFound, "call %s not found", callID)
	}
	call := entry.call
	if err := guard(call); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if call.Status != models.CallInitiated && call.Status != models.CallRinging {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrConflict, "call %s is %s", callID, call.Status)
	}
	other := call.OtherParty(actor.UserID)
	m.mu.Unlock()

	snapshot := m.terminate(ctx, callID, to, reason)
	if snapshot != nil {
		m.sendTo(other, models.Event{Name: models.EventCallEnded, Payload: payloadFor(snapshot, reason)})
	}
	return snapshot, nil
}

func (m *Manager) endAs(ctx context.Context, actorID, callID, reason string, guard func(*models.ActiveCall) error) (*models.ActiveCall, error) {
	m.mu.Lock()
	entry, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrNotFound, "call %s not found", callID)
	}
	call := entry.call
	if err := guard(call); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if call.Status.Terminal() {
		m.mu.Unlock()
		return nil, models.NewError(models.ErrConflict, "call %s already %s", callID, call.Status)
	}
	to := models.CallMissed
	if !call.AnsweredAt.IsZero() {
		to = models.CallCompleted
	}
	other := call.OtherParty(actorID)
	m.mu.Unlock()

	snapshot := m.terminate(ctx, callID, to, reason)
	if snapshot == nil {
		return nil, models.NewError(models.ErrConflict, "call %s already ended", callID)
	}
	m.sendTo(other, models.Event{Name: models.EventCallEnded, Payload: payloadFor(snapshot, reason)})
	return snapshot, nil
}

// ringTimeout fires when the receiver never answered. A fire against a call
// that already reached a terminal state is a no-op.
func (m *Manager) ringTimeout(callID string) {
	ctx := context.Background()

	m.mu.Lock()
	entry, ok := m.calls[callID]
	if !ok || entry.call.Status != models.CallRinging {
		m.mu.Unlock()
		return
	}
	callerID, receiverID := entry.call.CallerID, entry.call.ReceiverID
	m.mu.Unlock()

	snapshot := m.terminate(ctx, callID, models.CallMissed, models.EndReasonNoAnswer)
	if snapshot == nil {
		return
	}
	timeout := models.Event{Name: models.EventCallTimeout, Payload: payloadFor(snapshot, models.EndReasonNoAnswer)}
	m.sendTo(callerID, timeout)
	m.sendTo(receiverID, timeout)
	m.notifyMissedCall(ctx, snapshot)
}

// HandleDisconnect ends the call a disconnecting connection was the active
// leg of. An old leg whose user already reconnected does not touch the call.
func (m *Manager) HandleDisconnect(ctx context.Context, session *models.ConnectionSession) {
	m.mu.Lock()
	callID, ok := m.byUser[session.UserID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry := m.calls[callID]
	call := entry.call
	isLeg := session.ConnectionID == call.CallerConnectionID ||
		(call.ReceiverConnectionID != "" && session.ConnectionID == call.ReceiverConnectionID)
	if !isLeg && call.Status == models.CallRinging && session.UserID == call.ReceiverID {
		// The receiver has no registered leg until answering; any of their
		// connections dropping pre-answer counts.
		isLeg = true
	}
	if !isLeg {
		m.mu.Unlock()
		return
	}
	// Disconnect resolves to COMPLETED once answered, MISSED before
	// answer, no matter which leg dropped.
	to := models.CallMissed
	if !call.AnsweredAt.IsZero() {
		to = models.CallCompleted
	}
	other := call.OtherParty(session.UserID)
	m.mu.Unlock()

	snapshot := m.terminate(ctx, callID, to, models.EndReasonDisconnect)
	if snapshot != nil {
		m.sendTo(other, models.Event{Name: models.EventCallEnded, Payload: payloadFor(snapshot, models.EndReasonDisconnect)})
	}
}

// SweepStale terminates every call that sat in its current phase past that
// phase's threshold. Returns the number of calls reclaimed.
func (m *Manager) SweepStale(ctx context.Context) int {
	now := m.nowFunc()

	m.mu.Lock()
	var ended []endedCall
	for userID := range m.byUser {
		ended = append(ended, m.expireStaleForUserLocked(userID, now)...)
	}
	m.mu.Unlock()

	m.finishEnded(ctx, ended)
	return len(ended)
}

type endedCall struct {
	snapshot *models.ActiveCall
	notify   []string
}

// expireStaleForUserLocked checks the user's non-terminal call against its
// phase threshold and, if stale, applies the terminal transition inline.
// Persistence and notification are returned for the caller to run after the
// lock is released.
func (m *Manager) expireStaleForUserLocked(userID string, now time.Time) []endedCall {
	callID, ok := m.byUser[userID]
	if !ok {
		return nil
	}
	entry := m.calls[callID]
	call := entry.call

	var wait time.Duration
	var since time.Time
	switch call.Status {
	case models.CallInitiated:
		wait, since = m.cfg.InitiatedStaleWait, call.StartTime
	case models.CallRinging:
		wait, since = m.cfg.RingingStaleWait, call.StartTime
	case models.CallAnswered:
		wait, since = m.cfg.AnsweredStaleWait, call.AnsweredAt
	default:
		return nil
	}
	if m.pressure {
		wait /= 2
	}
	if now.Sub(since) < wait {
		return nil
	}

	to := models.CallMissed
	if !call.AnsweredAt.IsZero() {
		to = models.CallCompleted
	}
	snapshot := m.terminateLocked(entry, to, models.EndReasonStale, now)
	m.logger.Warn("reclaimed stale call",
		"call_id", call.CallID,
		"final_status", to)
	return []endedCall{{snapshot: snapshot, notify: []string{call.CallerID, call.ReceiverID}}}
}

// finishEnded persists and announces terminations collected under the lock.
func (m *Manager) finishEnded(ctx context.Context, ended []endedCall) {
	for _, e := range ended {
		if err := m.log.UpdateStatus(ctx, e.snapshot); err != nil {
			m.logger.Error("call log update failed", "call_id", e.snapshot.CallID, "error", err)
		}
		ev := models.Event{Name: models.EventCallEnded, Payload: payloadFor(e.snapshot, e.snapshot.EndReason)}
		for _, userID := range e.notify {
			m.sendTo(userID, ev)
		}
	}
}

// terminate applies a terminal transition, persists it, and returns a
// snapshot, or nil when the call is already gone or terminal.
func (m *Manager) terminate(ctx context.Context, callID string, to models.CallStatus, reason string) *models.ActiveCall {
	m.mu.Lock()
	entry, ok := m.calls[callID]
	if !ok || entry.call.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	snapshot := m.terminateLocked(entry, to, reason, m.nowFunc())
	m.mu.Unlock()

	if err := m.log.UpdateStatus(ctx, snapshot); err != nil {
		m.logger.Error("call log update failed", "call_id", callID, "error", err)
	}
	return snapshot
}

// terminateLocked moves the call to a terminal state, cancels its timer, and
// removes every index entry. Callers persist and notify after unlocking.
func (m *Manager) terminateLocked(entry *callEntry, to models.CallStatus, reason string, now time.Time) *models.ActiveCall {
	call := entry.call
	call.Status = to
	call.EndReason = reason
	call.EndedAt = now
	stopTimerLocked(entry)

	delete(m.calls, call.CallID)
	if m.byUser[call.CallerID] == call.CallID {
		delete(m.byUser, call.CallerID)
	}
	if m.byUser[call.ReceiverID] == call.CallID {
		delete(m.byUser, call.ReceiverID)
	}

	m.metrics.ActiveCalls.Dec()
	m.metrics.CallTransitions.WithLabelValues(string(to)).Inc()

	cp := *call
	return &cp
}

func stopTimerLocked(entry *callEntry) {
	if entry.noAnswer != nil {
		entry.noAnswer.Stop()
		entry.noAnswer = nil
	}
}

// ActiveCallFor returns a snapshot of the user's non-terminal call.
func (m *Manager) ActiveCallFor(userID string) (*models.ActiveCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	cp := *m.calls[callID].call
	return &cp, true
}

// Count returns the number of non-terminal calls.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Stop cancels every pending timer. Used at shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.calls {
		stopTimerLocked(entry)
	}
}

func (m *Manager) snapshot(call *models.ActiveCall) *models.ActiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *call
	return &cp
}

func (m *Manager) sendTo(userID string, ev models.Event) {
	conn, ok := m.registry.Lookup(userID)
	if !ok {
		if m.relay != nil {
			m.relay.PublishEvent(context.Background(), userID, ev)
		}
		return
	}
	if err := conn.Send(ev); err != nil {
		m.logger.Debug("call event send failed", "user_id", userID, "event", ev.Name, "error", err)
	}
}

func (m *Manager) notifyMissedCall(ctx context.Context, call *models.ActiveCall) {
	err := m.push.Send(ctx, call.ReceiverID, models.PushNotification{
		Title:  "Missed call",
		Body:   string(call.CallType) + " call",
		ChatID: call.ChatID,
		CallID: call.CallID,
		Data:   map[string]any{"caller_id": call.CallerID},
	})
	if err != nil {
		m.logger.Warn("missed-call push failed", "call_id", call.CallID, "error", err)
	}
}

func payloadFor(call *models.ActiveCall, reason string) models.CallEventPayload {
	p := models.CallEventPayload{
		CallID:     call.CallID,
		ChatID:     call.ChatID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		CallType:   call.CallType,
		Status:     call.Status,
		Reason:     reason,
	}
	if d := call.Duration(); d > 0 {
		p.Duration = d.Seconds()
	}
	return p
}

func callFailedEvent(in InitiateInput, callerID, reason string) models.Event {
	return models.Event{
		Name: models.EventCallFailed,
		Payload: models.CallEventPayload{
			ChatID:     in.ChatID,
			CallerID:   callerID,
			ReceiverID: in.ReceiverID,
			CallType:   in.CallType,
			Status:     models.CallMissed,
			Reason:     reason,
		},
	}
}
