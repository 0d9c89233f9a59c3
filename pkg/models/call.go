package models

import "time"

// CallType distinguishes audio from video calls. Signaling treats both the
// same; the type only rides along in events and call logs.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallStatus is a state in the call signaling state machine.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallCompleted CallStatus = "completed"
	CallMissed    CallStatus = "missed"
	CallDeclined  CallStatus = "declined"
	CallCancelled CallStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallMissed, CallDeclined, CallCancelled:
		return true
	}
	return false
}

// End reasons recorded on terminal transitions.
const (
	EndReasonNoAnswer    = "no_answer"
	EndReasonUserOffline = "user_offline"
	EndReasonBusy        = "busy"
	EndReasonDeclined    = "declined"
	EndReasonCancelled   = "cancelled"
	EndReasonHangup      = "hangup"
	EndReasonDisconnect  = "disconnect"
	EndReasonStale       = "stale"
)

// ActiveCall is one non-terminal call session. A user appears as caller or
// receiver in at most one non-terminal ActiveCall at any instant.
type ActiveCall struct {
	CallID               string     `json:"call_id"`
	ChatID               string     `json:"chat_id"`
	CallerID             string     `json:"caller_id"`
	ReceiverID           string     `json:"receiver_id"`
	CallType             CallType   `json:"call_type"`
	Status               CallStatus `json:"status"`
	CallerConnectionID   string     `json:"caller_connection_id"`
	ReceiverConnectionID string     `json:"receiver_connection_id,omitempty"`
	StartTime            time.Time  `json:"start_time"`
	AnsweredAt           time.Time  `json:"answered_at,omitzero"`
	EndedAt              time.Time  `json:"ended_at,omitzero"`
	EndReason            string     `json:"end_reason,omitempty"`
}

// Duration returns the answered duration of the call, or zero if the call
// was never answered.
func (c *ActiveCall) Duration() time.Duration {
	if c.AnsweredAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.AnsweredAt)
}

// OtherParty returns the participant opposite to userID, or "" if userID is
// not a party to the call.
func (c *ActiveCall) OtherParty(userID string) string {
	switch userID {
	case c.CallerID:
		return c.ReceiverID
	case c.ReceiverID:
		return c.CallerID
	}
	return ""
}

// Involves reports whether userID is the caller or the receiver.
func (c *ActiveCall) Involves(userID string) bool {
	return userID == c.CallerID || userID == c.ReceiverID
}
