package gateway

// Canonical inbound operations. Legacy wire names map onto these so client
// compatibility never leaks into the core logic.
const (
	opConnect         = "connect"
	opJoinChat        = "join_chat"
	opLeaveChat       = "leave_chat"
	opSendMessage     = "send_message"
	opMarkRead        = "mark_read"
	opReact           = "react"
	opTyping          = "typing"
	opInitiateCall    = "initiate_call"
	opAnswerCall      = "answer_call"
	opEndCall         = "end_call"
	opDeclineCall     = "decline_call"
	opCancelCall      = "cancel_call"
	opWebRTCOffer     = "webrtc_offer"
	opWebRTCAnswer    = "webrtc_answer"
	opWebRTCCandidate = "webrtc_ice_candidate"
	opPong            = "pong"
	opDisconnect      = "disconnect"
)

// opAliases maps legacy wire event names still emitted by older clients.
var opAliases = map[string]string{
	"message":     opSendMessage,
	"sendMessage": opSendMessage,
	"call_user":   opInitiateCall,
	"accept_call": opAnswerCall,
	"reject_call": opDeclineCall,
	"hangup":      opEndCall,
	"ice":         opWebRTCCandidate,
	"read":        opMarkRead,
	"reaction":    opReact,
}

// rateLimitActions names the budget consulted before each costly operation.
// Operations absent here are not rate limited.
var rateLimitActions = map[string]string{
	opSendMessage:     "send_message",
	opInitiateCall:    "initiate_call",
	opJoinChat:        "join_chat",
	opTyping:          "typing",
	opWebRTCOffer:     "webrtc",
	opWebRTCAnswer:    "webrtc",
	opWebRTCCandidate: "webrtc",
}

// canonicalOp resolves a wire op name to its canonical operation.
func canonicalOp(op string) string {
	if mapped, ok := opAliases[op]; ok {
		return mapped
	}
	return op
}
