package proto

import (
	"encoding/json"
	"time"
)

// Event names on the relay wire. Client→relay events carry a `to` identity;
// the relay rewrites `from` with the authenticated sender before forwarding.
const (
	// presence
	EventUserOnline     = "user:online"     // client→relay: self-online announce
	EventPresenceUpdate = "presence:update" // relay→all: full online set

	// call signaling
	EventCallUser     = "call-user"     // client→relay: offer to callee
	EventCallOffer    = "call-offer"    // relay→callee: forwarded offer
	EventCallAnswer   = "call-answer"   // callee→relay→caller
	EventICECandidate = "ice-candidate" // either direction via relay
	EventCallEnd      = "call-end"      // end/decline signal
	EventCallBusy     = "call-busy"     // callee already in a session

	// chat
	EventMessageSend    = "message:send"
	EventMessageReceive = "message:receive"
	EventMessageError   = "message:error"

	// notifications
	EventNotification = "notification:new"
)

// Envelope is the unit of exchange with the relay. Payload stays opaque to
// the relay for forwarded events; it is decoded only at the edges.
type Envelope struct {
	Event   string          `json:"event"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionDescription mirrors the pion/browser SDP shape on the wire.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// CallOffer is the payload of call-user / call-offer.
type CallOffer struct {
	Offer SessionDescription `json:"offer"`
}

// CallAnswer is the payload of call-answer.
type CallAnswer struct {
	Answer SessionDescription `json:"answer"`
}

// ICECandidate is the payload of ice-candidate. Each locally gathered
// candidate travels individually; gathering is never batched.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ChatSend is the payload of message:send. CorrelationID is client-generated
// and echoed back so the sender can reconcile its optimistic copy without
// content matching.
type ChatSend struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// ChatReceive is the payload of message:receive, the server-confirmed
// message echoed to both parties.
type ChatReceive struct {
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	ServerAssignedID string `json:"serverAssignedId"`
	CorrelationID    string `json:"correlationId,omitempty"`
	Body             string `json:"body"`
	IsAI             bool   `json:"isAI,omitempty"`
	TS               int64  `json:"ts"`
}

// ChatError is the payload of message:error, sent to the sender only.
type ChatError struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Notification is the payload of notification:new, relay→recipient only.
type Notification struct {
	Title          string `json:"title"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// PresenceUpdate carries the full online set. Wholesale rebroadcast keeps
// clients eventually consistent even after missed events.
type PresenceUpdate struct {
	OnlineIdentities []string `json:"onlineIdentities"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// MarshalPayload wraps a payload struct for an Envelope.
func MarshalPayload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
