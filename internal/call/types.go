// Package call drives two-party media sessions: the offer/answer/ICE
// negotiation state machine and the lifecycle around it (ringing,
// accept/decline/busy, media acquisition with synthetic fallback, teardown).
// Coupling to the transport layer is via the Signaler interface only.
package call

import "github.com/careline/careline/internal/proto"

// Signaler is the only surface the call package needs from the transport.
// *transport.Conn satisfies it.
type Signaler interface {
	Send(env proto.Envelope) error
	Subscribe() (ch chan proto.Envelope, cancel func())
}

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswered
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Role distinguishes who produced the offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// IncomingCall is surfaced to the lifecycle layer for each ringing offer.
// Exactly one of Accept/Decline resolves it; the ring timeout resolves it
// as a decline if neither is called in time.
type IncomingCall struct {
	CallerID string
	Accept   func() (*Session, error)
	Decline  func()
}
