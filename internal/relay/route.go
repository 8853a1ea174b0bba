package relay

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/proto"
)

// route dispatches one inbound envelope from a client. Signaling events are
// forwarded verbatim to the named recipient with `from` rewritten to the
// authenticated sender; the relay never parses offer/answer/candidate
// payloads. Chat takes the confirmation path. Anything unrecognized is
// dropped with a log; a bad frame must never take down the loop.
func (s *Server) route(c *client, env proto.Envelope) {
	if env.Event == proto.EventUserOnline {
		s.handleAnnounce(c, env)
		return
	}

	from := c.identity()
	if from == "" {
		log.Printf("RELAY: %s from unannounced conn=%s, dropped", env.Event, c.connID)
		return
	}

	switch env.Event {
	case proto.EventCallUser:
		// Forwarded to the callee under the call-offer name, matching what
		// the callee's engine listens for.
		s.forward(from, env.To, proto.Envelope{
			Event:   proto.EventCallOffer,
			From:    from,
			Payload: env.Payload,
		})

	case proto.EventCallAnswer, proto.EventICECandidate, proto.EventCallEnd, proto.EventCallBusy:
		s.forward(from, env.To, proto.Envelope{
			Event:   env.Event,
			From:    from,
			Payload: env.Payload,
		})

	case proto.EventMessageSend:
		s.handleChatSend(c, from, env)

	default:
		log.Printf("RELAY: unknown event %q from %s, dropped", env.Event, from)
	}
}

// handleAnnounce binds the connection to its identity. When the token was
// bound to an identity at handshake, the announce must agree with it.
func (s *Server) handleAnnounce(c *client, env proto.Envelope) {
	var identity string
	if err := json.Unmarshal(env.Payload, &identity); err != nil || identity == "" {
		log.Printf("RELAY: bad self-online announce from conn=%s, dropped", c.connID)
		return
	}
	if c.boundIdentity != "" && identity != c.boundIdentity {
		log.Printf("RELAY: announce %q does not match token identity %q (conn=%s), closing", identity, c.boundIdentity, c.connID)
		c.closeWith(4401, "identity mismatch")
		return
	}
	if prev := c.identity(); prev != "" {
		if prev != identity {
			log.Printf("RELAY: conn=%s re-announced as %q (was %q), ignored", c.connID, identity, prev)
		}
		return
	}
	c.setIdentity(identity)
	s.register(c, identity)
}

func (s *Server) forward(from, to string, env proto.Envelope) {
	if to == "" {
		log.Printf("RELAY: %s from %s without recipient, dropped", env.Event, from)
		return
	}
	if !s.sendTo(to, env) {
		// Recipient offline: signaling is fire-and-forget, the sender's own
		// state machine (ring timeout, hangup) resolves the silence.
		log.Printf("RELAY: %s %s → %s undeliverable (offline)", env.Event, from, to)
	}
}

// handleChatSend confirms a chat message: assign the server id, echo the
// confirmed message to BOTH parties (the sender's echo drives optimistic
// reconciliation), and surface a notification to the recipient only.
func (s *Server) handleChatSend(c *client, from string, env proto.Envelope) {
	var msg proto.ChatSend
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		log.Printf("RELAY: malformed message:send from %s, dropped: %v", from, err)
		return
	}
	if msg.ConversationID == "" || msg.Body == "" || env.To == "" {
		s.sendTo(from, proto.Envelope{
			Event: proto.EventMessageError,
			Payload: proto.MarshalPayload(proto.ChatError{
				Error:         "message requires conversationId, body and recipient",
				CorrelationID: msg.CorrelationID,
			}),
		})
		return
	}

	confirmed := proto.ChatReceive{
		ConversationID:   msg.ConversationID,
		SenderID:         from,
		ServerAssignedID: uuid.NewString(),
		CorrelationID:    msg.CorrelationID,
		Body:             msg.Body,
		TS:               proto.NowMillis(),
	}
	echo := proto.Envelope{
		Event:   proto.EventMessageReceive,
		Payload: proto.MarshalPayload(confirmed),
	}

	s.sendTo(from, echo)
	delivered := s.sendTo(env.To, echo)
	if delivered {
		s.sendTo(env.To, proto.Envelope{
			Event: proto.EventNotification,
			Payload: proto.MarshalPayload(proto.Notification{
				Title:          "New message",
				Message:        msg.Body,
				ConversationID: msg.ConversationID,
			}),
		})
	} else {
		log.Printf("RELAY: message %s → %s dropped, recipient offline", from, env.To)
	}
}
