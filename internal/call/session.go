package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/proto"
)

// Session represents one two-party media negotiation. It exclusively owns
// its PeerConnection and local media stream; both are released exactly once
// on every exit path.
type Session struct {
	remoteID string
	role     Role
	sig      Signaler
	stunURL  string

	mu        sync.Mutex
	state     State
	pc        *webrtc.PeerConnection
	media     *localMedia
	remoteSet bool
	// Candidates that arrived before the remote description was applied are
	// buffered here and flushed after SetRemoteDescription succeeds.
	queued  []webrtc.ICECandidateInit
	audioOn bool

	onEnded func(*Session)

	stateMu   sync.RWMutex
	stateSubs []chan State
}

func newSession(role Role, remoteID string, sig Signaler, stunURL string, onEnded func(*Session)) *Session {
	return &Session{
		remoteID: remoteID,
		role:     role,
		sig:      sig,
		stunURL:  stunURL,
		state:    StateIdle,
		audioOn:  true,
		onEnded:  onEnded,
	}
}

// RemoteID returns the other party's identity.
func (s *Session) RemoteID() string { return s.remoteID }

// Role returns the negotiation role.
func (s *Session) Role() Role { return s.role }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeState returns a channel of state transitions and a cancel func.
func (s *Session) SubscribeState() (ch chan State, cancel func()) {
	ch = make(chan State, 8)
	s.stateMu.Lock()
	s.stateSubs = append(s.stateSubs, ch)
	s.stateMu.Unlock()

	cancel = func() {
		s.stateMu.Lock()
		for i, sub := range s.stateSubs {
			if sub == ch {
				s.stateSubs = append(s.stateSubs[:i], s.stateSubs[i+1:]...)
				close(ch)
				break
			}
		}
		s.stateMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next

	s.stateMu.RLock()
	for _, ch := range s.stateSubs {
		select {
		case ch <- next:
		default:
		}
	}
	s.stateMu.RUnlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

// installCallbacks registers the ICE and track callbacks. Must run before
// SetLocalDescription so no gathered candidate is missed.
func (s *Session) installCallbacks(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		// Each candidate travels individually as it is discovered; gathering
		// is never batched.
		init := c.ToJSON()
		err := s.sig.Send(proto.Envelope{
			Event: proto.EventICECandidate,
			To:    s.remoteID,
			Payload: proto.MarshalPayload(proto.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			}),
		})
		if err != nil {
			log.Printf("CALL [%s]: candidate send failed: %v", s.remoteID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track %s (%s)", s.remoteID, track.ID(), track.Kind())
		s.mu.Lock()
		// Media is flowing: the negotiation is live on both sides.
		if s.state == StateAnswered || s.state == StateOffering {
			s.setStateLocked(StateConnected)
		}
		s.mu.Unlock()
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: pc state %s", s.remoteID, cs)
		if cs == webrtc.PeerConnectionStateFailed {
			// Negotiation failure: no automatic retry, the session ends and
			// releases its resources; the user re-initiates.
			s.teardown(false)
		}
	})
}

// start runs the initiator path: acquire media, produce the offer, transmit
// it, and move to offering.
func (s *Session) start() error {
	pc, media, err := initMediaPC(s.remoteID, s.stunURL)
	if err != nil {
		return fmt.Errorf("media setup: %w", err)
	}
	s.installCallbacks(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		media.stopTracks()
		_ = pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		media.stopTracks()
		_ = pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	s.mu.Lock()
	s.pc = pc
	s.media = media
	s.setStateLocked(StateOffering)
	s.mu.Unlock()

	err = s.sig.Send(proto.Envelope{
		Event: proto.EventCallUser,
		To:    s.remoteID,
		Payload: proto.MarshalPayload(proto.CallOffer{
			Offer: proto.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
		}),
	})
	if err != nil {
		s.teardown(false)
		return fmt.Errorf("send offer: %w", err)
	}

	log.Printf("CALL [%s]: offering (%s media)", s.remoteID, media.kind())
	return nil
}

// accept runs the responder path: the stored offer becomes the remote
// description, early candidates are flushed, and the answer goes back.
func (s *Session) accept(offer proto.SessionDescription, early []webrtc.ICECandidateInit) error {
	pc, media, err := initMediaPC(s.remoteID, s.stunURL)
	if err != nil {
		return fmt.Errorf("media setup: %w", err)
	}
	s.installCallbacks(pc)

	s.mu.Lock()
	s.pc = pc
	s.media = media
	s.queued = append(s.queued, early...)
	s.mu.Unlock()

	if err := s.applyRemoteDescription(offer); err != nil {
		s.teardown(false)
		return fmt.Errorf("apply offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.teardown(false)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.teardown(false)
		return fmt.Errorf("set local description: %w", err)
	}

	err = s.sig.Send(proto.Envelope{
		Event: proto.EventCallAnswer,
		To:    s.remoteID,
		Payload: proto.MarshalPayload(proto.CallAnswer{
			Answer: proto.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
		}),
	})
	if err != nil {
		s.teardown(false)
		return fmt.Errorf("send answer: %w", err)
	}

	s.setState(StateAnswered)
	log.Printf("CALL [%s]: accepted (%s media)", s.remoteID, media.kind())
	return nil
}

// handleAnswer applies the forwarded answer on the initiator side.
func (s *Session) handleAnswer(answer proto.SessionDescription) {
	s.mu.Lock()
	if s.state != StateOffering {
		s.mu.Unlock()
		log.Printf("CALL [%s]: answer in state %s ignored", s.remoteID, s.state)
		return
	}
	s.mu.Unlock()

	if err := s.applyRemoteDescription(answer); err != nil {
		log.Printf("CALL [%s]: apply answer failed: %v", s.remoteID, err)
		s.teardown(true)
		return
	}
	s.setState(StateAnswered)
}

// applyRemoteDescription sets the remote description and flushes every
// candidate that arrived early. Signaling for a session applies in arrival
// order, so the flush preserves the queue order.
func (s *Session) applyRemoteDescription(desc proto.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no peer connection")
	}

	sdpType := webrtc.NewSDPType(desc.Type)
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: flushed candidate rejected: %v", s.remoteID, err)
		}
	}
	if len(queued) > 0 {
		log.Printf("CALL [%s]: flushed %d early candidates", s.remoteID, len(queued))
	}
	return nil
}

// addRemoteCandidate applies a forwarded candidate, buffering it when the
// remote description is not yet set. Early candidates are never dropped.
func (s *Session) addRemoteCandidate(init webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet || s.pc == nil {
		s.queued = append(s.queued, init)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: candidate rejected: %v", s.remoteID, err)
	}
}

// QueuedCandidates reports how many candidates await the remote description.
func (s *Session) QueuedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// ToggleMute disables or re-enables the local audio track without
// renegotiation. Returns the new muted state (true = muted).
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	media := s.media
	s.mu.Unlock()

	if media != nil {
		if err := media.setAudioEnabled(!muted); err != nil {
			log.Printf("CALL [%s]: mute toggle failed: %v", s.remoteID, err)
		}
	}
	log.Printf("CALL [%s]: audio muted=%v", s.remoteID, muted)
	return muted
}

// Muted reports whether local audio is currently disabled.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.audioOn
}

// End tears the session down and notifies the remote party. Idempotent:
// ending an already-ended session is a no-op.
func (s *Session) End() {
	s.teardown(true)
}

// handleRemoteEnd mirrors End without echoing a signal back to a party that
// already hung up.
func (s *Session) handleRemoteEnd() {
	s.teardown(false)
}

func (s *Session) teardown(notify bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateEnded)
	pc := s.pc
	media := s.media
	s.pc = nil
	s.media = nil
	s.queued = nil
	s.mu.Unlock()

	if notify {
		_ = s.sig.Send(proto.Envelope{Event: proto.EventCallEnd, To: s.remoteID})
	}
	if media != nil {
		media.stopTracks()
	}
	if pc != nil {
		_ = pc.Close()
	}

	log.Printf("CALL [%s]: ended (notify=%v)", s.remoteID, notify)
	if s.onEnded != nil {
		s.onEnded(s)
	}
}
