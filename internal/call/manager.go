package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/proto"
)

// DefaultRingTimeout bounds how long an unanswered offer rings before it is
// resolved as a decline.
const DefaultRingTimeout = 45 * time.Second

// ErrBusy is returned by StartCall while a session or a ringing offer exists.
var ErrBusy = errors.New("call: already in a session")

// Manager enforces the one-call-at-a-time policy and routes forwarded
// signaling to the single active Session. Incoming offers ring through
// OnIncoming; a second offer during activity gets a busy reply instead.
type Manager struct {
	sig         Signaler
	stunURL     string
	ringTimeout time.Duration
	ringer      *Ringer

	mu      sync.Mutex
	active  *Session
	pending *pendingOffer
	closed  bool

	cbMu       sync.RWMutex
	onIncoming []func(IncomingCall)
	onBusy     []func(remoteID string)

	cancelSub func()
	done      chan struct{}
}

// pendingOffer is a ringing offer that has not been accepted or declined.
// Candidates arriving during the ring are buffered here; no media or
// PeerConnection exists until Accept.
type pendingOffer struct {
	callerID   string
	offer      proto.SessionDescription
	candidates []webrtc.ICECandidateInit
	timer      *time.Timer
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRingTimeout overrides the unanswered-offer timeout.
func WithRingTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ringTimeout = d
		}
	}
}

// WithSTUN overrides the STUN server used for sessions.
func WithSTUN(url string) ManagerOption {
	return func(m *Manager) {
		if url != "" {
			m.stunURL = url
		}
	}
}

func NewManager(sig Signaler, opts ...ManagerOption) *Manager {
	m := &Manager{
		sig:         sig,
		stunURL:     defaultStunURL,
		ringTimeout: DefaultRingTimeout,
		ringer:      NewRinger(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	ch, cancel := sig.Subscribe()
	m.cancelSub = cancel
	go m.dispatchLoop(ch)
	return m
}

// OnIncoming registers a callback invoked for each ringing offer.
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.cbMu.Lock()
	m.onIncoming = append(m.onIncoming, fn)
	m.cbMu.Unlock()
}

// OnBusy registers a callback invoked when an outgoing offer is rejected
// with a busy signal.
func (m *Manager) OnBusy(fn func(remoteID string)) {
	m.cbMu.Lock()
	m.onBusy = append(m.onBusy, fn)
	m.cbMu.Unlock()
}

// Ringer exposes the ringtone stream for an audio sink.
func (m *Manager) Ringer() *Ringer { return m.ringer }

// Active returns the current session, nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartCall initiates a session to remoteID. At most one session (or ringing
// offer) exists at a time; a second is refused with ErrBusy, never queued.
func (m *Manager) StartCall(remoteID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("call: manager closed")
	}
	if m.active != nil || m.pending != nil {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(RoleInitiator, remoteID, m.sig, m.stunURL, m.sessionEnded)
	m.active = s
	m.mu.Unlock()

	if err := s.start(); err != nil {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// NotifyTransportLost ends the active call locally when the relay connection
// is gone for good. No call-end goes out; there is nothing to carry it.
func (m *Manager) NotifyTransportLost() {
	m.mu.Lock()
	s := m.active
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	if p != nil {
		p.timer.Stop()
		m.ringer.Stop()
		log.Printf("CALL [%s]: ring dropped, transport lost", p.callerID)
	}
	if s != nil {
		log.Printf("CALL [%s]: transport lost, ending session locally", s.RemoteID())
		s.handleRemoteEnd()
	}
}

// Close stops dispatch, the ringer, and any active session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	s := m.active
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.cancelSub()
	close(m.done)
	if p != nil {
		p.timer.Stop()
	}
	m.ringer.Stop()
	if s != nil {
		s.End()
	}
}

func (m *Manager) dispatchLoop(ch chan proto.Envelope) {
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env proto.Envelope) {
	switch env.Event {
	case proto.EventCallOffer:
		m.handleOffer(env)
	case proto.EventCallAnswer:
		m.handleAnswer(env)
	case proto.EventICECandidate:
		m.handleCandidate(env)
	case proto.EventCallEnd:
		m.handleEnd(env)
	case proto.EventCallBusy:
		m.handleBusy(env)
	}
}

func (m *Manager) handleOffer(env proto.Envelope) {
	var payload proto.CallOffer
	if err := json.Unmarshal(env.Payload, &payload); err != nil || env.From == "" {
		log.Printf("CALL: malformed offer from %q dropped", env.From)
		return
	}
	caller := env.From

	m.mu.Lock()
	if m.closed || m.active != nil || m.pending != nil {
		m.mu.Unlock()
		// Busy reply instead of silent ignore: the caller's UI can resolve
		// immediately rather than ringing out.
		_ = m.sig.Send(proto.Envelope{Event: proto.EventCallBusy, To: caller})
		log.Printf("CALL [%s]: offer refused, busy", caller)
		return
	}
	p := &pendingOffer{callerID: caller, offer: payload.Offer}
	p.timer = time.AfterFunc(m.ringTimeout, func() { m.ringTimedOut(p) })
	m.pending = p
	m.mu.Unlock()

	m.ringer.Start()
	log.Printf("CALL [%s]: ringing", caller)

	inc := IncomingCall{
		CallerID: caller,
		Accept:   func() (*Session, error) { return m.accept(p) },
		Decline:  func() { m.decline(p, true) },
	}
	m.cbMu.RLock()
	cbs := m.onIncoming
	m.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(inc)
	}
}

// accept resolves a ringing offer: media is acquired only now, and the
// candidates buffered during the ring are handed to the new session.
func (m *Manager) accept(p *pendingOffer) (*Session, error) {
	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return nil, fmt.Errorf("call: offer from %s no longer pending", p.callerID)
	}
	m.pending = nil
	early := p.candidates
	s := newSession(RoleResponder, p.callerID, m.sig, m.stunURL, m.sessionEnded)
	m.active = s
	m.mu.Unlock()

	p.timer.Stop()
	m.ringer.Stop()

	if err := s.accept(p.offer, early); err != nil {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// decline resolves a ringing offer without acquiring any media. The caller
// hears a call-end, same as a hangup.
func (m *Manager) decline(p *pendingOffer, notify bool) {
	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.mu.Unlock()

	p.timer.Stop()
	m.ringer.Stop()
	if notify {
		_ = m.sig.Send(proto.Envelope{Event: proto.EventCallEnd, To: p.callerID})
	}
	log.Printf("CALL [%s]: declined (notify=%v)", p.callerID, notify)
}

func (m *Manager) ringTimedOut(p *pendingOffer) {
	log.Printf("CALL [%s]: ring timeout", p.callerID)
	m.decline(p, true)
}

func (m *Manager) handleAnswer(env proto.Envelope) {
	var payload proto.CallAnswer
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Printf("CALL: malformed answer from %q dropped", env.From)
		return
	}

	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil || s.RemoteID() != env.From {
		log.Printf("CALL: answer from %q without matching offer ignored", env.From)
		return
	}
	s.handleAnswer(payload.Answer)
}

func (m *Manager) handleCandidate(env proto.Envelope) {
	var payload proto.ICECandidate
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}

	m.mu.Lock()
	if m.pending != nil && m.pending.callerID == env.From {
		// Ringing phase: no PeerConnection exists yet, buffer for accept.
		m.pending.candidates = append(m.pending.candidates, init)
		m.mu.Unlock()
		return
	}
	s := m.active
	m.mu.Unlock()

	if s == nil || s.RemoteID() != env.From {
		return
	}
	s.addRemoteCandidate(init)
}

func (m *Manager) handleEnd(env proto.Envelope) {
	m.mu.Lock()
	if m.pending != nil && m.pending.callerID == env.From {
		// Caller hung up while we were ringing.
		p := m.pending
		m.pending = nil
		m.mu.Unlock()
		p.timer.Stop()
		m.ringer.Stop()
		log.Printf("CALL [%s]: caller cancelled during ring", env.From)
		return
	}
	s := m.active
	m.mu.Unlock()

	if s == nil || s.RemoteID() != env.From {
		return
	}
	s.handleRemoteEnd()
}

func (m *Manager) handleBusy(env proto.Envelope) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil || s.RemoteID() != env.From || s.Role() != RoleInitiator {
		return
	}
	log.Printf("CALL [%s]: remote busy", env.From)
	s.handleRemoteEnd()

	m.cbMu.RLock()
	cbs := m.onBusy
	m.cbMu.RUnlock()
	for _, fn := range cbs {
		fn(env.From)
	}
}

// sessionEnded clears the active slot when a session tears down on any path.
func (m *Manager) sessionEnded(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}
