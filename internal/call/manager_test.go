package call

import (
	"sync"
	"testing"
	"time"

	"github.com/careline/careline/internal/proto"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []proto.Envelope
	ch   chan proto.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan proto.Envelope, 32)}
}

func (f *fakeSignaler) Send(env proto.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe() (chan proto.Envelope, func()) {
	return f.ch, func() {}
}

func (f *fakeSignaler) sentTo(event, to string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.sent {
		if env.Event == event && env.To == to {
			return true
		}
	}
	return false
}

func (f *fakeSignaler) offer(from string) proto.Envelope {
	return proto.Envelope{
		Event:   proto.EventCallOffer,
		From:    from,
		Payload: proto.MarshalPayload(proto.CallOffer{Offer: proto.SessionDescription{Type: "offer", SDP: "v=0 fake"}}),
	}
}

func waitCond(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", desc)
}

func TestIncomingOfferRings(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig)
	defer m.Close()

	var (
		mu  sync.Mutex
		inc *IncomingCall
	)
	m.OnIncoming(func(c IncomingCall) {
		mu.Lock()
		inc = &c
		mu.Unlock()
	})

	sig.ch <- sig.offer("dr-lee")

	waitCond(t, "incoming callback fired", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inc != nil
	})
	mu.Lock()
	got := *inc
	mu.Unlock()
	if got.CallerID != "dr-lee" {
		t.Fatalf("caller %q", got.CallerID)
	}
	if !m.Ringer().Playing() {
		t.Fatal("ringer must play while ringing")
	}

	t.Run("outgoing refused while ringing", func(t *testing.T) {
		if _, err := m.StartCall("someone"); err != ErrBusy {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
	})

	t.Run("second offer gets a busy reply", func(t *testing.T) {
		sig.ch <- sig.offer("nurse-kim")
		waitCond(t, "busy sent to nurse-kim", func() bool {
			return sig.sentTo(proto.EventCallBusy, "nurse-kim")
		})
		// The first call still rings, unaffected.
		if !m.Ringer().Playing() {
			t.Fatal("original ring must survive the busy reply")
		}
	})

	t.Run("decline resolves without media", func(t *testing.T) {
		got.Decline()
		waitCond(t, "call-end sent to dr-lee", func() bool {
			return sig.sentTo(proto.EventCallEnd, "dr-lee")
		})
		if m.Ringer().Playing() {
			t.Fatal("ringer must stop on decline")
		}
		if m.Active() != nil {
			t.Fatal("decline must not create a session")
		}
	})

	t.Run("next offer rings again after decline", func(t *testing.T) {
		mu.Lock()
		inc = nil
		mu.Unlock()
		sig.ch <- sig.offer("dr-lee")
		waitCond(t, "second ring", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return inc != nil
		})
	})
}

func TestRingTimeoutResolvesAsDecline(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig, WithRingTimeout(40*time.Millisecond))
	defer m.Close()

	sig.ch <- sig.offer("dr-lee")

	waitCond(t, "ringing", func() bool { return m.Ringer().Playing() })
	waitCond(t, "timeout call-end", func() bool {
		return sig.sentTo(proto.EventCallEnd, "dr-lee")
	})
	if m.Ringer().Playing() {
		t.Fatal("ringer must stop on timeout")
	}

	// The slot is free again.
	sig.ch <- sig.offer("nurse-kim")
	waitCond(t, "rings after timeout", func() bool { return m.Ringer().Playing() })
}

func TestCallerCancelDuringRing(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig)
	defer m.Close()

	sig.ch <- sig.offer("dr-lee")
	waitCond(t, "ringing", func() bool { return m.Ringer().Playing() })

	// Candidates arriving during the ring are absorbed, not fatal.
	mid := "0"
	var idx uint16
	sig.ch <- proto.Envelope{
		Event:   proto.EventICECandidate,
		From:    "dr-lee",
		Payload: proto.MarshalPayload(proto.ICECandidate{Candidate: "cand-1", SDPMid: &mid, SDPMLineIndex: &idx}),
	}

	sig.ch <- proto.Envelope{Event: proto.EventCallEnd, From: "dr-lee"}
	waitCond(t, "ring stops on cancel", func() bool { return !m.Ringer().Playing() })

	// No call-end echoes back to a caller who already hung up.
	if sig.sentTo(proto.EventCallEnd, "dr-lee") {
		t.Fatal("cancel must not be answered with call-end")
	}
}

func TestBusyFromUnrelatedPartyIgnored(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig)
	defer m.Close()

	var busyFrom string
	var mu sync.Mutex
	m.OnBusy(func(remoteID string) {
		mu.Lock()
		busyFrom = remoteID
		mu.Unlock()
	})

	sig.ch <- proto.Envelope{Event: proto.EventCallBusy, From: "stranger"}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if busyFrom != "" {
		t.Fatalf("busy without an outgoing offer must be ignored, got %q", busyFrom)
	}
}

func TestMalformedSignalingDropped(t *testing.T) {
	sig := newFakeSignaler()
	m := NewManager(sig)
	defer m.Close()

	sig.ch <- proto.Envelope{Event: proto.EventCallOffer, From: "dr-lee", Payload: []byte("{broken")}
	sig.ch <- proto.Envelope{Event: proto.EventCallAnswer, From: "dr-lee", Payload: []byte("{broken")}
	sig.ch <- proto.Envelope{Event: proto.EventICECandidate, From: "dr-lee", Payload: []byte("{broken")}

	time.Sleep(50 * time.Millisecond)
	if m.Ringer().Playing() {
		t.Fatal("malformed offer must not ring")
	}
	if m.Active() != nil {
		t.Fatal("no session should exist")
	}
}
