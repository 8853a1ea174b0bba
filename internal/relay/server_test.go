package relay

import (
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/careline/internal/proto"
)

const testToken = "s3cret"

func newTestRelay(t *testing.T, auth Authenticator) (srv *Server, wsURL string) {
	t.Helper()
	if auth == nil {
		auth = NewSecretAuthenticator(testToken)
	}
	srv = New("127.0.0.1:0", auth)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialAs(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env proto.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func announce(t *testing.T, ws *websocket.Conn, identity string) {
	t.Helper()
	send(t, ws, proto.Envelope{
		Event:   proto.EventUserOnline,
		Payload: proto.MarshalPayload(identity),
	})
}

// expectEvent reads frames until one matches the wanted event, skipping
// interleaved presence traffic.
func expectEvent(t *testing.T, ws *websocket.Conn, event string) proto.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", event, err)
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("no %s event before deadline", event)
	return proto.Envelope{}
}

// expectPresence reads presence updates until the online set matches want.
func expectPresence(t *testing.T, ws *websocket.Conn, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last []string
	for time.Now().Before(deadline) {
		env := expectEvent(t, ws, proto.EventPresenceUpdate)
		var update proto.PresenceUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			t.Fatal(err)
		}
		last = update.OnlineIdentities
		if reflect.DeepEqual(last, want) {
			return
		}
	}
	t.Fatalf("presence never reached %v, last %v", want, last)
}

func TestPresenceLifecycle(t *testing.T) {
	srv, wsURL := newTestRelay(t, nil)

	alice := dialAs(t, wsURL, testToken)
	announce(t, alice, "alice")
	expectPresence(t, alice, []string{"alice"})

	bob := dialAs(t, wsURL, testToken)
	announce(t, bob, "bob")
	expectPresence(t, bob, []string{"alice", "bob"})
	expectPresence(t, alice, []string{"alice", "bob"})

	bob.Close()
	expectPresence(t, alice, []string{"alice"})

	if got := srv.OnlineIdentities(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("server online set %v", got)
	}
}

func TestSignalForwarding(t *testing.T) {
	_, wsURL := newTestRelay(t, nil)

	alice := dialAs(t, wsURL, testToken)
	announce(t, alice, "alice")
	bob := dialAs(t, wsURL, testToken)
	announce(t, bob, "bob")
	expectPresence(t, alice, []string{"alice", "bob"})

	t.Run("call-user forwarded as call-offer with rewritten from", func(t *testing.T) {
		offer := proto.CallOffer{Offer: proto.SessionDescription{Type: "offer", SDP: "v=0 fake"}}
		send(t, alice, proto.Envelope{
			Event:   proto.EventCallUser,
			To:      "bob",
			From:    "mallory", // must be ignored
			Payload: proto.MarshalPayload(offer),
		})

		env := expectEvent(t, bob, proto.EventCallOffer)
		if env.From != "alice" {
			t.Fatalf("expected from=alice, got %q", env.From)
		}
		var got proto.CallOffer
		if err := json.Unmarshal(env.Payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.Offer.SDP != "v=0 fake" {
			t.Fatalf("payload altered: %+v", got)
		}
	})

	t.Run("candidates travel individually in order", func(t *testing.T) {
		for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
			send(t, bob, proto.Envelope{
				Event:   proto.EventICECandidate,
				To:      "alice",
				Payload: proto.MarshalPayload(proto.ICECandidate{Candidate: c}),
			})
		}
		for _, want := range []string{"cand-1", "cand-2", "cand-3"} {
			env := expectEvent(t, alice, proto.EventICECandidate)
			var got proto.ICECandidate
			if err := json.Unmarshal(env.Payload, &got); err != nil {
				t.Fatal(err)
			}
			if got.Candidate != want {
				t.Fatalf("expected %s, got %s", want, got.Candidate)
			}
		}
	})

	t.Run("offline recipient is silent", func(t *testing.T) {
		send(t, alice, proto.Envelope{
			Event:   proto.EventCallEnd,
			To:      "nobody",
			Payload: proto.MarshalPayload(struct{}{}),
		})
		// No error comes back; the relay just logs. The connection stays
		// usable afterwards.
		send(t, alice, proto.Envelope{
			Event:   proto.EventCallBusy,
			To:      "bob",
			Payload: proto.MarshalPayload(struct{}{}),
		})
		env := expectEvent(t, bob, proto.EventCallBusy)
		if env.From != "alice" {
			t.Fatalf("expected from=alice, got %q", env.From)
		}
	})
}

func TestChatConfirmation(t *testing.T) {
	_, wsURL := newTestRelay(t, nil)

	alice := dialAs(t, wsURL, testToken)
	announce(t, alice, "alice")
	bob := dialAs(t, wsURL, testToken)
	announce(t, bob, "bob")
	expectPresence(t, alice, []string{"alice", "bob"})

	send(t, alice, proto.Envelope{
		Event: proto.EventMessageSend,
		To:    "bob",
		Payload: proto.MarshalPayload(proto.ChatSend{
			ConversationID: "conv-1",
			Body:           "hello bob",
			CorrelationID:  "corr-1",
		}),
	})

	var aliceEcho, bobEcho proto.ChatReceive
	env := expectEvent(t, alice, proto.EventMessageReceive)
	if err := json.Unmarshal(env.Payload, &aliceEcho); err != nil {
		t.Fatal(err)
	}
	env = expectEvent(t, bob, proto.EventMessageReceive)
	if err := json.Unmarshal(env.Payload, &bobEcho); err != nil {
		t.Fatal(err)
	}

	t.Run("both parties get the same confirmed message", func(t *testing.T) {
		if aliceEcho.ServerAssignedID == "" {
			t.Fatal("missing server id")
		}
		if aliceEcho.ServerAssignedID != bobEcho.ServerAssignedID {
			t.Fatalf("ids differ: %s vs %s", aliceEcho.ServerAssignedID, bobEcho.ServerAssignedID)
		}
		if aliceEcho.CorrelationID != "corr-1" {
			t.Fatalf("correlation lost: %+v", aliceEcho)
		}
		if aliceEcho.SenderID != "alice" || aliceEcho.Body != "hello bob" {
			t.Fatalf("unexpected echo: %+v", aliceEcho)
		}
	})

	t.Run("notification goes to the recipient only", func(t *testing.T) {
		env := expectEvent(t, bob, proto.EventNotification)
		var n proto.Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			t.Fatal(err)
		}
		if n.ConversationID != "conv-1" {
			t.Fatalf("unexpected notification: %+v", n)
		}

		// The sender must not get one. Trigger a presence change as a
		// sentinel: if a notification were queued for alice it would arrive
		// before the presence frame.
		carol := dialAs(t, wsURL, testToken)
		announce(t, carol, "carol")
		got := readUntil(t, alice, proto.EventPresenceUpdate)
		for _, e := range got {
			if e == proto.EventNotification {
				t.Fatal("sender received a notification")
			}
		}
	})

	t.Run("invalid send yields message:error to sender", func(t *testing.T) {
		send(t, alice, proto.Envelope{
			Event: proto.EventMessageSend,
			To:    "bob",
			Payload: proto.MarshalPayload(proto.ChatSend{
				ConversationID: "conv-1",
				Body:           "", // invalid
				CorrelationID:  "corr-2",
			}),
		})
		env := expectEvent(t, alice, proto.EventMessageError)
		var chErr proto.ChatError
		if err := json.Unmarshal(env.Payload, &chErr); err != nil {
			t.Fatal(err)
		}
		if chErr.CorrelationID != "corr-2" || chErr.Error == "" {
			t.Fatalf("unexpected error payload: %+v", chErr)
		}
	})
}

// readUntil collects event names until the sentinel event arrives.
func readUntil(t *testing.T, ws *websocket.Conn, sentinel string) []string {
	t.Helper()
	var events []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		events = append(events, env.Event)
		if env.Event == sentinel {
			return events
		}
	}
	t.Fatalf("sentinel %s never arrived", sentinel)
	return nil
}

func TestSupersedeStaleConnection(t *testing.T) {
	srv, wsURL := newTestRelay(t, nil)

	first := dialAs(t, wsURL, testToken)
	announce(t, first, "alice")
	expectPresence(t, first, []string{"alice"})

	second := dialAs(t, wsURL, testToken)
	announce(t, second, "alice")
	expectPresence(t, second, []string{"alice"})

	// The first connection is closed by the relay.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The identity stays online exactly once, owned by the successor.
	if got := srv.OnlineIdentities(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("online set %v", got)
	}

	// And the successor still works.
	bob := dialAs(t, wsURL, testToken)
	announce(t, bob, "bob")
	send(t, bob, proto.Envelope{
		Event:   proto.EventCallUser,
		To:      "alice",
		Payload: proto.MarshalPayload(proto.CallOffer{Offer: proto.SessionDescription{Type: "offer", SDP: "x"}}),
	})
	env := expectEvent(t, second, proto.EventCallOffer)
	if env.From != "bob" {
		t.Fatalf("expected from=bob, got %q", env.From)
	}
}

func TestAuthRejection(t *testing.T) {
	t.Run("bad token refused at handshake", func(t *testing.T) {
		_, wsURL := newTestRelay(t, nil)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=wrong", nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != 401 {
			t.Fatalf("expected 401, got %+v", resp)
		}
	})

	t.Run("announce must match token-bound identity", func(t *testing.T) {
		auth := NewSecretAuthenticator()
		auth.SetEntries([]SecretEntry{{Token: testToken, Identity: "alice"}})
		srv, wsURL := newTestRelay(t, auth)

		ws := dialAs(t, wsURL, testToken)
		announce(t, ws, "mallory")

		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		if len(srv.OnlineIdentities()) != 0 {
			t.Fatalf("mismatched announce must not register: %v", srv.OnlineIdentities())
		}
	})
}

func TestMalformedFramesAreTolerated(t *testing.T) {
	_, wsURL := newTestRelay(t, nil)

	ws := dialAs(t, wsURL, testToken)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	send(t, ws, proto.Envelope{Event: "bogus:event", To: "x"})

	// The connection survives both and still registers normally.
	announce(t, ws, "alice")
	expectPresence(t, ws, []string{"alice"})
}

func TestUnannouncedConnCannotSignal(t *testing.T) {
	_, wsURL := newTestRelay(t, nil)

	alice := dialAs(t, wsURL, testToken)
	announce(t, alice, "alice")
	expectPresence(t, alice, []string{"alice"})

	ghost := dialAs(t, wsURL, testToken)
	send(t, ghost, proto.Envelope{
		Event:   proto.EventCallUser,
		To:      "alice",
		Payload: proto.MarshalPayload(proto.CallOffer{Offer: proto.SessionDescription{Type: "offer", SDP: "x"}}),
	})

	// Nothing reaches alice; a presence sentinel proves the pipe is clear.
	bob := dialAs(t, wsURL, testToken)
	announce(t, bob, "bob")
	events := readUntil(t, alice, proto.EventPresenceUpdate)
	for _, e := range events {
		if e == proto.EventCallOffer {
			t.Fatal("unannounced connection managed to signal")
		}
	}
}
