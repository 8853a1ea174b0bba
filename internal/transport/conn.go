// Package transport maintains the one persistent, authenticated event channel
// a client holds to the relay. It owns reconnection and hands envelopes to
// whoever subscribes; everything above it (presence, call, chat) is wired to
// a *Conn rather than reaching for shared global state.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/careline/internal/proto"
)

// State is the lifecycle of the logical connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// Bounded automatic reconnection: after these attempts the connection
	// reports closed and upstream components treat the user as offline.
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 1 * time.Second

	sendQueueSize = 128
)

// ErrClosed is returned by Send once the connection is closed for good.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one logical connection to the relay for one identity.
type Conn struct {
	url      string
	identity string
	token    string
	attempts int
	delay    time.Duration
	dialer   *websocket.Dialer

	mu    sync.RWMutex
	state State
	ws    *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	subMu     sync.RWMutex
	subs      map[chan proto.Envelope]struct{}
	stateSubs map[chan State]struct{}
	// Latest presence snapshot seen on the wire. The relay broadcasts one
	// on registration, often before any consumer has subscribed; replaying
	// it here lets late subscribers start from current state.
	lastPresence *proto.Envelope
}

// Identity returns the identity this connection announced.
func (c *Conn) Identity() string { return c.identity }

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.subMu.RLock()
	for ch := range c.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
	c.subMu.RUnlock()
}

// Subscribe returns a channel of inbound envelopes and a cancel func that
// guarantees unsubscription; every consumer must call cancel on teardown.
func (c *Conn) Subscribe() (ch chan proto.Envelope, cancel func()) {
	ch = make(chan proto.Envelope, 64)

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	if c.lastPresence != nil {
		ch <- *c.lastPresence
	}
	c.subMu.Unlock()

	cancel = func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// SubscribeState mirrors Subscribe for connection state transitions.
func (c *Conn) SubscribeState() (ch chan State, cancel func()) {
	ch = make(chan State, 8)

	c.subMu.Lock()
	c.stateSubs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel = func() {
		c.subMu.Lock()
		if _, ok := c.stateSubs[ch]; ok {
			delete(c.stateSubs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

// Send queues an envelope for transmission. The single writer goroutine
// preserves send order (FIFO per direction), which ICE delivery depends on.
func (c *Conn) Send(env proto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("transport: send queue full, %s dropped", env.Event)
	}
}

// Close ends the connection immediately. No reconnection is attempted after
// an explicit close. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.ws.Close()
		}
		c.mu.Unlock()
		c.setState(StateClosed)
	})
}

func (c *Conn) dial() (*websocket.Conn, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.token)
	ws, resp, err := c.dialer.Dial(c.url, hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// announce emits the self-online event so the relay registers presence.
// Written directly: it must be the first frame after every (re)connect.
func (c *Conn) announce(ws *websocket.Conn) error {
	env := proto.Envelope{
		Event:   proto.EventUserOnline,
		Payload: proto.MarshalPayload(c.identity),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) swapWS(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// writeLoop is the single writer; it survives reconnects by re-reading the
// current socket under the lock.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.mu.RLock()
			ws := c.ws
			open := c.state == StateOpen
			c.mu.RUnlock()
			if ws == nil || !open {
				// Connection is down; the frame is lost. Signaling above is
				// fire-and-forget and state machines resolve the silence.
				log.Printf("TRANSPORT [%s]: frame dropped while %s", c.identity, c.State())
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("TRANSPORT [%s]: write error: %v", c.identity, err)
			}
		}
	}
}

// run owns the socket: read until failure, then bounded redial with fixed
// backoff. Explicit Close exits immediately.
func (c *Conn) run() {
	for {
		c.readUntilError()

		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateReconnecting)
		log.Printf("TRANSPORT [%s]: connection lost, reconnecting", c.identity)

		if !c.redial() {
			log.Printf("TRANSPORT [%s]: reconnect attempts exhausted, going offline", c.identity)
			c.Close()
			return
		}
	}
}

func (c *Conn) readUntilError() {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("TRANSPORT [%s]: malformed frame dropped: %v", c.identity, err)
			continue
		}
		c.fanout(env)
	}
}

func (c *Conn) fanout(env proto.Envelope) {
	if env.Event == proto.EventPresenceUpdate {
		c.subMu.Lock()
		snapshot := env
		c.lastPresence = &snapshot
		c.subMu.Unlock()
	}
	c.subMu.RLock()
	for ch := range c.subs {
		select {
		case ch <- env:
		default:
		}
	}
	c.subMu.RUnlock()
}

// redial attempts the bounded reconnect sequence. Returns true when a new
// socket is live and announced.
func (c *Conn) redial() bool {
	for attempt := 1; attempt <= c.attempts; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(c.delay):
		}

		ws, err := c.dial()
		if err != nil {
			log.Printf("TRANSPORT [%s]: reconnect %d/%d failed: %v", c.identity, attempt, c.attempts, err)
			continue
		}
		if err := c.announce(ws); err != nil {
			_ = ws.Close()
			log.Printf("TRANSPORT [%s]: reconnect announce failed: %v", c.identity, err)
			continue
		}
		c.swapWS(ws)
		c.setState(StateOpen)
		log.Printf("TRANSPORT [%s]: reconnected (attempt %d)", c.identity, attempt)
		return true
	}
	return false
}
