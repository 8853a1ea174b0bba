package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/careline/internal/proto"
)

// Option configures a Manager.
type Option func(*Manager)

// WithReconnect overrides the bounded-retry parameters.
func WithReconnect(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.attempts = attempts
		m.delay = delay
	}
}

// Manager establishes exactly one connection attempt per distinct
// (identity, token) pair. Re-invocation with unchanged credentials while a
// connection is open is a no-op returning the live connection.
type Manager struct {
	relayURL string
	attempts int
	delay    time.Duration

	mu       sync.Mutex
	conn     *Conn
	identity string
	token    string
}

func NewManager(relayURL string, opts ...Option) *Manager {
	m := &Manager{
		relayURL: relayURL,
		attempts: DefaultReconnectAttempts,
		delay:    DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the logical connection for identity. When called again with
// the same credentials and a live connection, it returns that connection
// unchanged. Changed credentials supersede: the old connection is closed
// before the new one is dialed.
func (m *Manager) Connect(identity, token string) (*Conn, error) {
	if identity == "" {
		return nil, fmt.Errorf("transport: identity required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.State() != StateClosed {
		if m.identity == identity && m.token == token {
			return m.conn, nil
		}
		m.conn.Close()
		m.conn = nil
	}

	c := &Conn{
		url:       m.relayURL,
		identity:  identity,
		token:     token,
		attempts:  m.attempts,
		delay:     m.delay,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     StateConnecting,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		subs:      make(map[chan proto.Envelope]struct{}),
		stateSubs: make(map[chan State]struct{}),
	}

	ws, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", m.relayURL, err)
	}
	if err := c.announce(ws); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("transport: announce: %w", err)
	}
	c.swapWS(ws)
	c.setState(StateOpen)

	go c.run()
	go c.writeLoop()

	m.conn = c
	m.identity = identity
	m.token = token
	return c, nil
}

// Disconnect closes the current connection, if any. On explicit logout no
// reconnection is attempted.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
