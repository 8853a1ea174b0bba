// Package relay implements the authenticated websocket endpoint that carries
// presence, call signaling, and chat between exactly the two named parties of
// each exchange. The relay forwards signaling payloads verbatim; it never
// inspects or alters media.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/careline/careline/internal/proto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator validates the token presented at connection time. It may
// return the identity bound to the token; an empty identity means the relay
// trusts the client's self-online announce (the legacy behavior).
type Authenticator interface {
	Authenticate(token string) (identity string, err error)
}

// SecretEntry is one accepted credential. An empty Identity leaves the
// token unbound; any announce is accepted on it.
type SecretEntry struct {
	Token    string
	Identity string
}

// SecretAuthenticator accepts any token equal to one of the configured
// secrets. The entry set can be swapped at runtime (secret file hot reload);
// a swap never affects already-established connections.
type SecretAuthenticator struct {
	mu      sync.RWMutex
	entries []SecretEntry
}

func NewSecretAuthenticator(tokens ...string) *SecretAuthenticator {
	a := &SecretAuthenticator{}
	for _, t := range tokens {
		a.entries = append(a.entries, SecretEntry{Token: t})
	}
	return a
}

func (a *SecretAuthenticator) Authenticate(token string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		if e.Token != "" && token == e.Token {
			return e.Identity, nil
		}
	}
	return "", errors.New("invalid token")
}

// SetEntries replaces the accepted credential set.
func (a *SecretAuthenticator) SetEntries(entries []SecretEntry) {
	a.mu.Lock()
	a.entries = append([]SecretEntry(nil), entries...)
	a.mu.Unlock()
}

// Server is the relay service. Each authenticated client holds one logical
// connection; a reconnect for the same identity supersedes the stale one.
type Server struct {
	addr string
	auth Authenticator

	srv *http.Server
	ln  net.Listener

	mu      sync.RWMutex
	clients map[string]*client // identity -> live connection
}

func New(addr string, auth Authenticator) *Server {
	return &Server{
		addr:    addr,
		auth:    auth,
		clients: make(map[string]*client),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start begins serving on the configured address. It returns once the
// listener is bound; the server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("RELAY: serve error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address (useful when addr was ":0").
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	boundIdentity, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		log.Printf("RELAY: rejected connection from %s: %v", r.RemoteAddr, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade error: %v", err)
		return
	}

	c := &client{
		connID:        uuid.NewString(),
		srv:           s,
		conn:          conn,
		boundIdentity: boundIdentity,
		send:          make(chan []byte, sendQueueSize),
	}

	log.Printf("RELAY: connected conn=%s from %s", c.connID, r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// register binds a connection to an identity once the self-online announce
// arrives. A live connection for the same identity is superseded, never
// layered: the invariant is at most one entry per identity.
func (s *Server) register(c *client, identity string) {
	s.mu.Lock()
	stale := s.clients[identity]
	s.clients[identity] = c
	s.mu.Unlock()

	if stale != nil && stale != c {
		log.Printf("RELAY: superseding stale connection for %s (conn=%s)", identity, stale.connID)
		stale.closeWith(websocket.ClosePolicyViolation, "superseded by newer connection")
	}

	log.Printf("RELAY: %s online (conn=%s)", identity, c.connID)
	s.broadcastPresence()
}

// unregister removes the identity mapping if this connection still owns it.
// A superseded connection must not knock its successor offline.
func (s *Server) unregister(c *client) {
	identity := c.identity()
	if identity == "" {
		return
	}

	s.mu.Lock()
	owned := s.clients[identity] == c
	if owned {
		delete(s.clients, identity)
	}
	s.mu.Unlock()

	if owned {
		log.Printf("RELAY: %s offline (conn=%s)", identity, c.connID)
		s.broadcastPresence()
	}
}

// OnlineIdentities returns the current presence set, sorted.
func (s *Server) OnlineIdentities() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// broadcastPresence pushes the full online set to every open connection.
// Full-set semantics, not deltas: a client that missed an event self-corrects
// on the next broadcast.
func (s *Server) broadcastPresence() {
	update := proto.Envelope{
		Event:   proto.EventPresenceUpdate,
		Payload: proto.MarshalPayload(proto.PresenceUpdate{OnlineIdentities: s.OnlineIdentities()}),
	}
	data, err := json.Marshal(update)
	if err != nil {
		log.Printf("RELAY: presence marshal error: %v", err)
		return
	}

	s.mu.RLock()
	for _, c := range s.clients {
		c.enqueue(data)
	}
	s.mu.RUnlock()
}

func (s *Server) lookup(identity string) (*client, bool) {
	s.mu.RLock()
	c, ok := s.clients[identity]
	s.mu.RUnlock()
	return c, ok
}

// sendTo marshals env and queues it on the recipient's connection, if any.
// Returns false when the recipient holds no open connection.
func (s *Server) sendTo(identity string, env proto.Envelope) bool {
	c, ok := s.lookup(identity)
	if !ok {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("RELAY: marshal error for %s: %v", env.Event, err)
		return false
	}
	c.enqueue(data)
	return true
}
