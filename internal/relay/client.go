package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careline/careline/internal/proto"
)

// client is one websocket connection on the relay. The write pump is the
// single writer, draining an ordered queue; that is what gives FIFO
// delivery per direction.
type client struct {
	connID string
	srv    *Server
	conn   *websocket.Conn

	// boundIdentity is non-empty when the authenticator derived the identity
	// from the token; the self-online announce must then match it.
	boundIdentity string

	mu sync.RWMutex
	id string // set by the self-online announce

	send      chan []byte
	closeOnce sync.Once
}

func (c *client) identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *client) setIdentity(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// enqueue queues data for the write pump. A slow consumer loses the frame
// rather than blocking the relay; presence rebroadcasts repair the gap.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("RELAY: dropping frame for conn=%s (queue full)", c.connID)
	}
}

func (c *client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

func (c *client) readPump() {
	defer func() {
		c.srv.unregister(c)
		c.closeWith(websocket.CloseNormalClosure, "")
		log.Printf("RELAY: disconnected conn=%s identity=%q", c.connID, c.identity())
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("RELAY: malformed envelope from conn=%s, dropped: %v", c.connID, err)
			continue
		}
		c.srv.route(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
