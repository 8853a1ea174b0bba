package app

import (
	"fmt"
	"log"
	"time"

	"github.com/careline/careline/internal/call"
	"github.com/careline/careline/internal/chat"
	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/storage"
	"github.com/careline/careline/internal/transport"
	"github.com/careline/careline/internal/util"
)

// Client is the assembled client runtime: one relay connection with the
// presence mirror, the call lifecycle, and the chat engine wired to it.
type Client struct {
	conn     *transport.Conn
	manager  *transport.Manager
	presence *presence.Tracker
	calls    *call.Manager
	chat     *chat.Engine
	db       *storage.DB

	stopStateWatch func()
}

// NewClient connects to the relay and wires every subsystem. On any failure
// everything already started is torn down.
func NewClient(dir string, cfg config.Config) (*Client, error) {
	identity, err := util.ValidateIdentity(cfg.Client.Identity)
	if err != nil {
		return nil, fmt.Errorf("client identity: %w", err)
	}

	db, err := storage.Open(util.ResolvePath(dir, cfg.Chat.StateDir))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	mgr := transport.NewManager(cfg.Client.RelayURL,
		transport.WithReconnect(cfg.Client.ReconnectAttempts,
			time.Duration(cfg.Client.ReconnectDelaySec)*time.Second))

	conn, err := mgr.Connect(identity, cfg.Client.Token)
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		manager:  mgr,
		presence: presence.NewTracker(conn),
		calls: call.NewManager(conn,
			call.WithRingTimeout(time.Duration(cfg.Call.RingTimeoutSec)*time.Second),
			call.WithSTUN(cfg.Call.STUNURL)),
		chat: chat.NewEngine(conn, identity, db,
			chat.WithNotificationHistory(cfg.Chat.NotificationHistory)),
		db:   db,
	}

	// When bounded reconnection gives up, the active call cannot carry on:
	// end it locally instead of leaving a half-open session.
	stateCh, cancel := conn.SubscribeState()
	c.stopStateWatch = cancel
	go func() {
		for s := range stateCh {
			if s == transport.StateClosed {
				c.calls.NotifyTransportLost()
				return
			}
		}
	}()

	log.Printf("APP [%s]: client connected to %s", identity, cfg.Client.RelayURL)
	return c, nil
}

// Presence returns the online-set mirror.
func (c *Client) Presence() *presence.Tracker { return c.presence }

// Calls returns the call lifecycle manager.
func (c *Client) Calls() *call.Manager { return c.calls }

// Chat returns the chat engine.
func (c *Client) Chat() *chat.Engine { return c.chat }

// Conn returns the underlying relay connection.
func (c *Client) Conn() *transport.Conn { return c.conn }

// Close releases everything. Safe to call once.
func (c *Client) Close() {
	c.stopStateWatch()
	c.calls.Close()
	c.chat.Close()
	c.presence.Stop()
	c.manager.Disconnect()
	c.db.Close()
}
