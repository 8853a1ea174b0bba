package chat

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/proto"
	"github.com/careline/careline/internal/util"
)

// DefaultNotificationHistory is the number of notifications kept in memory.
const DefaultNotificationHistory = 100

// Relay is the surface the chat engine needs from the transport.
// *transport.Conn satisfies it.
type Relay interface {
	Send(env proto.Envelope) error
	Subscribe() (ch chan proto.Envelope, cancel func())
}

// MuteStore persists which conversations have notifications muted.
// *storage.DB satisfies it.
type MuteStore interface {
	SetMuted(conversationID string, muted bool) error
	MutedConversations() ([]string, error)
}

// Engine keeps per-conversation transcripts consistent across optimistic
// sends and server echoes. A sent message appears immediately as pending and
// is replaced in place when its echo arrives; the transcript never shows the
// same message twice.
type Engine struct {
	relay  Relay
	selfID string
	mutes  MuteStore

	mu sync.RWMutex
	// transcripts by conversation, append-ordered
	convos map[string][]*Message
	// server IDs already applied, for echo dedupe
	seen  map[string]struct{}
	muted map[string]struct{}

	notifications *util.RingBuffer[proto.Notification]

	subMu     sync.Mutex
	msgSubs   []chan Message
	notifSubs []chan proto.Notification

	cancelSub func()
	done      chan struct{}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithNotificationHistory overrides the notification ring capacity.
func WithNotificationHistory(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.notifications = util.NewRingBuffer[proto.Notification](n)
		}
	}
}

// NewEngine builds the engine and starts consuming relay events. The
// persisted mute set is loaded up front; a store read failure degrades to an
// empty set rather than blocking startup.
func NewEngine(relay Relay, selfID string, mutes MuteStore, opts ...EngineOption) *Engine {
	e := &Engine{
		relay:         relay,
		selfID:        selfID,
		mutes:         mutes,
		convos:        make(map[string][]*Message),
		seen:          make(map[string]struct{}),
		muted:         make(map[string]struct{}),
		notifications: util.NewRingBuffer[proto.Notification](DefaultNotificationHistory),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if mutes != nil {
		ids, err := mutes.MutedConversations()
		if err != nil {
			log.Printf("CHAT: mute set load failed: %v", err)
		}
		for _, id := range ids {
			e.muted[id] = struct{}{}
		}
	}

	ch, cancel := relay.Subscribe()
	e.cancelSub = cancel
	go e.dispatchLoop(ch)
	return e
}

// Close stops event consumption.
func (e *Engine) Close() {
	e.cancelSub()
	close(e.done)
}

// Send transmits body to recipientID and inserts the optimistic pending copy
// into the transcript. The returned message carries the correlation ID the
// server echo will reconcile against.
func (e *Engine) Send(conversationID, recipientID, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, errors.New("chat: empty message body")
	}
	if conversationID == "" || recipientID == "" {
		return Message{}, errors.New("chat: conversation and recipient required")
	}

	msg := &Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Body:           body,
		State:          StatePending,
		Timestamp:      proto.NowMillis(),
	}

	err := e.relay.Send(proto.Envelope{
		Event: proto.EventMessageSend,
		To:    recipientID,
		Payload: proto.MarshalPayload(proto.ChatSend{
			ConversationID: conversationID,
			Body:           body,
			CorrelationID:  msg.CorrelationID,
		}),
	})
	if err != nil {
		// The copy still lands in the transcript, marked failed, so the user
		// sees what didn't go out.
		msg.State = StateFailed
	}

	e.mu.Lock()
	e.convos[conversationID] = append(e.convos[conversationID], msg)
	e.mu.Unlock()
	e.notifyMessage(*msg)

	if err != nil {
		return *msg, err
	}
	log.Printf("CHAT [%s]: sent (corr %s)", conversationID, msg.CorrelationID)
	return *msg, nil
}

// History returns a copy of the conversation transcript, oldest first.
func (e *Engine) History(conversationID string) []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	msgs := e.convos[conversationID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// ToggleMute flips notification muting for a conversation and persists the
// new state. Returns the resulting muted flag.
func (e *Engine) ToggleMute(conversationID string) (bool, error) {
	e.mu.Lock()
	_, was := e.muted[conversationID]
	if was {
		delete(e.muted, conversationID)
	} else {
		e.muted[conversationID] = struct{}{}
	}
	nowMuted := !was
	e.mu.Unlock()

	if e.mutes != nil {
		if err := e.mutes.SetMuted(conversationID, nowMuted); err != nil {
			return nowMuted, err
		}
	}
	log.Printf("CHAT [%s]: muted=%v", conversationID, nowMuted)
	return nowMuted, nil
}

// Muted reports whether notifications for a conversation are suppressed.
func (e *Engine) Muted(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.muted[conversationID]
	return ok
}

// Notifications returns the surfaced notification history, oldest first.
func (e *Engine) Notifications() []proto.Notification {
	return e.notifications.Snapshot()
}

// Subscribe returns a channel of transcript updates and a cancel func. Each
// element is the post-update state of a message, so an echo replacing a
// pending copy arrives as one confirmed message, not two.
func (e *Engine) Subscribe() (ch chan Message, cancel func()) {
	ch = make(chan Message, 32)
	e.subMu.Lock()
	e.msgSubs = append(e.msgSubs, ch)
	e.subMu.Unlock()

	cancel = func() {
		e.subMu.Lock()
		for i, sub := range e.msgSubs {
			if sub == ch {
				e.msgSubs = append(e.msgSubs[:i], e.msgSubs[i+1:]...)
				close(ch)
				break
			}
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

// SubscribeNotifications returns a channel of surfaced notifications.
func (e *Engine) SubscribeNotifications() (ch chan proto.Notification, cancel func()) {
	ch = make(chan proto.Notification, 16)
	e.subMu.Lock()
	e.notifSubs = append(e.notifSubs, ch)
	e.subMu.Unlock()

	cancel = func() {
		e.subMu.Lock()
		for i, sub := range e.notifSubs {
			if sub == ch {
				e.notifSubs = append(e.notifSubs[:i], e.notifSubs[i+1:]...)
				close(ch)
				break
			}
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) dispatchLoop(ch chan proto.Envelope) {
	for {
		select {
		case <-e.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			switch env.Event {
			case proto.EventMessageReceive:
				e.handleReceive(env)
			case proto.EventMessageError:
				e.handleError(env)
			case proto.EventNotification:
				e.handleNotification(env)
			}
		}
	}
}

// handleReceive applies a server-confirmed message. Our own echo replaces
// the pending copy in place; a peer's message appends. Replays of an
// already-applied server ID are dropped.
func (e *Engine) handleReceive(env proto.Envelope) {
	var rcv proto.ChatReceive
	if err := json.Unmarshal(env.Payload, &rcv); err != nil {
		log.Printf("CHAT: malformed receive dropped: %v", err)
		return
	}

	e.mu.Lock()
	if _, dup := e.seen[rcv.ServerAssignedID]; dup {
		e.mu.Unlock()
		return
	}
	e.seen[rcv.ServerAssignedID] = struct{}{}

	var updated Message
	if rcv.SenderID == e.selfID {
		target := e.findPendingLocked(rcv)
		if target == nil {
			// Echo with no local pending copy (sent from another device, or
			// the pending copy already failed): append as confirmed.
			target = &Message{ConversationID: rcv.ConversationID, SenderID: rcv.SenderID}
			e.convos[rcv.ConversationID] = append(e.convos[rcv.ConversationID], target)
		}
		target.ID = rcv.ServerAssignedID
		target.CorrelationID = rcv.CorrelationID
		target.Body = rcv.Body
		target.IsAI = rcv.IsAI
		target.State = StateConfirmed
		target.Timestamp = rcv.TS
		updated = *target
	} else {
		msg := &Message{
			ID:             rcv.ServerAssignedID,
			CorrelationID:  rcv.CorrelationID,
			ConversationID: rcv.ConversationID,
			SenderID:       rcv.SenderID,
			Body:           rcv.Body,
			IsAI:           rcv.IsAI,
			State:          StateConfirmed,
			Timestamp:      rcv.TS,
		}
		e.convos[rcv.ConversationID] = append(e.convos[rcv.ConversationID], msg)
		updated = *msg
	}
	e.mu.Unlock()

	e.notifyMessage(updated)
}

// findPendingLocked locates the optimistic copy a self-echo confirms.
// Correlation ID is authoritative; when the echo lacks one, the oldest
// pending message with the same body stands in.
func (e *Engine) findPendingLocked(rcv proto.ChatReceive) *Message {
	msgs := e.convos[rcv.ConversationID]
	if rcv.CorrelationID != "" {
		for _, m := range msgs {
			if m.State == StatePending && m.CorrelationID == rcv.CorrelationID {
				return m
			}
		}
	}
	for _, m := range msgs {
		if m.State == StatePending && m.SenderID == rcv.SenderID && m.Body == rcv.Body {
			return m
		}
	}
	return nil
}

// handleError marks the matching pending copy failed. The transcript keeps
// the body so the user can see and retry what was lost. The relay echoes the
// correlation id on every rejection; an error without one matches nothing
// and is dropped rather than flagging an arbitrary pending message.
func (e *Engine) handleError(env proto.Envelope) {
	var chErr proto.ChatError
	if err := json.Unmarshal(env.Payload, &chErr); err != nil {
		return
	}
	log.Printf("CHAT: send rejected: %s (corr %s)", chErr.Error, chErr.CorrelationID)
	if chErr.CorrelationID == "" {
		return
	}

	e.mu.Lock()
	var updated *Message
	for _, msgs := range e.convos {
		for _, m := range msgs {
			if m.State == StatePending && m.CorrelationID == chErr.CorrelationID {
				m.State = StateFailed
				updated = m
				break
			}
		}
		if updated != nil {
			break
		}
	}
	var snapshot Message
	if updated != nil {
		snapshot = *updated
	}
	e.mu.Unlock()

	if updated != nil {
		e.notifyMessage(snapshot)
	}
}

// handleNotification surfaces a notification unless its conversation is
// muted. Muting suppresses surfacing only; the message itself was already
// delivered via message:receive.
func (e *Engine) handleNotification(env proto.Envelope) {
	var n proto.Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		return
	}

	if n.ConversationID != "" && e.Muted(n.ConversationID) {
		log.Printf("CHAT [%s]: notification suppressed (muted)", n.ConversationID)
		return
	}

	e.notifications.Push(n)
	e.subMu.Lock()
	subs := e.notifSubs
	e.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (e *Engine) notifyMessage(m Message) {
	e.subMu.Lock()
	subs := e.msgSubs
	e.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- m:
		default:
		}
	}
}
