// Package presence maintains the client-side mirror of the relay's online
// set. The mirror is read-only from the outside and may be stale between
// broadcasts; it self-corrects on every presence:update because the relay
// rebroadcasts the full set rather than deltas.
package presence

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/careline/careline/internal/proto"
)

// Feed is the surface the tracker needs from the transport.
// *transport.Conn satisfies it.
type Feed interface {
	Subscribe() (ch chan proto.Envelope, cancel func())
}

// Tracker mirrors the last-received presence set.
type Tracker struct {
	mu     sync.Mutex
	online map[string]struct{}

	listeners []chan []string

	cancel func()
	done   chan struct{}
}

// NewTracker starts mirroring presence broadcasts arriving on the feed.
// Stop must be called on teardown.
func NewTracker(feed Feed) *Tracker {
	t := &Tracker{
		online: map[string]struct{}{},
		done:   make(chan struct{}),
	}

	ch, cancel := feed.Subscribe()
	t.cancel = cancel
	go t.consume(ch)
	return t
}

func (t *Tracker) consume(ch chan proto.Envelope) {
	for {
		select {
		case <-t.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Event != proto.EventPresenceUpdate {
				continue
			}
			var update proto.PresenceUpdate
			if err := json.Unmarshal(env.Payload, &update); err != nil {
				log.Printf("PRESENCE: malformed update dropped: %v", err)
				continue
			}
			t.replace(update.OnlineIdentities)
		}
	}
}

// replace swaps in the new full set. Wholesale replacement is what makes a
// missed broadcast harmless.
func (t *Tracker) replace(identities []string) {
	next := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = next
	snapshot := make([]string, 0, len(next))
	for id := range next {
		snapshot = append(snapshot, id)
	}
	sort.Strings(snapshot)
	for _, ch := range t.listeners {
		select {
		case ch <- snapshot:
		default:
		}
	}
	t.mu.Unlock()
}

// IsOnline reports whether identity held an open connection as of the last
// broadcast. A stale-positive reading between broadcasts is accepted,
// bounded inaccuracy, not a correctness violation.
func (t *Tracker) IsOnline(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[identity]
	return ok
}

// Snapshot returns the current mirrored set.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel receiving each new full set.
func (t *Tracker) Subscribe() chan []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan []string, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (t *Tracker) Unsubscribe(ch chan []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Stop detaches from the transport and closes all listeners.
func (t *Tracker) Stop() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	t.cancel()

	t.mu.Lock()
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
	t.mu.Unlock()
}
