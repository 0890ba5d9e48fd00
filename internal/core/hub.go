package core

import "sync"

// EventKind names a broadcast topic.
type EventKind int

const (
	// SessionsChanged is coarse: no payload, listeners re-read the
	// manager's session list.
	SessionsChanged EventKind = iota
	// ForegroundChanged carries the id of the session whose
	// foreground record changed. Because mailboxes coalesce, listeners
	// should diff against the manager rather than trust the id alone.
	ForegroundChanged
	// SettingsChanged is coarse: listeners re-read the settings cache.
	SettingsChanged
)

// Event is one broadcast token.
type Event struct {
	Kind      EventKind
	SessionID string // set for ForegroundChanged only
}

// Mailbox is a single-slot coalescing delivery channel. If the slot
// is already occupied when a new token arrives, the new token
// replaces the old one; publishers never block and listeners
// eventually observe the latest state exactly once.
type Mailbox struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newMailbox() *Mailbox {
	return &Mailbox{ch: make(chan Event, 1)}
}

// C returns the channel the listener receives tokens on. It is closed
// when the mailbox is unsubscribed.
func (m *Mailbox) C() <-chan Event {
	return m.ch
}

// put delivers a token, replacing any undelivered one. Calls after
// close are ignored.
func (m *Mailbox) put(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	select {
	case m.ch <- ev:
	default:
		// Slot occupied: drop the stale token and replace it.
		select {
		case <-m.ch:
		default:
		}
		m.ch <- ev
	}
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// Hub fans sessions-changed, foreground-changed, and settings-changed
// tokens out to every registered mailbox. Registration and publication
// both take only a short lock; publication never blocks on listeners.
type Hub struct {
	mu        sync.Mutex
	listeners map[EventKind]map[*Mailbox]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[EventKind]map[*Mailbox]struct{})}
}

// Subscribe registers a new mailbox for the given topic.
func (h *Hub) Subscribe(kind EventKind) *Mailbox {
	m := newMailbox()

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.listeners[kind]
	if !ok {
		set = make(map[*Mailbox]struct{})
		h.listeners[kind] = set
	}
	set[m] = struct{}{}
	return m
}

// Unsubscribe removes the mailbox and closes its channel.
func (h *Hub) Unsubscribe(kind EventKind, m *Mailbox) {
	h.mu.Lock()
	if set, ok := h.listeners[kind]; ok {
		delete(set, m)
	}
	h.mu.Unlock()

	m.close()
}

// Publish pushes a token onto every mailbox subscribed to the event's
// topic.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	set := h.listeners[ev.Kind]
	mailboxes := make([]*Mailbox, 0, len(set))
	for m := range set {
		mailboxes = append(mailboxes, m)
	}
	h.mu.Unlock()

	for _, m := range mailboxes {
		m.put(ev)
	}
}
