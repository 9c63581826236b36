package identity

import "sync"

// EventKind identifies a provider session state change.
type EventKind string

const (
	SignedOut       EventKind = "SIGNED_OUT"
	SessionRestored EventKind = "SESSION_RESTORED"
	TokenRefreshed  EventKind = "TOKEN_REFRESHED"
)

// Event is delivered to OnStateChange listeners. Session is nil for SignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Hub is an ordered set of state-change listeners. Provider clients embed it
// to implement OnStateChange.
type Hub struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []hubEntry
	restored  bool
}

type hubEntry struct {
	id uint64
	fn func(Event)
}

// OnStateChange registers listener and returns a function removing it.
func (h *Hub) OnStateChange(listener func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, hubEntry{id: id, fn: listener})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, e := range h.listeners {
				if e.id == id {
					h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers ev to every listener in registration order. Listeners run
// on the caller's goroutine, outside the hub lock.
func (h *Hub) Emit(ev Event) {
	h.mu.Lock()
	snapshot := make([]hubEntry, len(h.listeners))
	copy(snapshot, h.listeners)
	h.mu.Unlock()

	for _, e := range snapshot {
		e.fn(ev)
	}
}

// Restored emits SessionRestored the first time a provider reads a
// persisted session back from its store. Later calls do nothing.
func (h *Hub) Restored(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	first := !h.restored
	h.restored = true
	h.mu.Unlock()

	if first {
		h.Emit(Event{Kind: SessionRestored, Session: s})
	}
}
