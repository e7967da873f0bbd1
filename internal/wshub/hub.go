// Package wshub implements the WebSocket Hub (C7): a per-user connection
// registry and per-session subscriber set used to fan session events out
// to exactly the users watching them, plus the browser-stream and
// voice-stream relays that proxy a session's sidecar sockets out to a
// connected browser.
package wshub

import (
	"log/slog"
	"sync"
)

// connectionBuffer bounds how many unread events a single connection's
// send channel holds before the Hub starts dropping that connection's
// sends rather than blocking a publisher.
const connectionBuffer = 64

// EventKind closes the sum of high-level event kinds a WsEvent can carry.
type EventKind string

const (
	EventSessionState EventKind = "session_state"
	EventMessageDelta EventKind = "message_delta"
	EventToolCall     EventKind = "tool_call"
	EventPromptUpdate EventKind = "prompt_update"
	EventStreamLife   EventKind = "stream_lifecycle"
)

// WsEvent is the hub's internal event representation. Adapters translate
// backend SSE frames and Prompt Broker events into this shape before
// publishing; nothing downstream of the Hub needs to know which backend
// or broker produced an event.
type WsEvent struct {
	Kind      EventKind
	SessionID string
	Payload   any
}

// sender is one registered connection's delivery channel.
type sender struct {
	ch chan WsEvent
}

// Hub tracks active connections per user and session subscriptions, and
// fans events out to exactly the users who should see them.
type Hub struct {
	mu          sync.Mutex
	connections map[string][]*sender            // user ID -> connections
	subscribers map[string]map[string]struct{} // session ID -> set of user IDs
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string][]*sender),
		subscribers: make(map[string]map[string]struct{}),
	}
}

// ConnID identifies a registered connection for later Unregister.
type ConnID struct {
	userID string
	slot   *sender
}

// RegisterConnection adds a new connection for userID and returns the
// receive side of its bounded delivery channel, plus an id to unregister
// it with later.
func (h *Hub) RegisterConnection(userID string) (<-chan WsEvent, ConnID) {
	s := &sender{ch: make(chan WsEvent, connectionBuffer)}

	h.mu.Lock()
	h.connections[userID] = append(h.connections[userID], s)
	h.mu.Unlock()

	slog.Info("registered websocket connection", "user_id", userID)
	return s.ch, ConnID{userID: userID, slot: s}
}

// UnregisterConnection removes a connection. Idempotent: unregistering a
// connection twice, or one already removed by a failed send, is a no-op.
func (h *Hub) UnregisterConnection(id ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.connections[id.userID]
	for i, s := range conns {
		if s == id.slot {
			conns = append(conns[:i], conns[i+1:]...)
			close(s.ch)
			break
		}
	}
	if len(conns) == 0 {
		delete(h.connections, id.userID)
	} else {
		h.connections[id.userID] = conns
	}
	slog.Info("unregistered websocket connection", "user_id", id.userID)
}

// SubscribeSession marks userID as watching sessionID's events.
func (h *Hub) SubscribeSession(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[string]struct{})
		h.subscribers[sessionID] = set
	}
	set[userID] = struct{}{}
}

// UnsubscribeSession stops userID watching sessionID. Idempotent, and
// sweeps the session's entry entirely once its last subscriber leaves.
func (h *Hub) UnsubscribeSession(userID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(h.subscribers, sessionID)
	}
}

// IsSubscribed reports whether userID is watching sessionID.
func (h *Hub) IsSubscribed(userID, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subscribers[sessionID][userID]
	return ok
}

// UserSubscriptions lists every session userID is currently watching.
func (h *Hub) UserSubscriptions(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for sessionID, set := range h.subscribers {
		if _, ok := set[userID]; ok {
			out = append(out, sessionID)
		}
	}
	return out
}

// SessionSubscribers lists every user currently watching sessionID.
func (h *Hub) SessionSubscribers(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[sessionID]
	out := make([]string, 0, len(set))
	for userID := range set {
		out = append(out, userID)
	}
	return out
}

// SendToUser delivers event to every connection userID currently has
// open, best-effort: a connection whose buffer is full is dropped (removed
// and its channel closed) rather than allowed to stall the publisher.
func (h *Hub) SendToUser(userID string, event WsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.connections[userID][:0]
	for _, s := range h.connections[userID] {
		select {
		case s.ch <- event:
			kept = append(kept, s)
		default:
			slog.Warn("dropping websocket connection, buffer full", "user_id", userID)
			close(s.ch)
		}
	}
	if len(kept) == 0 {
		delete(h.connections, userID)
	} else {
		h.connections[userID] = kept
	}
}

// SendToSession delivers event to every user subscribed to sessionID.
func (h *Hub) SendToSession(sessionID string, event WsEvent) {
	for _, userID := range h.SessionSubscribers(sessionID) {
		h.SendToUser(userID, event)
	}
}

// BroadcastToAll delivers event to every connected user, regardless of
// session subscription. Intended for admin/debug views.
func (h *Hub) BroadcastToAll(event WsEvent) {
	h.mu.Lock()
	userIDs := make([]string, 0, len(h.connections))
	for userID := range h.connections {
		userIDs = append(userIDs, userID)
	}
	h.mu.Unlock()

	for _, userID := range userIDs {
		h.SendToUser(userID, event)
	}
}

// ConnectedUserCount returns how many distinct users currently have at
// least one open connection.
func (h *Hub) ConnectedUserCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
