package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/byteowlz/sessiond/internal/identity"
	"github.com/byteowlz/sessiond/internal/wshub"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// RegisterWebSocketRoutes mounts the user hub and browser/voice-stream
// proxies.
func (h *Handler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.userHubWebSocket)
	r.Get("/ws/browser/{id}", h.browserStreamWebSocket)
	r.Get("/ws/voice/{id}", h.voiceStreamWebSocket)
}

// hubClientMessage is what a connected UI sends to subscribe/unsubscribe
// from a session's event stream over the single /ws connection.
type hubClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// userHubWebSocket registers one Hub connection for the authenticated user
// and relays WsEvents out to it until the client disconnects.
func (h *Handler) userHubWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("api: failed to accept hub websocket", "error", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "done") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, connID := h.hub.RegisterConnection(userID)
	defer h.hub.UnregisterConnection(connID)

	done := make(chan struct{})
	go h.readHubClientMessages(ctx, ws, userID, done)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) readHubClientMessages(ctx context.Context, ws *websocket.Conn, userID string, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg hubClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			h.hub.SubscribeSession(userID, msg.SessionID)
		case "unsubscribe":
			h.hub.UnsubscribeSession(userID, msg.SessionID)
		}
	}
}

// browserStreamWebSocket proxies to a session's browser sidecar screencast
// stream at its deterministic port.
func (h *Handler) browserStreamWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	if sess.BrowserStreamPort == 0 {
		Error(w, http.StatusNotFound, "browser stream not enabled for this session")
		return
	}
	wshub.BrowserStreamProxy(w, r, sess.BrowserStreamPort)
}

// voiceStreamWebSocket proxies to a session's voice sidecar, reachable one
// port above the session's browser stream port (spec.md §4.6 "Voice-stream
// proxy"). Not listed among the named HTTP surface routes; the route is
// always mounted and answers 404 unless AGENT_BROWSER_ENABLED is on, since
// the two sidecars share a lifecycle.
func (h *Handler) voiceStreamWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	if !h.browser.Enabled {
		Error(w, http.StatusNotFound, "voice stream not enabled")
		return
	}
	upstreamURL := fmt.Sprintf("ws://127.0.0.1:%d", sess.BrowserStreamPort+1)
	wshub.VoiceStreamProxy(w, r, upstreamURL)
}
