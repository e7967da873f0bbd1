package prompt

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Handler wires the Broker onto HTTP and WebSocket routes: the public
// "/api/prompts*" surface a connected UI uses to list, answer, and watch
// prompts, and the internal "/internal/prompt" endpoint sandbox sidecars
// block on while waiting for a decision.
type Handler struct {
	broker *Broker
}

// NewHandler builds a Handler over broker.
func NewHandler(broker *Broker) *Handler {
	return &Handler{broker: broker}
}

// Mount registers the prompt routes onto r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/prompts", h.listPrompts)
	r.Get("/api/prompts/{id}", h.getPrompt)
	r.Post("/api/prompts/{id}", h.respondToPrompt)
	r.Get("/api/prompts/ws", h.websocketHandler)
	r.Post("/internal/prompt", h.createPrompt)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) listPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.ListPending())
}

func (h *Handler) getPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.broker.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "prompt not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type respondRequest struct {
	Action domain.PromptAction `json:"action"`
}

type opResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) respondToPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, opResponse{Success: false, Error: "invalid request body"})
		return
	}

	if err := h.broker.Respond(id, req.Action); err != nil {
		writeJSON(w, http.StatusBadRequest, opResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, opResponse{Success: true})
}

// createRequest is the wire shape a sandbox sidecar posts to
// "/internal/prompt" to request approval.
type createRequest struct {
	Source      string            `json:"source"`
	Type        string            `json:"prompt_type"`
	Resource    string            `json:"resource"`
	Description string            `json:"description,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	TimeoutSecs uint64            `json:"timeout_secs,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
}

// createPrompt blocks until the user responds or the prompt times out,
// since the caller (a sandbox sidecar) cannot proceed without a decision.
func (h *Handler) createPrompt(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	slog.Info("internal prompt request", "source", req.Source, "type", req.Type, "resource", req.Resource)

	var timeout time.Duration
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	resp, err := h.broker.Request(r.Context(), Request{
		Source:      req.Source,
		Kind:        req.Type,
		Resource:    req.Resource,
		Description: req.Description,
		Context:     req.Context,
		Timeout:     timeout,
		Workspace:   req.WorkspaceID,
		Session:     req.SessionID,
	})
	if err != nil {
		writeJSON(w, http.StatusRequestTimeout, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"action":       resp.Action,
		"responded_at": resp.RespondedAt,
	})
}

// clientMessage is a message a connected UI may send over the prompts
// WebSocket to answer a prompt inline, without a separate HTTP POST.
type clientMessage struct {
	Type     string               `json:"type"`
	PromptID string               `json:"prompt_id"`
	Action   domain.PromptAction  `json:"action"`
}

func (h *Handler) websocketHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept prompts websocket", "error", err)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "done")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	syncEvent := Event{Type: EventSync, Prompts: h.broker.ListPending()}
	if err := writeEvent(ctx, ws, syncEvent); err != nil {
		slog.Debug("failed to send prompts sync", "error", err)
		return
	}

	events, unsubscribe := h.broker.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go h.readClientMessages(ctx, ws, done)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				slog.Debug("prompts websocket send failed", "error", err)
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) readClientMessages(ctx context.Context, ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "respond" {
			if err := h.broker.Respond(msg.PromptID, msg.Action); err != nil {
				slog.Warn("failed to respond to prompt via websocket", "error", err)
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev Event) error {
	data, err := json.Marshal(eventWire{ev})
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// eventWire adapts Event to the flat tagged-union JSON shape a frontend
// expects: {"type": "...", ...fields}.
type eventWire struct {
	Event
}

func (e eventWire) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventCreated:
		return json.Marshal(struct {
			Type   EventType     `json:"type"`
			Prompt *domain.Prompt `json:"prompt"`
		}{e.Type, e.Prompt})
	case EventResponded:
		return json.Marshal(struct {
			Type     EventType           `json:"type"`
			PromptID string              `json:"prompt_id"`
			Action   domain.PromptAction `json:"action"`
		}{e.Type, e.PromptID, e.Action})
	case EventTimedOut, EventCancelled:
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			PromptID string    `json:"prompt_id"`
		}{e.Type, e.PromptID})
	case EventSync:
		return json.Marshal(struct {
			Type    EventType        `json:"type"`
			Prompts []*domain.Prompt `json:"prompts"`
		}{e.Type, e.Prompts})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}
