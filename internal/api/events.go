package api

import (
	"context"
	"log/slog"

	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/wshub"
)

// relayAgentEvents subscribes to a session's backend SSE stream and
// republishes every frame onto the Hub as a typed WsEvent, per spec.md
// §6's "control plane subscribes to the agent's GET /event... adapted into
// typed events, published on the Hub." Runs until the stream closes or ctx
// is cancelled; safe to leave running in the background.
func (h *Handler) relayAgentEvents(ctx context.Context, sess *domain.Session) {
	be, ok := h.backends[sess.Runtime]
	if !ok {
		return
	}
	events, err := be.Attach(ctx, sess.UserID, sess.ID)
	if err != nil {
		slog.Warn("api: failed to attach to session event stream", "session_id", sess.ID, "error", err)
		return
	}

	for ev := range events {
		if ev.Err != nil {
			h.hub.SendToSession(sess.ID, wshub.WsEvent{
				Kind:      wshub.EventStreamLife,
				SessionID: sess.ID,
				Payload:   map[string]string{"error": ev.Err.Error()},
			})
			continue
		}
		h.hub.SendToSession(sess.ID, wshub.WsEvent{
			Kind:      eventKindFor(ev.EventType),
			SessionID: sess.ID,
			Payload:   map[string]string{"event_type": ev.EventType, "data": ev.Data},
		})
	}
}

func eventKindFor(agentEventType string) wshub.EventKind {
	switch agentEventType {
	case "message", "message_delta":
		return wshub.EventMessageDelta
	case "tool_call", "tool":
		return wshub.EventToolCall
	default:
		return wshub.EventStreamLife
	}
}
