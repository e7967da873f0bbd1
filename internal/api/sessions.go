package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/byteowlz/sessiond/internal/coordinator"
	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/identity"
	"github.com/go-chi/chi/v5"
)

// RegisterSessionRoutes mounts the session lifecycle surface from spec.md
// §6: list/create/get/delete plus the stop/resume/upgrade sub-actions.
func (h *Handler) RegisterSessionRoutes(r chi.Router) {
	r.Get("/sessions", h.listSessions)
	r.Post("/sessions", h.createSession)
	r.Get("/sessions/{id}", h.getSession)
	r.Delete("/sessions/{id}", h.deleteSession)
	r.Post("/sessions/{id}/stop", h.stopSession)
	r.Post("/sessions/{id}/resume", h.resumeSession)
	r.Post("/sessions/{id}/upgrade", h.upgradeSession)
}

type createSessionRequest struct {
	Runtime       string            `json:"runtime,omitempty"`
	WorkspacePath string            `json:"workspace_path"`
	Agent         string            `json:"agent,omitempty"`
	Model         string            `json:"model,omitempty"`
	ProjectID     string            `json:"project_id,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.coord.ListSessions(r.Context(), userID)
	if err != nil {
		ErrorFromKind(w, err)
		return
	}
	JSON(w, http.StatusOK, sessions)
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkspacePath == "" {
		Error(w, http.StatusBadRequest, "workspace_path is required")
		return
	}

	sess, err := h.coord.StartSession(r.Context(), userID, req.WorkspacePath, coordinator.StartOpts{
		Runtime:   domain.RuntimeMode(req.Runtime),
		Agent:     req.Agent,
		Model:     req.Model,
		ProjectID: req.ProjectID,
		Env:       req.Env,
	})
	if err != nil {
		ErrorFromKind(w, err)
		return
	}
	go h.relayAgentEvents(context.Background(), sess)
	JSON(w, http.StatusCreated, sess)
}

// loadOwnedSession fetches the session named by the {id} URL param and
// verifies it belongs to the requesting user, writing a response and
// returning ok=false on any failure.
func (h *Handler) loadOwnedSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := h.coord.GetSession(r.Context(), id)
	if err != nil {
		ErrorFromKind(w, err)
		return nil, false
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if sess.UserID != identity.UserIDFromContext(r.Context()) {
		Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	if err := h.coord.DeleteSession(r.Context(), sess.ID); err != nil {
		ErrorFromKind(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	if err := h.coord.StopSession(r.Context(), sess.ID); err != nil {
		ErrorFromKind(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	resumed, err := h.coord.StartSession(r.Context(), sess.UserID, sess.WorkspacePath, coordinator.StartOpts{
		Runtime: sess.Runtime,
		Agent:   sess.Agent,
		Model:   sess.Model,
	})
	if err != nil {
		ErrorFromKind(w, err)
		return
	}
	go h.relayAgentEvents(context.Background(), resumed)
	JSON(w, http.StatusOK, resumed)
}

type upgradeSessionRequest struct {
	Agent string `json:"agent,omitempty"`
	Model string `json:"model,omitempty"`
}

func (h *Handler) upgradeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}

	var req upgradeSessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	upgraded, err := h.coord.UpgradeSession(r.Context(), sess.ID, coordinator.StartOpts{
		Agent: req.Agent,
		Model: req.Model,
	})
	if err != nil {
		ErrorFromKind(w, err)
		return
	}
	JSON(w, http.StatusOK, upgraded)
}
