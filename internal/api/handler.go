// Package api wires the Session Coordinator (C8), the WebSocket Hub (C7),
// the Prompt Broker (C6), and the Agent Backends (C3/C4) onto the HTTP
// surface clients and sidecars actually speak to.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/byteowlz/sessiond/internal/backend"
	"github.com/byteowlz/sessiond/internal/browser"
	"github.com/byteowlz/sessiond/internal/coordinator"
	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/errkind"
	"github.com/byteowlz/sessiond/internal/store"
	"github.com/byteowlz/sessiond/internal/wshub"
)

// Handler holds every dependency the session and proxy routes need.
type Handler struct {
	repo     store.Repository
	coord    *coordinator.Coordinator
	backends map[domain.RuntimeMode]backend.AgentBackend
	hub      *wshub.Hub
	browser  browser.Config
}

// NewHandler builds a Handler.
func NewHandler(repo store.Repository, coord *coordinator.Coordinator, backends map[domain.RuntimeMode]backend.AgentBackend, hub *wshub.Hub, browserCfg browser.Config) *Handler {
	return &Handler{repo: repo, coord: coord, backends: backends, hub: hub, browser: browserCfg}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFromKind translates a coordinator/backend error into its mapped
// status code per spec.md's kind-to-status table.
func ErrorFromKind(w http.ResponseWriter, err error) {
	Error(w, errkind.HTTPStatus(err), err.Error())
}

// HealthHandler handles the unauthenticated health check endpoint.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health reports database reachability; a degraded database is surfaced
// as 503 rather than masked as healthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status, code := "healthy", http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		checks["database"] = "unreachable"
		status, code = "degraded", http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}
