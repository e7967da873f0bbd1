package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/byteowlz/sessiond/internal/identity"
	sessiondMiddleware "github.com/byteowlz/sessiond/internal/middleware"
	"github.com/byteowlz/sessiond/internal/prompt"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the full HTTP surface from spec.md §6: health,
// login, the authenticated session/proxy/websocket routes, and the Prompt
// Broker's own routes.
func NewRouter(h *Handler, auth *identity.Authenticator, promptHandler *prompt.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(sessiondMiddleware.CORS([]string{"*"}))

	health := NewHealthHandler(h.repo)
	r.Get("/health", health.Health)
	r.Post("/auth/login", loginHandler(auth))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware())
		h.RegisterSessionRoutes(r)
		h.RegisterProxyRoutes(r)
		h.RegisterWebSocketRoutes(r)
		promptHandler.Mount(r)
	})

	return r
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// loginHandler validates credentials and returns a signed token both as
// JSON (for clients storing a bearer token) and as an HTTP-only cookie
// (for browser clients).
func loginHandler(auth *identity.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}

		token, expires, err := auth.Login(req.UserID, req.Password)
		if err != nil {
			Error(w, http.StatusForbidden, "invalid username or password")
			return
		}

		auth.SetCookie(w, token, expires)
		JSON(w, http.StatusOK, map[string]interface{}{
			"token":      token,
			"expires_at": expires,
			"user_id":    req.UserID,
		})
	}
}
