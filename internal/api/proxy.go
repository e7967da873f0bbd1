package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// RegisterProxyRoutes mounts the agent-proxy and files-proxy surface from
// spec.md §6: everything under a session's code/ and files/ prefixes is
// forwarded verbatim to the backend port the Session Coordinator recorded
// for that session, stripping the routing prefix on the way through.
func (h *Handler) RegisterProxyRoutes(r chi.Router) {
	r.HandleFunc("/session/{id}/code/*", h.proxyCode)
	r.HandleFunc("/session/{id}/files/*", h.proxyFiles)
}

func (h *Handler) proxyCode(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	h.reverseProxy(w, r, sess.AgentPort, fmt.Sprintf("/session/%s/code", sess.ID))
}

func (h *Handler) proxyFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwnedSession(w, r)
	if !ok {
		return
	}
	h.reverseProxy(w, r, sess.FileServerPort, fmt.Sprintf("/session/%s/files", sess.ID))
}

// reverseProxy forwards r to 127.0.0.1:port, stripping prefix from the
// request path first (both backends serve these sub-paths rooted at "/").
func (h *Handler) reverseProxy(w http.ResponseWriter, r *http.Request, port int, prefix string) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = trimPrefix(req.URL.Path, prefix)
	}
	proxy.ServeHTTP(w, r)
}

func trimPrefix(path, prefix string) string {
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		rest := path[len(prefix):]
		if rest == "" {
			return "/"
		}
		return rest
	}
	return path
}
