package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/byteowlz/sessiond/internal/backend"
	"github.com/byteowlz/sessiond/internal/browser"
	"github.com/byteowlz/sessiond/internal/coordinator"
	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/identity"
	"github.com/byteowlz/sessiond/internal/store"
	"github.com/byteowlz/sessiond/internal/wshub"
	"github.com/go-chi/chi/v5"
)

type fakeBackend struct{}

func (f *fakeBackend) ListConversations(ctx context.Context, userID string) ([]backend.Conversation, error) {
	return nil, nil
}
func (f *fakeBackend) GetConversation(ctx context.Context, userID, conversationID string) (*backend.Conversation, error) {
	return nil, nil
}
func (f *fakeBackend) GetMessages(ctx context.Context, userID, conversationID string) ([]backend.Message, error) {
	return nil, nil
}

func (f *fakeBackend) StartSession(ctx context.Context, userID, workdir string, opts backend.StartSessionOpts) (backend.SessionHandle, error) {
	return backend.SessionHandle{
		SessionID:      opts.SessionID,
		APIURL:         fmt.Sprintf("http://localhost:%d", opts.AgentPort),
		AgentPort:      opts.AgentPort,
		TerminalPort:   opts.TerminalPort,
		FileServerPort: opts.FileServerPort,
		Workdir:        workdir,
		IsNew:          true,
	}, nil
}

func (f *fakeBackend) Attach(ctx context.Context, userID, sessionID string) (<-chan backend.AgentEvent, error) {
	ch := make(chan backend.AgentEvent)
	close(ch)
	return ch, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, userID, sessionID string, msg backend.SendMessageRequest) error {
	return nil
}

func (f *fakeBackend) StopSession(ctx context.Context, userID, sessionID string) error { return nil }

func (f *fakeBackend) Health(ctx context.Context) (backend.HealthStatus, error) {
	return backend.HealthStatus{Healthy: true}, nil
}

func (f *fakeBackend) GetSessionURL(ctx context.Context, userID, sessionID string) (string, error) {
	return "", nil
}

func (f *fakeBackend) UserDataDir(userID string) string { return "" }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessiond.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	backends := map[domain.RuntimeMode]backend.AgentBackend{domain.RuntimeLocal: &fakeBackend{}}
	coord := coordinator.New(repo, backends, coordinator.Config{
		PortRangeMin:   41820,
		PortRangeMax:   42000,
		DefaultRuntime: domain.RuntimeLocal,
	}, nil, nil)

	return NewHandler(repo, coord, backends, wshub.NewHub(), browser.Config{})
}

func withIdentity(r *http.Request, userID string) *http.Request {
	return r.WithContext(identity.WithUserID(r.Context(), userID))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateAndGetSession(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"workspace_path":"/workspace/a","agent":"dev"}`))
	req = withIdentity(req, "user-1")
	w := httptest.NewRecorder()
	h.createSession(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("createSession status = %d, body = %s", w.Code, w.Body.String())
	}

	var sess domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sess.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", sess.UserID)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID, nil)
	getReq = withIdentity(getReq, "user-1")
	getReq = withURLParam(getReq, "id", sess.ID)
	getW := httptest.NewRecorder()
	h.getSession(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("getSession status = %d, body = %s", getW.Code, getW.Body.String())
	}
}

func TestGetSessionOwnedByAnotherUserIsNotFound(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"workspace_path":"/workspace/a"}`))
	req = withIdentity(req, "user-1")
	w := httptest.NewRecorder()
	h.createSession(w, req)

	var sess domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID, nil)
	getReq = withIdentity(getReq, "user-2")
	getReq = withURLParam(getReq, "id", sess.ID)
	getW := httptest.NewRecorder()
	h.getSession(getW, getReq)

	if getW.Code != http.StatusNotFound {
		t.Fatalf("getSession status = %d, want 404", getW.Code)
	}
}

func TestCreateSessionRequiresWorkspacePath(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{}`))
	req = withIdentity(req, "user-1")
	w := httptest.NewRecorder()
	h.createSession(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListSessionsOnlyReturnsCallersSessions(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"workspace_path":"/workspace/a"}`))
	req = withIdentity(req, "user-1")
	w := httptest.NewRecorder()
	h.createSession(w, req)

	listReq := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	listReq = withIdentity(listReq, "user-2")
	listW := httptest.NewRecorder()
	h.listSessions(listW, listReq)

	var sessions []*domain.Session
	if err := json.NewDecoder(listW.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions for user-2, got %d", len(sessions))
	}
}
