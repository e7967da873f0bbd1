package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/byteowlz/sessiond/internal/backend"
	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/errkind"
	"github.com/byteowlz/sessiond/internal/store"
)

// fakeBackend is an in-memory AgentBackend stub for exercising the
// Coordinator without a real Runner or container runtime.
type fakeBackend struct {
	mode         domain.RuntimeMode
	startErr     error
	sessions     map[string]backend.SessionHandle
	stopped      map[string]bool
	attachEvents map[string][]backend.AgentEvent
}

func newFakeBackend(mode domain.RuntimeMode) *fakeBackend {
	return &fakeBackend{
		mode:     mode,
		sessions: make(map[string]backend.SessionHandle),
		stopped:  make(map[string]bool),
	}
}

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
	if f.startErr != nil {
		return backend.SessionHandle{}, f.startErr
	}
	handle := backend.SessionHandle{
		SessionID:      opts.SessionID,
		APIURL:         fmt.Sprintf("http://localhost:%d", opts.AgentPort),
		AgentPort:      opts.AgentPort,
		TerminalPort:   opts.TerminalPort,
		FileServerPort: opts.FileServerPort,
		Workdir:        workdir,
		IsNew:          true,
	}
	if f.mode == domain.RuntimeContainer {
		handle.ContainerID = "container-" + opts.SessionID
	}
	f.sessions[opts.SessionID] = handle
	return handle, nil
}

func (f *fakeBackend) Attach(ctx context.Context, userID, sessionID string) (<-chan backend.AgentEvent, error) {
	ch := make(chan backend.AgentEvent, 1)
	ch <- backend.AgentEvent{EventType: "message", Data: "ready"}
	close(ch)
	return ch, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, userID, sessionID string, msg backend.SendMessageRequest) error {
	return nil
}

func (f *fakeBackend) StopSession(ctx context.Context, userID, sessionID string) error {
	f.stopped[sessionID] = true
	return nil
}

func (f *fakeBackend) Health(ctx context.Context) (backend.HealthStatus, error) {
	return backend.HealthStatus{Healthy: true, Mode: string(f.mode)}, nil
}

func (f *fakeBackend) GetSessionURL(ctx context.Context, userID, sessionID string) (string, error) {
	return f.sessions[sessionID].APIURL, nil
}

func (f *fakeBackend) UserDataDir(userID string) string { return "" }

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessiond.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestCoordinator(t *testing.T, be backend.AgentBackend) (*Coordinator, store.Repository) {
	t.Helper()
	repo := newTestRepo(t)
	backends := map[domain.RuntimeMode]backend.AgentBackend{domain.RuntimeLocal: be}
	cfg := Config{PortRangeMin: 41820, PortRangeMax: 42000, DefaultRuntime: domain.RuntimeLocal}
	return New(repo, backends, cfg, nil, nil), repo
}

func TestStartSessionCreatesRunningSession(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	c, _ := newTestCoordinator(t, be)

	sess, err := c.StartSession(context.Background(), "user-1", "/workspace/a", StartOpts{Agent: "dev"})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if sess.Status != domain.SessionRunning {
		t.Fatalf("Status = %q, want running", sess.Status)
	}
	if sess.AgentPort == 0 || sess.FileServerPort == 0 || sess.TerminalPort == 0 {
		t.Fatalf("expected all three ports allocated, got %+v", sess.PortSlots())
	}
	if sess.ReadableID == "" {
		t.Fatalf("expected a readable id")
	}
}

func TestStartSessionIsIdempotentForActiveWorkspace(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	c, _ := newTestCoordinator(t, be)
	ctx := context.Background()

	first, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err != nil {
		t.Fatalf("first StartSession() error = %v", err)
	}
	second, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session id on repeat start, got %q vs %q", first.ID, second.ID)
	}
	if first.AgentPort != second.AgentPort {
		t.Fatalf("expected stable ports across idempotent start")
	}
}

func TestStartSessionReleasesPortsOnBackendFailure(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	be.startErr = fmt.Errorf("spawn failed")
	c, repo := newTestCoordinator(t, be)
	ctx := context.Background()

	_, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err == nil {
		t.Fatalf("expected error from failing backend")
	}
	if errkind.Of(err) != errkind.SpawnFailed {
		t.Fatalf("error kind = %q, want spawn_failed", errkind.Of(err))
	}

	ports, err := repo.AllocatePortSlots(ctx, 1, 41820, 42000)
	if err != nil {
		t.Fatalf("AllocatePortSlots() after failure error = %v", err)
	}
	if ports[0] != 41820 {
		t.Fatalf("expected the released port to be reusable, got %d", ports[0])
	}
}

func TestStopThenStartReusesStoredPorts(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	c, _ := newTestCoordinator(t, be)
	ctx := context.Background()

	created, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.StopSession(ctx, created.ID); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if !be.stopped[created.ID] {
		t.Fatalf("expected backend StopSession to be called")
	}

	resumed, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err != nil {
		t.Fatalf("resume StartSession() error = %v", err)
	}
	if resumed.ID != created.ID {
		t.Fatalf("expected resume to reuse the session id")
	}
	if resumed.AgentPort != created.AgentPort || resumed.TerminalPort != created.TerminalPort || resumed.FileServerPort != created.FileServerPort {
		t.Fatalf("expected resume to reuse stored ports, got %+v vs %+v", resumed.PortSlots(), created.PortSlots())
	}
	if resumed.Status != domain.SessionRunning {
		t.Fatalf("Status = %q, want running after resume", resumed.Status)
	}
}

func TestDeleteSessionRemovesRowAndReleasesPorts(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	c, repo := newTestCoordinator(t, be)
	ctx := context.Background()

	created, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if err := c.DeleteSession(ctx, created.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	got, err := repo.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got != nil {
		t.Fatalf("expected session row to be gone after delete")
	}

	ports, err := repo.AllocatePortSlots(ctx, 3, 41820, 42000)
	if err != nil {
		t.Fatalf("AllocatePortSlots() after delete error = %v", err)
	}
	if len(ports) != 3 || ports[0] != created.AgentPort {
		t.Fatalf("expected the deleted session's ports (from %d) to be allocatable again, got %v", created.AgentPort, ports)
	}
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	c, _ := newTestCoordinator(t, be)
	ctx := context.Background()

	if err := c.DeleteSession(ctx, "ses_does-not-exist"); err != nil {
		t.Fatalf("DeleteSession() on unknown id error = %v", err)
	}
}

func TestUpgradeSessionPreservesSessionID(t *testing.T) {
	be := newFakeBackend(domain.RuntimeContainer)
	repo := newTestRepo(t)
	backends := map[domain.RuntimeMode]backend.AgentBackend{domain.RuntimeContainer: be}
	cfg := Config{PortRangeMin: 41820, PortRangeMax: 42000, DefaultRuntime: domain.RuntimeContainer}
	c := New(repo, backends, cfg, nil, nil)
	ctx := context.Background()

	created, err := c.StartSession(ctx, "user-1", "/workspace/a", StartOpts{})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if created.ContainerID == "" {
		t.Fatalf("expected container id to be recorded")
	}

	upgraded, err := c.UpgradeSession(ctx, created.ID, StartOpts{})
	if err != nil {
		t.Fatalf("UpgradeSession() error = %v", err)
	}
	if upgraded.ID != created.ID {
		t.Fatalf("expected upgrade to preserve session id, got %q vs %q", upgraded.ID, created.ID)
	}
	if upgraded.Status != domain.SessionRunning {
		t.Fatalf("Status = %q, want running after upgrade", upgraded.Status)
	}
}

func TestStartSessionRejectsUnknownRuntime(t *testing.T) {
	be := newFakeBackend(domain.RuntimeLocal)
	c, _ := newTestCoordinator(t, be)

	_, err := c.StartSession(context.Background(), "user-1", "/workspace/a", StartOpts{Runtime: domain.RuntimeContainer})
	if err == nil {
		t.Fatalf("expected error for unregistered runtime")
	}
	if errkind.Of(err) != errkind.InvalidRequest {
		t.Fatalf("error kind = %q, want invalid_request", errkind.Of(err))
	}
}
