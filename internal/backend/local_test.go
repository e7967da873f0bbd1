package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/byteowlz/sessiond/internal/runner"
)

func startBackendTestRunner(t *testing.T) *runner.Client {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "runner.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d := runner.NewDaemon(nil)
	go func() { _ = d.Serve(ctx, socketPath) }()

	c := runner.NewClient(socketPath, time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.Ping(context.Background()); err == nil {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("test runner daemon never became reachable")
	return nil
}

func newTestLocalBackend(t *testing.T) *LocalBackend {
	t.Helper()
	runnerClient := startBackendTestRunner(t)
	return NewLocalBackend(LocalBackendConfig{
		BasePort:         41900,
		SingleUser:       true,
		AgentBinary:      "/bin/sleep",
		TerminalBinary:   "/bin/sleep",
		FileServerBinary: "/bin/sleep",
	}, runnerClient)
}

func TestLocalBackendStartSessionAllocatesDistinctPorts(t *testing.T) {
	b := newTestLocalBackend(t)
	ctx := context.Background()

	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	handleA, err := b.StartSession(ctx, "user-1", dirA, StartSessionOpts{})
	if err != nil {
		t.Fatalf("StartSession(a) error = %v", err)
	}
	handleB, err := b.StartSession(ctx, "user-1", dirB, StartSessionOpts{})
	if err != nil {
		t.Fatalf("StartSession(b) error = %v", err)
	}

	if handleA.AgentPort == handleB.AgentPort {
		t.Fatalf("expected distinct agent ports, both got %d", handleA.AgentPort)
	}
	if !handleA.IsNew || !handleB.IsNew {
		t.Fatalf("expected both sessions to be new")
	}
}

func TestLocalBackendStartSessionReusesWorkdir(t *testing.T) {
	b := newTestLocalBackend(t)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := b.StartSession(ctx, "user-1", dir, StartSessionOpts{})
	if err != nil {
		t.Fatalf("first StartSession error = %v", err)
	}
	second, err := b.StartSession(ctx, "user-1", dir, StartSessionOpts{})
	if err != nil {
		t.Fatalf("second StartSession error = %v", err)
	}

	if second.IsNew {
		t.Fatalf("expected second call for the same workdir to reuse the session")
	}
	if first.SessionID != second.SessionID || first.AgentPort != second.AgentPort {
		t.Fatalf("expected identical session handle on reuse, got %+v vs %+v", first, second)
	}
}
