package usersvc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/byteowlz/sessiond/internal/runner"
)

func startTestRunner(t *testing.T) *runner.Client {
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

func TestEnsureUserServiceSpawnsOnce(t *testing.T) {
	client := startTestRunner(t)
	m := NewManager(
		func(userID string) string { return "linuxuser-" + userID },
		func(linuxUsername string) (*runner.Client, error) { return client, nil },
	)

	spec := Spec{
		Name:   "hstry",
		Binary: "/bin/sleep",
		Args:   []string{"100"},
	}

	endpoint1, err := m.EnsureUserService(context.Background(), "user-1", spec)
	if err != nil {
		t.Fatalf("EnsureUserService() error = %v", err)
	}
	endpoint2, err := m.EnsureUserService(context.Background(), "user-1", spec)
	if err != nil {
		t.Fatalf("second EnsureUserService() error = %v", err)
	}
	if endpoint1 != endpoint2 {
		t.Fatalf("expected stable endpoint across reuse, got %q vs %q", endpoint1, endpoint2)
	}

	got, ok := m.Endpoint("hstry", "user-1")
	if !ok || got != endpoint1 {
		t.Fatalf("Endpoint() = (%q, %v), want (%q, true)", got, ok, endpoint1)
	}
}

func TestReleaseUserServiceDoesNotRemoveInstance(t *testing.T) {
	client := startTestRunner(t)
	m := NewManager(
		func(userID string) string { return "linuxuser-" + userID },
		func(linuxUsername string) (*runner.Client, error) { return client, nil },
	)

	spec := Spec{Name: "mmry", Binary: "/bin/sleep", Args: []string{"100"}}

	if _, err := m.EnsureUserService(context.Background(), "user-2", spec); err != nil {
		t.Fatalf("EnsureUserService() error = %v", err)
	}

	m.ReleaseUserService("mmry", "user-2")

	if _, ok := m.Endpoint("mmry", "user-2"); !ok {
		t.Fatalf("expected service instance to persist after release")
	}
}

func TestEnsureUserServiceReusesExistingStatusCheck(t *testing.T) {
	client := startTestRunner(t)
	spawnCalled := false
	m := NewManager(
		func(userID string) string { return "linuxuser-" + userID },
		func(linuxUsername string) (*runner.Client, error) {
			spawnCalled = true
			return client, nil
		},
	)

	spec := Spec{
		Name:        "hstry",
		Binary:      "/bin/sleep",
		Args:        []string{"100"},
		SocketPath:  func(linuxUsername string) string { return "/run/" + linuxUsername + "/hstry.sock" },
		StatusCheck: func(linuxUsername string) bool { return true },
	}

	endpoint, err := m.EnsureUserService(context.Background(), "user-3", spec)
	if err != nil {
		t.Fatalf("EnsureUserService() error = %v", err)
	}
	if endpoint == "" {
		t.Fatalf("expected non-empty endpoint from status-check path")
	}
	if spawnCalled {
		t.Fatalf("expected StatusCheck hit to skip spawning a runner client")
	}
}
