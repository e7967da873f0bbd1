package usermgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestDaemon(t *testing.T, policy Policy) (*Client, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "usermgr.sock")
	ctx, cancel := context.WithCancel(context.Background())

	d := NewDaemon(policy, nil)
	go func() { _ = d.Serve(ctx, socketPath) }()

	c := NewClient(socketPath, time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.Ping(context.Background()); err == nil {
			return c, cancel
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatalf("usermgr daemon did not become reachable")
	return nil, cancel
}

func TestUsermgrPing(t *testing.T) {
	c, cancel := startTestDaemon(t, DefaultPolicy())
	defer cancel()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestUsermgrRejectsPathOutsideAllowlist(t *testing.T) {
	c, cancel := startTestDaemon(t, DefaultPolicy())
	defer cancel()

	err := c.Mkdir(context.Background(), "/etc/sessiond-escape")
	if err == nil {
		t.Fatalf("expected mkdir outside allowlist to be rejected")
	}
}

func TestUsermgrMkdirWithinAllowedPrefix(t *testing.T) {
	base := t.TempDir()
	policy := DefaultPolicy()
	policy.PathPrefixes = []string{base}
	c, cancel := startTestDaemon(t, policy)
	defer cancel()

	target := filepath.Join(base, "child", "grandchild")
	if err := c.Mkdir(context.Background(), target); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		t.Fatalf("expected directory to exist at %s", target)
	}
}

func TestUsermgrRejectsUnknownUsernamePrefix(t *testing.T) {
	c, cancel := startTestDaemon(t, DefaultPolicy())
	defer cancel()

	err := c.DeleteUser(context.Background(), "root")
	if err == nil {
		t.Fatalf("expected delete-user on non-prefixed username to be rejected")
	}
}
