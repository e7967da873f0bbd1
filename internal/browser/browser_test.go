package browser

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSessionNameIsDeterministic(t *testing.T) {
	a := SessionName("session-123")
	b := SessionName("session-123")
	if a != b {
		t.Fatalf("SessionName not deterministic: %q vs %q", a, b)
	}
	if a[:3] != "ab-" {
		t.Fatalf("SessionName() = %q, want ab- prefix", a)
	}
}

func TestSessionNameDistinctForDistinctSessions(t *testing.T) {
	a := SessionName("session-1")
	b := SessionName("session-2")
	if a == b {
		t.Fatalf("expected distinct session names, both %q", a)
	}
}

func TestStreamPortDeterministicAndInRange(t *testing.T) {
	cfg := Config{StreamPortBase: 30000, StreamPortRange: 10000}
	name := SessionName("session-123")

	p1, err := StreamPort(cfg, name)
	if err != nil {
		t.Fatalf("StreamPort() error = %v", err)
	}
	p2, err := StreamPort(cfg, name)
	if err != nil {
		t.Fatalf("StreamPort() error = %v", err)
	}
	if p1 != p2 {
		t.Fatalf("StreamPort not deterministic: %d vs %d", p1, p2)
	}
	if p1 < cfg.StreamPortBase || p1 >= cfg.StreamPortBase+cfg.StreamPortRange {
		t.Fatalf("StreamPort() = %d, out of range [%d, %d)", p1, cfg.StreamPortBase, cfg.StreamPortBase+cfg.StreamPortRange)
	}
}

func TestStreamPortRejectsZeroRange(t *testing.T) {
	cfg := Config{StreamPortBase: 30000, StreamPortRange: 0}
	if _, err := StreamPort(cfg, "ab-whatever"); err == nil {
		t.Fatalf("expected error for zero stream_port_range")
	}
}

func TestStreamPortRejectsOverflowingRange(t *testing.T) {
	cfg := Config{StreamPortBase: 60000, StreamPortRange: 10000}
	if _, err := StreamPort(cfg, "ab-whatever"); err == nil {
		t.Fatalf("expected error for range exceeding 65535")
	}
}

func TestResolveSocketDirBasePrefersOverride(t *testing.T) {
	if got := ResolveSocketDirBase("/custom/dir"); got != "/custom/dir" {
		t.Fatalf("ResolveSocketDirBase() = %q, want /custom/dir", got)
	}
}

func TestResolveSocketDirBaseFallsBackToXDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/xdg-state")
	got := ResolveSocketDirBase("")
	want := filepath.Join("/xdg-state", "sessiond", "agent-browser")
	if got != want {
		t.Fatalf("ResolveSocketDirBase() = %q, want %q", got, want)
	}
}

func TestSocketPathAndSessionDirNestUnderName(t *testing.T) {
	cfg := Config{SocketDirBase: "/state"}
	name := "ab-0123456789abcdef"

	wantDir := filepath.Join("/state", name)
	if got := SessionDir(cfg, name); got != wantDir {
		t.Fatalf("SessionDir() = %q, want %q", got, wantDir)
	}
	wantSock := filepath.Join(wantDir, name+".sock")
	if got := SocketPath(cfg, name); got != wantSock {
		t.Fatalf("SocketPath() = %q, want %q", got, wantSock)
	}
}

func TestDescribeComputesSocketDirAndStreamPort(t *testing.T) {
	cfg := Config{StreamPortBase: 30000, StreamPortRange: 10000, SocketDirBase: t.TempDir()}
	sup := NewSupervisor(cfg)

	desc, err := sup.Describe("session-123")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	wantName := SessionName("session-123")
	if desc.Name != wantName {
		t.Fatalf("Describe().Name = %q, want %q", desc.Name, wantName)
	}
	if desc.SessionID != "session-123" {
		t.Fatalf("Describe().SessionID = %q, want session-123", desc.SessionID)
	}
	wantDir := filepath.Join(cfg.SocketDirBase, desc.Name)
	if desc.SocketDir != wantDir {
		t.Fatalf("Describe().SocketDir = %q, want %q", desc.SocketDir, wantDir)
	}
	if desc.StreamPort < cfg.StreamPortBase || desc.StreamPort >= cfg.StreamPortBase+cfg.StreamPortRange {
		t.Fatalf("Describe().StreamPort = %d, out of range", desc.StreamPort)
	}
}

func TestDescribeHonorsStreamPortOverrideFile(t *testing.T) {
	cfg := Config{StreamPortBase: 30000, StreamPortRange: 10000, SocketDirBase: t.TempDir()}
	sup := NewSupervisor(cfg)
	name := SessionName("session-override")

	dir := SessionDir(sup.cfg, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(streamPortFile(sup.cfg, name), []byte("40123"), 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	desc, err := sup.Describe("session-override")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if desc.StreamPort != 40123 {
		t.Fatalf("Describe().StreamPort = %d, want 40123 (override)", desc.StreamPort)
	}
}
