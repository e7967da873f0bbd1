package browser

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestSweepRemovesStaleDirectoryWithDeadPID(t *testing.T) {
	base := t.TempDir()
	name := "ab-0123456789abcdef"
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	// A pid far beyond any real process, used purely as a dead-pid
	// sentinel distinct from this test process's own pid.
	if err := os.WriteFile(filepath.Join(dir, name+".pid"), []byte("999999999"), 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sup := &Supervisor{cfg: Config{SocketDirBase: base}}
	if err := sup.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected stale session dir to be removed, stat err = %v", err)
	}
}

func TestSweepIgnoresNonSessionEntries(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "not-a-session.txt"), []byte("x"), 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(base, "other-dir"), 0o750); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	sup := &Supervisor{cfg: Config{SocketDirBase: base}}
	if err := sup.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(base, "other-dir")); err != nil {
		t.Fatalf("expected non ab--prefixed dir to survive sweep: %v", err)
	}
}

func TestSweepHandlesMissingBaseDir(t *testing.T) {
	sup := &Supervisor{cfg: Config{SocketDirBase: filepath.Join(t.TempDir(), "does-not-exist")}}
	if err := sup.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v, want nil for missing base dir", err)
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, ok := readPID(path); ok {
		t.Fatalf("readPID() ok = true, want false for garbage content")
	}
}

func TestReadPIDParsesValidPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(4242)+"\n"), 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	pid, ok := readPID(path)
	if !ok || pid != 4242 {
		t.Fatalf("readPID() = (%d, %v), want (4242, true)", pid, ok)
	}
}
