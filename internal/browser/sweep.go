package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Sweep implements the startup sweep over stale sidecars left behind by a
// prior control-plane process (one that outlived its parent, or a crash
// that skipped cleanup): walk the socket base directory, and for each
// per-session directory's "<name>.pid" file, signal 0 checks whether the
// process is still alive; if so, SIGTERM is sent and the kill counted.
// The session directory is removed either way, since its owning
// control-plane process is gone regardless of whether the sidecar is.
func (s *Supervisor) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.SocketDirBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading browser socket directory: %w", err)
	}

	var killed int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "ab-") {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(s.cfg.SocketDirBase, name)

		if pid, ok := readPID(pidFile(s.cfg, name)); ok {
			if unix.Kill(pid, 0) == nil {
				_ = unix.Kill(pid, unix.SIGTERM)
				killed++
			}
		}
		_ = os.RemoveAll(dir)
	}
	if killed > 0 {
		slog.Info("browser supervisor: cleaned up stale sidecars", "count", killed)
	}
	return nil
}

func readPID(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
