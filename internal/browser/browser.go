// Package browser implements the Browser Supervisor (C5): it launches and
// stops per-session agent-browser sidecar processes and derives the
// deterministic names, ports, and socket paths those sidecars use, so two
// control-plane processes (or a restarted one) agree on where to find a
// given session's browser without a lookup table.
package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/google/uuid"
)

// sessionNamespace is the UUIDv5 namespace used to derive stable,
// filesystem-safe browser session names from a control-plane session id.
var sessionNamespace = uuid.MustParse("6f1b1b7a-8f1e-4f0e-9a9c-6b0f6e7e6c0a")

// Config configures the Browser Supervisor.
type Config struct {
	Enabled         bool
	Binary          string
	Headed          bool
	StreamPortBase  int
	StreamPortRange int
	// SocketDirBase is where per-session sidecar directories live, resolved
	// by ResolveSocketDirBase if left empty. On Linux this should land on a
	// real filesystem (XDG_STATE_HOME), not XDG_RUNTIME_DIR: a tmpfs
	// bind-mounted into a sandbox does not share the host's tmpfs layer, so
	// a socket created on the host would never become visible inside it.
	SocketDirBase string
	SpawnTimeout  time.Duration
}

// ResolveSocketDirBase picks the directory agent-browser sidecar session
// directories live under: an explicit override first, then
// XDG_STATE_HOME, then $HOME/.local/state, then the OS temp dir.
func ResolveSocketDirBase(override string) string {
	if override != "" {
		return override
	}
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "sessiond", "agent-browser")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "sessiond", "agent-browser")
	}
	return filepath.Join(os.TempDir(), "sessiond", "agent-browser")
}

// SessionName derives a stable "ab-"-prefixed name for a control-plane
// session id. Deterministic and content-addressed: the same session id
// always names the same browser sidecar, across restarts.
func SessionName(sessionID string) string {
	id := uuid.NewSHA1(sessionNamespace, []byte(sessionID))
	return "ab-" + strings.ReplaceAll(id.String(), "-", "")[:16]
}

// StreamPort computes the deterministic screencast stream port for a
// session name: base + (|hash(name)| mod range). The hash is the same
// 32-bit shift-5 accumulator the agent-browser CLI itself uses, so a port
// computed here and one computed by the sidecar binary always agree.
func StreamPort(cfg Config, name string) (int, error) {
	if cfg.StreamPortRange <= 0 {
		return 0, fmt.Errorf("stream_port_range must be > 0")
	}
	maxPort := cfg.StreamPortBase + cfg.StreamPortRange
	if maxPort > 65535 {
		return 0, fmt.Errorf("stream port range exceeds 65535 (base=%d, range=%d)", cfg.StreamPortBase, cfg.StreamPortRange)
	}

	var hash int32
	for _, b := range []byte(name) {
		hash = (hash << 5) - hash + int32(b)
	}
	abs := int64(hash)
	if abs < 0 {
		abs = -abs
	}
	offset := int(abs % int64(cfg.StreamPortRange))
	return cfg.StreamPortBase + offset, nil
}

// resolveStreamPort honors a stream-port override file the sidecar itself
// may have written under the session directory before falling back to the
// deterministic hash, matching the discovery order the agent-browser CLI
// uses: "<socket_dir>/<name>.stream" first, hash second.
func resolveStreamPort(cfg Config, name string) (int, error) {
	if raw, err := os.ReadFile(streamPortFile(cfg, name)); err == nil {
		if port, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && port > 0 {
			return port, nil
		}
	}
	return StreamPort(cfg, name)
}

// SessionDir returns the per-session directory a sidecar's socket, pid
// file, and stream-port override file live under.
func SessionDir(cfg Config, name string) string {
	return filepath.Join(cfg.SocketDirBase, name)
}

// SocketPath returns the Unix socket path a sidecar for the given session
// name listens on.
func SocketPath(cfg Config, name string) string {
	return filepath.Join(SessionDir(cfg, name), name+".sock")
}

func pidFile(cfg Config, name string) string {
	return filepath.Join(SessionDir(cfg, name), name+".pid")
}

func streamPortFile(cfg Config, name string) string {
	return filepath.Join(SessionDir(cfg, name), name+".stream")
}

// Supervisor starts and stops per-session agent-browser sidecars.
type Supervisor struct {
	cfg Config
}

// NewSupervisor builds a Supervisor. Sweep should be called once at
// startup before serving any session.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 15 * time.Second
	}
	cfg.SocketDirBase = ResolveSocketDirBase(cfg.SocketDirBase)
	return &Supervisor{cfg: cfg}
}

// Describe builds the full descriptor for a session's browser sidecar: its
// deterministic name, socket directory, and stream port (honoring a
// sidecar-written override file).
func (s *Supervisor) Describe(sessionID string) (domain.BrowserSession, error) {
	name := SessionName(sessionID)
	port, err := resolveStreamPort(s.cfg, name)
	if err != nil {
		return domain.BrowserSession{}, err
	}
	return domain.BrowserSession{
		SessionID:  sessionID,
		Name:       name,
		SocketDir:  SessionDir(s.cfg, name),
		StreamPort: port,
	}, nil
}

// EnsureSession starts the sidecar for sessionID if it is not already
// running, navigating to about:blank once ready.
func (s *Supervisor) EnsureSession(ctx context.Context, sessionID string) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.runCommand(ctx, sessionID, "open", "about:blank")
}

// StopSession stops the sidecar for sessionID.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string) error {
	if !s.cfg.Enabled {
		return nil
	}
	return s.runCommand(ctx, sessionID, "close")
}

func (s *Supervisor) runCommand(ctx context.Context, sessionID string, args ...string) error {
	name := SessionName(sessionID)
	streamPort, err := resolveStreamPort(s.cfg, name)
	if err != nil {
		return err
	}

	sessionDir := SessionDir(s.cfg, name)
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return fmt.Errorf("creating agent-browser socket dir %s: %w", sessionDir, err)
	}
	// MkdirAll applies the process umask to the mode above, so set it
	// explicitly: owner rwx, group rx, matching the oqto-browserd daemon's
	// own convention for group-shared socket access.
	if err := os.Chmod(sessionDir, 0o750); err != nil {
		return fmt.Errorf("setting permissions on agent-browser socket dir %s: %w", sessionDir, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout)
	defer cancel()

	cmdArgs := []string{"--session", name}
	if s.cfg.Headed {
		cmdArgs = append(cmdArgs, "--headed")
	}
	cmdArgs = append(cmdArgs, args...)

	cmd := exec.CommandContext(ctx, s.cfg.Binary, cmdArgs...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("AGENT_BROWSER_STREAM_PORT=%d", streamPort),
		fmt.Sprintf("AGENT_BROWSER_SOCKET_DIR=%s", sessionDir),
		fmt.Sprintf("AGENT_BROWSER_SOCKET_DIR_BASE=%s", s.cfg.SocketDirBase),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("agent-browser command %v failed: %w: %s", args, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NavigateURL returns the URL a frontend should use to view the browser
// session's screencast stream.
func NavigateURL(cfg Config, sessionID string) (string, error) {
	name := SessionName(sessionID)
	port, err := resolveStreamPort(cfg, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ws://localhost:%d", port), nil
}
