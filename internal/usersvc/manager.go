// Package usersvc implements the Per-User Service Manager (C9):
// ref-counted, reuse-before-spawn lifecycle management for the external
// per-user services (history and memory daemons) that live alongside a
// user's agent sessions and persist across them.
package usersvc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/byteowlz/sessiond/internal/runner"
)

// socketReadyTimeout is how long EnsureUserService waits for a freshly
// spawned service's socket path to appear before giving up and returning
// the expected path anyway: the service may still come up, and callers
// are expected to tolerate transient unavailability.
const socketReadyTimeout = 5 * time.Second

// socketPollInterval is how often EnsureUserService polls for the socket
// during socketReadyTimeout.
const socketPollInterval = 100 * time.Millisecond

// Spec describes one external per-user service (e.g. "hstry" or "mmry").
type Spec struct {
	// Name identifies the service, used as part of its Runner process id
	// and as the ref-count map key alongside the user id.
	Name string
	// Binary is the executable to spawn via the Runner when no existing
	// instance is found.
	Binary string
	// Args are passed to Binary when spawning (e.g. {"service", "run"}).
	Args []string
	// SocketPath computes the Unix socket path the service listens on
	// for a given Linux username. Nil for services addressed by port
	// instead (e.g. a memory daemon reachable over HTTP).
	SocketPath func(linuxUsername string) string
	// StatusCheck reports whether the service already appears to be
	// running for linuxUsername, independent of anything this manager
	// has spawned itself (e.g. a systemd-managed instance started
	// before the control plane ran at all).
	StatusCheck func(linuxUsername string) bool
}

type instance struct {
	endpoint     string
	sessionCount int
}

// RunnerClientFor resolves the Runner client to use for a given Linux
// username; production wiring substitutes the per-user Runner socket,
// tests can substitute an in-memory stub.
type RunnerClientFor func(linuxUsername string) (*runner.Client, error)

// Manager tracks and spawns per-user service instances.
type Manager struct {
	linuxUsernameForUserID func(userID string) string
	runnerClientFor        RunnerClientFor

	mu        sync.Mutex
	instances map[string]*instance // "{svc}:{userID}" -> instance
}

// NewManager builds a Manager. linuxUsernameForUserID maps a control-plane
// user id to the Linux account C1 created for it; runnerClientFor resolves
// the Runner client that can spawn processes as that Linux user.
func NewManager(linuxUsernameForUserID func(userID string) string, runnerClientFor RunnerClientFor) *Manager {
	return &Manager{
		linuxUsernameForUserID: linuxUsernameForUserID,
		runnerClientFor:        runnerClientFor,
		instances:              make(map[string]*instance),
	}
}

func instanceKey(svc, userID string) string {
	return svc + ":" + userID
}

func processIDFor(svc, userID string) string {
	return fmt.Sprintf("%s-%s", svc, userID)
}

// EnsureUserService starts (or reuses) spec's service instance for
// userID, ref-counting the call, and returns the endpoint (socket path or
// address) callers should connect to. The service is never stopped by
// Release: persistence across sessions is intentional.
func (m *Manager) EnsureUserService(ctx context.Context, userID string, spec Spec) (string, error) {
	key := instanceKey(spec.Name, userID)

	m.mu.Lock()
	if inst, ok := m.instances[key]; ok {
		inst.sessionCount++
		endpoint := inst.endpoint
		count := inst.sessionCount
		m.mu.Unlock()
		slog.Debug("reusing per-user service", "service", spec.Name, "user_id", userID, "sessions", count)
		return endpoint, nil
	}
	m.mu.Unlock()

	linuxUsername := m.linuxUsernameForUserID(userID)

	var endpoint string
	if spec.SocketPath != nil {
		endpoint = spec.SocketPath(linuxUsername)
	}

	if spec.StatusCheck != nil && spec.StatusCheck(linuxUsername) {
		slog.Info("using existing per-user service", "service", spec.Name, "user_id", userID, "endpoint", endpoint)
		m.store(key, endpoint)
		return endpoint, nil
	}

	client, err := m.runnerClientFor(linuxUsername)
	if err != nil {
		return "", fmt.Errorf("resolving runner client for %s: %w", linuxUsername, err)
	}

	processID := processIDFor(spec.Name, userID)
	slog.Info("spawning per-user service", "service", spec.Name, "user_id", userID, "linux_user", linuxUsername)

	if _, err := client.SpawnRPCProcess(ctx, processID, spec.Binary, spec.Args, "/", nil); err != nil {
		status, statusErr := client.GetStatus(ctx, processID)
		switch {
		case statusErr == nil && status.Running:
			slog.Warn("per-user service process already exists, reusing", "service", spec.Name, "user_id", userID, "pid", status.Pid)
		case statusErr == nil:
			// Stale process entry or crashed process: kill then respawn.
			_ = client.KillProcess(ctx, processID, true)
			if _, err := client.SpawnRPCProcess(ctx, processID, spec.Binary, spec.Args, "/", nil); err != nil {
				return "", fmt.Errorf("respawning %s for user %s after stale process: %w", spec.Name, userID, err)
			}
		default:
			return "", fmt.Errorf("spawning %s via runner: %w", spec.Name, err)
		}
	}

	if spec.SocketPath != nil {
		if !waitForSocketReady(ctx, endpoint) {
			slog.Warn("service socket not ready after spawn", "service", spec.Name, "user_id", userID, "endpoint", endpoint)
		}
	}

	m.store(key, endpoint)
	slog.Info("per-user service ready", "service", spec.Name, "user_id", userID, "endpoint", endpoint)
	return endpoint, nil
}

func (m *Manager) store(key, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[key] = &instance{endpoint: endpoint, sessionCount: 1}
}

// ReleaseUserService decrements the ref count for spec's instance for
// userID. It never stops the underlying service: history and memory
// daemons are expected to persist across sessions.
func (m *Manager) ReleaseUserService(svcName, userID string) {
	key := instanceKey(svcName, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[key]; ok && inst.sessionCount > 0 {
		inst.sessionCount--
	}
}

// Endpoint returns the tracked endpoint for a user's service instance, if
// one has been ensured already.
func (m *Manager) Endpoint(svcName, userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceKey(svcName, userID)]
	if !ok {
		return "", false
	}
	return inst.endpoint, true
}

func waitForSocketReady(ctx context.Context, socketPath string) bool {
	deadline := time.Now().Add(socketReadyTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(socketPollInterval):
		}
	}
	return false
}

// HstrySocketPath returns the Unix socket path a per-user hstry instance
// listens on: XDG_RUNTIME_DIR/hstry.sock when running as that user,
// falling back to a fixed per-user state-directory convention otherwise.
func HstrySocketPath(linuxUsername string) string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return runtimeDir + "/hstry.sock"
	}
	return fmt.Sprintf("/home/%s/.local/state/hstry/hstry.sock", linuxUsername)
}

// CheckExistingHstryService reports whether a hstry instance already
// answers "service status" as linuxUsername, without this manager having
// spawned it (e.g. started by systemd ahead of time).
func CheckExistingHstryService(ctx context.Context, hstryBinary, linuxUsername, currentUser string) bool {
	var cmd *exec.Cmd
	if linuxUsername == currentUser {
		cmd = exec.CommandContext(ctx, hstryBinary, "service", "status")
	} else {
		cmd = exec.CommandContext(ctx, "sudo", "-u", linuxUsername, hstryBinary, "service", "status")
	}

	out, err := cmd.Output()
	if err != nil {
		return false
	}
	stdout := string(out)
	return strings.Contains(stdout, "running") && !strings.Contains(stdout, "stopped")
}
