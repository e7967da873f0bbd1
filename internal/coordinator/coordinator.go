// Package coordinator implements the Session Coordinator (C8): the
// HTTP-visible entry point for session lifecycle operations. It owns the
// session-row database and the host-wide port pool, chooses the Agent
// Backend, and wires per-user OS identity (C1), Runner reachability (C2),
// and per-user services (C9) into session creation.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/byteowlz/sessiond/internal/backend"
	"github.com/byteowlz/sessiond/internal/browser"
	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/errkind"
	"github.com/byteowlz/sessiond/internal/runner"
	"github.com/byteowlz/sessiond/internal/store"
	"github.com/byteowlz/sessiond/internal/usersvc"
)

// attachProbeTimeout bounds how long StartSession waits for the first event
// on the backend's SSE stream; if none arrives in time the session is left
// in status starting rather than marked running.
const attachProbeTimeout = 5 * time.Second

// OSUserEnsurer provisions (or confirms) the Linux account backing a
// control-plane user id, returning its Linux username. Implementations
// wrap the User-Management Daemon client (C1); tests substitute a stub.
type OSUserEnsurer interface {
	EnsureUser(ctx context.Context, userID string) (linuxUsername string, err error)
}

// RunnerDialer resolves a live Runner client for linuxUsername, spawning
// its systemd user service first if necessary. Implementations return an
// error if the Runner cannot be made reachable.
type RunnerDialer func(ctx context.Context, linuxUsername string) (*runner.Client, error)

// Config configures the Coordinator's host-wide port pool and the default
// backend choice.
type Config struct {
	// PortRangeMin/PortRangeMax bound the primary port pool C8 allocates
	// the three per-session slots from.
	PortRangeMin int
	PortRangeMax int

	// DefaultRuntime is used when a caller does not specify one.
	DefaultRuntime domain.RuntimeMode

	// MultiUser gates OS-user provisioning and per-user Runner dialing.
	MultiUser bool

	// AgentBasePort/MaxAgents are stamped on every new session row as the
	// reserved (not yet scheduled) sub-agent port range.
	AgentBasePort int
	MaxAgents     int
}

// Coordinator creates, resumes, stops, deletes, and upgrades sessions.
type Coordinator struct {
	repo     store.Repository
	backends map[domain.RuntimeMode]backend.AgentBackend
	cfg      Config

	osUsers    OSUserEnsurer
	dialRunner RunnerDialer

	userSvc   *usersvc.Manager
	hstrySpec *usersvc.Spec
	mmrySpec  *usersvc.Spec
	mmryBase  int
	mmryRange int

	browserSupervisor *browser.Supervisor
	browserCfg        browser.Config
}

// New builds a Coordinator. backends must contain an entry for
// cfg.DefaultRuntime at minimum. osUsers/dialRunner may be nil when
// cfg.MultiUser is false.
func New(repo store.Repository, backends map[domain.RuntimeMode]backend.AgentBackend, cfg Config, osUsers OSUserEnsurer, dialRunner RunnerDialer) *Coordinator {
	return &Coordinator{
		repo:       repo,
		backends:   backends,
		cfg:        cfg,
		osUsers:    osUsers,
		dialRunner: dialRunner,
	}
}

// WithUserServices enables C9 wiring: hstrySpec, when non-nil, is ensured
// on every session start. mmrySpec, when non-nil, is ensured with a port
// derived deterministically per user from (mmryBase, mmryRange) appended
// to its Args. Returns c for chaining at construction time.
func (c *Coordinator) WithUserServices(mgr *usersvc.Manager, hstrySpec, mmrySpec *usersvc.Spec, mmryBase, mmryRange int) *Coordinator {
	c.userSvc = mgr
	c.hstrySpec = hstrySpec
	c.mmrySpec = mmrySpec
	c.mmryBase = mmryBase
	c.mmryRange = mmryRange
	return c
}

// WithBrowserSupervisor enables C5 wiring: every session start ensures a
// browser sidecar and stamps its deterministic stream port on the row.
func (c *Coordinator) WithBrowserSupervisor(sup *browser.Supervisor, cfg browser.Config) *Coordinator {
	c.browserSupervisor = sup
	c.browserCfg = cfg
	return c
}

// StartOpts carries the caller's requested session configuration.
type StartOpts struct {
	Runtime         domain.RuntimeMode // empty uses cfg.DefaultRuntime
	Agent           string
	Model           string
	ResumeSessionID string
	ProjectID       string
	Env             map[string]string
}

// StartSession creates a new session for (userID, workspacePath), or
// resumes one whose row already exists in a terminal state, reusing its
// stored ports. A row that is already active (starting or running) is
// returned unchanged — starting twice for the same workspace is
// idempotent, mirroring the backends' own resume-by-workdir behavior.
//
// Failure after port allocation releases the ports before returning, and
// leaves the row in status failed with an error message rather than
// partially committed.
func (c *Coordinator) StartSession(ctx context.Context, userID, workspacePath string, opts StartOpts) (*domain.Session, error) {
	existing, err := c.repo.GetSessionByWorkspace(ctx, userID, workspacePath)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "looking up existing session", err)
	}
	if existing != nil && existing.Status.IsActive() {
		return existing, nil
	}

	runtime := opts.Runtime
	if runtime == "" {
		runtime = c.cfg.DefaultRuntime
	}
	be, ok := c.backends[runtime]
	if !ok {
		return nil, errkind.New(errkind.InvalidRequest, fmt.Sprintf("no backend registered for runtime %q", runtime))
	}

	linuxUsername := userID
	if c.cfg.MultiUser {
		linuxUsername, err = c.osUsers.EnsureUser(ctx, userID)
		if err != nil {
			return nil, errkind.Wrap(errkind.Unavailable, "provisioning OS user", err)
		}
		if _, err := c.dialRunner(ctx, linuxUsername); err != nil {
			return nil, errkind.Wrap(errkind.Unavailable, "runner unreachable for user", err)
		}
	}

	resuming := existing != nil
	var sessionID, readableID string
	var ports []int
	if resuming {
		sessionID, readableID = existing.ID, existing.ReadableID
		ports = []int{existing.AgentPort, existing.FileServerPort, existing.TerminalPort}
	} else {
		sessionID = "ses_" + uuid.NewString()
		readableID = generateReadableID()
		ports, err = c.repo.AllocatePortSlots(ctx, 3, c.cfg.PortRangeMin, c.cfg.PortRangeMax)
		if err != nil {
			return nil, errkind.Wrap(errkind.Unavailable, "allocating port slots", err)
		}
	}
	agentPort, fileServerPort, terminalPort := ports[0], ports[1], ports[2]

	if !resuming {
		now := time.Now()
		row := &domain.Session{
			ID:             sessionID,
			ReadableID:     readableID,
			UserID:         userID,
			Runtime:        runtime,
			WorkspacePath:  workspacePath,
			Agent:          opts.Agent,
			Model:          opts.Model,
			AgentPort:      agentPort,
			FileServerPort: fileServerPort,
			TerminalPort:   terminalPort,
			AgentBasePort:  c.cfg.AgentBasePort,
			MaxAgents:      c.cfg.MaxAgents,
			Status:         domain.SessionPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if c.browserSupervisor != nil {
			if port, err := browser.StreamPort(c.browserCfg, browser.SessionName(sessionID)); err == nil {
				row.BrowserStreamPort = port
			}
		}
		if c.mmrySpec != nil {
			row.MmryPort = deterministicPort(userID, c.mmryBase, c.mmryRange)
		}
		if err := c.repo.CreateSession(ctx, row); err != nil {
			_ = c.repo.ReleasePortSlots(ctx, ports)
			return nil, errkind.Wrap(errkind.IO, "writing session row", err)
		}
	}

	handle, startErr := be.StartSession(ctx, userID, workspacePath, backend.StartSessionOpts{
		Model:           opts.Model,
		Agent:           opts.Agent,
		ResumeSessionID: opts.ResumeSessionID,
		ProjectID:       opts.ProjectID,
		Env:             opts.Env,
		SessionID:       sessionID,
		AgentPort:       agentPort,
		TerminalPort:    terminalPort,
		FileServerPort:  fileServerPort,
	})
	if startErr != nil {
		if !resuming {
			_ = c.repo.ReleasePortSlots(ctx, ports)
		}
		_ = c.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionFailed, startErr.Error())
		return nil, errkind.Wrap(errkind.SpawnFailed, "starting backend session", startErr)
	}

	if runtime == domain.RuntimeContainer && handle.ContainerID != "" {
		if err := c.repo.UpdateSessionContainer(ctx, sessionID, handle.ContainerID, ""); err != nil {
			slog.Warn("coordinator: failed to record container id", "session_id", sessionID, "error", err)
		}
	}
	if err := c.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionStarting, ""); err != nil {
		slog.Warn("coordinator: failed to mark session starting", "session_id", sessionID, "error", err)
	}

	if c.waitUntilAttachable(ctx, be, userID, sessionID) {
		if err := c.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionRunning, ""); err != nil {
			slog.Warn("coordinator: failed to mark session running", "session_id", sessionID, "error", err)
		}
	} else {
		slog.Warn("coordinator: session did not report an open event stream in time, leaving status starting", "session_id", sessionID)
	}

	if c.browserSupervisor != nil {
		if err := c.browserSupervisor.EnsureSession(ctx, sessionID); err != nil {
			slog.Warn("coordinator: browser sidecar ensure failed", "session_id", sessionID, "error", err)
		}
	}
	c.ensureUserServices(ctx, userID)

	return c.repo.GetSession(ctx, sessionID)
}

// waitUntilAttachable opens the backend's SSE event stream briefly to
// confirm the session is actually serving before the row transitions to
// running, per spec.md's "first successful health()/SSE open" contract.
func (c *Coordinator) waitUntilAttachable(ctx context.Context, be backend.AgentBackend, userID, sessionID string) bool {
	attachCtx, cancel := context.WithTimeout(ctx, attachProbeTimeout)
	defer cancel()

	events, err := be.Attach(attachCtx, userID, sessionID)
	if err != nil {
		return false
	}
	select {
	case ev, ok := <-events:
		return ok && ev.Err == nil
	case <-attachCtx.Done():
		return false
	}
}

// ensureUserServices spawns or reuses the per-user hstry/mmry daemons (C9)
// for a session's owner. Failures are logged, not surfaced: callers
// tolerate transient unavailability of these auxiliary services.
func (c *Coordinator) ensureUserServices(ctx context.Context, userID string) {
	if c.userSvc == nil {
		return
	}
	if c.hstrySpec != nil {
		if _, err := c.userSvc.EnsureUserService(ctx, userID, *c.hstrySpec); err != nil {
			slog.Warn("coordinator: ensuring hstry service failed", "user_id", userID, "error", err)
		}
	}
	if c.mmrySpec != nil {
		spec := *c.mmrySpec
		port := deterministicPort(userID, c.mmryBase, c.mmryRange)
		spec.Args = append(append([]string{}, c.mmrySpec.Args...), "--port", fmt.Sprintf("%d", port))
		if _, err := c.userSvc.EnsureUserService(ctx, userID, spec); err != nil {
			slog.Warn("coordinator: ensuring mmry service failed", "user_id", userID, "error", err)
		}
	}
}

// StopSession calls the backend's graceful stop and marks the row
// stopped. Safe to call more than once.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) error {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return errkind.Wrap(errkind.IO, "looking up session", err)
	}
	if sess == nil {
		return errkind.New(errkind.NotFound, "session not found")
	}
	be, ok := c.backends[sess.Runtime]
	if !ok {
		return errkind.New(errkind.InvalidRequest, fmt.Sprintf("no backend registered for runtime %q", sess.Runtime))
	}
	if err := be.StopSession(ctx, sess.UserID, sessionID); err != nil {
		return errkind.Wrap(errkind.IO, "stopping backend session", err)
	}
	if c.browserSupervisor != nil {
		if err := c.browserSupervisor.StopSession(ctx, sessionID); err != nil {
			slog.Warn("coordinator: browser sidecar stop failed", "session_id", sessionID, "error", err)
		}
	}
	if err := c.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionStopped, ""); err != nil {
		return errkind.Wrap(errkind.IO, "updating session status", err)
	}
	return nil
}

// DeleteSession stops the session if still active, removes its row, and
// releases its port slots back to the pool. Idempotent: deleting an
// already-deleted session id is a no-op.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return errkind.Wrap(errkind.IO, "looking up session", err)
	}
	if sess == nil {
		return nil
	}
	if be, ok := c.backends[sess.Runtime]; ok {
		if err := be.StopSession(ctx, sess.UserID, sessionID); err != nil {
			slog.Warn("coordinator: stop during delete failed, proceeding with row removal", "session_id", sessionID, "error", err)
		}
	}
	if c.browserSupervisor != nil {
		if err := c.browserSupervisor.StopSession(ctx, sessionID); err != nil {
			slog.Warn("coordinator: browser sidecar stop during delete failed", "session_id", sessionID, "error", err)
		}
	}
	ports := []int{sess.AgentPort, sess.FileServerPort, sess.TerminalPort}
	if err := c.repo.DeleteSession(ctx, sessionID); err != nil {
		return errkind.Wrap(errkind.IO, "deleting session row", err)
	}
	if err := c.repo.ReleasePortSlots(ctx, ports); err != nil {
		slog.Warn("coordinator: failed to release port slots on delete", "session_id", sessionID, "error", err)
	}
	return nil
}

// UpgradeSession stops the session, then restarts it against the current
// backend configuration (image digest or binary path), preserving the
// session id. The row's ports are reused, matching resume semantics.
func (c *Coordinator) UpgradeSession(ctx context.Context, sessionID string, opts StartOpts) (*domain.Session, error) {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "looking up session", err)
	}
	if sess == nil {
		return nil, errkind.New(errkind.NotFound, "session not found")
	}
	if be, ok := c.backends[sess.Runtime]; ok {
		if err := be.StopSession(ctx, sess.UserID, sessionID); err != nil {
			return nil, errkind.Wrap(errkind.IO, "stopping session for upgrade", err)
		}
	}
	if err := c.repo.UpdateSessionStatus(ctx, sessionID, domain.SessionStopped, ""); err != nil {
		return nil, errkind.Wrap(errkind.IO, "marking session stopped before upgrade", err)
	}
	if opts.Runtime == "" {
		opts.Runtime = sess.Runtime
	}
	if opts.Agent == "" {
		opts.Agent = sess.Agent
	}
	if opts.Model == "" {
		opts.Model = sess.Model
	}
	return c.StartSession(ctx, sess.UserID, sess.WorkspacePath, opts)
}

// GetSession returns a session row by id, or nil if none exists.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "looking up session", err)
	}
	return sess, nil
}

// ListSessions returns every session row owned by userID.
func (c *Coordinator) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	sessions, err := c.repo.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "listing sessions", err)
	}
	return sessions, nil
}

// deterministicPort derives a stable port in [base, base+rng) from key,
// using the same djb2-style shift-5 accumulator the Browser Supervisor
// uses for its stream ports, so per-user singleton services (mmry) get a
// reproducible address across control-plane restarts without a lookup
// table.
func deterministicPort(key string, base, rng int) int {
	if rng <= 0 {
		return base
	}
	var hash int32
	for _, b := range []byte(key) {
		hash = (hash << 5) - hash + int32(b)
	}
	abs := int64(hash)
	if abs < 0 {
		abs = -abs
	}
	return base + int(abs%int64(rng))
}

var readableAdjectives = []string{
	"cool", "quiet", "brave", "tiny", "swift", "calm", "bright", "quick",
	"gentle", "bold", "happy", "lucky", "clever", "steady", "warm", "sharp",
}
var readableNouns1 = []string{
	"lamp", "river", "cloud", "stone", "maple", "ember", "harbor", "cedar",
	"meadow", "canyon", "ridge", "delta", "willow", "grove", "tide", "peak",
}
var readableNouns2 = []string{
	"bird", "fox", "otter", "wren", "hare", "lynx", "moth", "crane",
	"finch", "seal", "heron", "vole", "swan", "mole", "dove", "stoat",
}

// generateReadableID returns a short, memorable three-word alternate id
// for a session, e.g. "cool-lamp-bird", deterministically unrelated to
// the opaque session id it accompanies.
func generateReadableID() string {
	return fmt.Sprintf("%s-%s-%s",
		readableAdjectives[rand.Intn(len(readableAdjectives))],
		readableNouns1[rand.Intn(len(readableNouns1))],
		readableNouns2[rand.Intn(len(readableNouns2))],
	)
}
