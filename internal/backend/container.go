package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerBackendConfig configures the Docker-backed Agent Backend. It
// generalizes the teacher's fixed playground:latest single-container model
// into a per-session container whose image is expected to run the agent,
// terminal server, and file server on three fixed internal ports, mapped to
// dynamically allocated host ports.
type ContainerBackendConfig struct {
	Image       string
	NetworkName string
	Runtime     string

	AgentContainerPort      int
	TerminalContainerPort   int
	FileServerContainerPort int

	HostPortBase int

	MemoryLimitBytes int64
	CPUQuota         int64
	PidsLimit        int64

	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
	StopTimeoutSecs     int

	HTTPClient *http.Client
}

type containerSession struct {
	sessionID      string
	userID         string
	containerID    string
	workdir        string
	agentPort      int
	terminalPort   int
	fileServerPort int
}

// ContainerBackend runs one Docker container per session, generalized from
// the teacher's per-user playground container model.
type ContainerBackend struct {
	cli  *client.Client
	cfg  ContainerBackendConfig
	http *http.Client

	mu       sync.Mutex
	sessions map[string]*containerSession
	nextPort int
}

// NewContainerBackend builds a ContainerBackend using an existing Docker
// client (shared with whatever else in the control plane needs one).
func NewContainerBackend(cli *client.Client, cfg ContainerBackendConfig) *ContainerBackend {
	if cfg.HostPortBase == 0 {
		cfg.HostPortBase = 41820
	}
	if cfg.CreateRetryAttempts == 0 {
		cfg.CreateRetryAttempts = 20
	}
	if cfg.CreateRetryDelay == 0 {
		cfg.CreateRetryDelay = 250 * time.Millisecond
	}
	if cfg.StopTimeoutSecs == 0 {
		cfg.StopTimeoutSecs = 10
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ContainerBackend{
		cli:      cli,
		cfg:      cfg,
		http:     httpClient,
		sessions: make(map[string]*containerSession),
		nextPort: cfg.HostPortBase,
	}
}

func (b *ContainerBackend) allocatePorts() (agent, terminal, fileserver int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent = b.nextPort
	terminal = b.nextPort + 1
	fileserver = b.nextPort + 2
	b.nextPort += 3
	return
}

func (b *ContainerBackend) findByWorkdir(userID, workdir string) *containerSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.userID == userID && s.workdir == workdir {
			return s
		}
	}
	return nil
}

func (b *ContainerBackend) getSession(sessionID string) *containerSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

func (b *ContainerBackend) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conversation, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.userID != userID {
			continue
		}
		out = append(out, Conversation{ID: s.sessionID, WorkspacePath: s.workdir, IsActive: true})
	}
	return out, nil
}

func (b *ContainerBackend) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	convs, err := b.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		if c.ID == conversationID {
			return &c, nil
		}
	}
	return nil, nil
}

func (b *ContainerBackend) GetMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	session := b.getSession(conversationID)
	if session == nil {
		return nil, fmt.Errorf("conversation %q not found", conversationID)
	}
	url := fmt.Sprintf("http://localhost:%d/session/%s/message", session.agentPort, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	defer resp.Body.Close()
	var messages []Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return messages, nil
}

// StartSession creates (or reuses) a per-session container, binding its
// fixed internal agent/terminal/fileserver ports to freshly allocated host
// ports, and mounting a named per-session volume (sessiond-<sessionID>-data)
// at /workspace; the host workdir itself is not mounted.
func (b *ContainerBackend) StartSession(ctx context.Context, userID, workdir string, opts StartSessionOpts) (SessionHandle, error) {
	if existing := b.findByWorkdir(userID, workdir); existing != nil {
		running, err := b.isRunning(ctx, existing.containerID)
		if err == nil && running {
			return SessionHandle{
				SessionID:      existing.sessionID,
				AgentSessionID: opts.ResumeSessionID,
				APIURL:         fmt.Sprintf("http://localhost:%d", existing.agentPort),
				AgentPort:      existing.agentPort,
				TerminalPort:   existing.terminalPort,
				FileServerPort: existing.fileServerPort,
				Workdir:        workdir,
				IsNew:          false,
				ContainerID:    existing.containerID,
			}, nil
		}
	}

	var agentPort, terminalPort, fileServerPort int
	if opts.HasExplicitPorts() {
		agentPort, terminalPort, fileServerPort = opts.AgentPort, opts.TerminalPort, opts.FileServerPort
	} else {
		agentPort, terminalPort, fileServerPort = b.allocatePorts()
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("ctr-%s-%d", userID, agentPort)
	}
	containerName := fmt.Sprintf("sessiond-%s", sessionID)
	volumeName := fmt.Sprintf("sessiond-%s-data", sessionID)

	envVars := make([]string, 0, len(opts.Env)+2)
	for k, v := range opts.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}
	if opts.Agent != "" {
		envVars = append(envVars, fmt.Sprintf("SESSIOND_AGENT=%s", opts.Agent))
	}
	if opts.Model != "" {
		envVars = append(envVars, fmt.Sprintf("SESSIOND_MODEL=%s", opts.Model))
	}

	exposedPorts, portBindings := b.portMapping(agentPort, terminalPort, fileServerPort)

	cfg := &container.Config{
		Image:        b.cfg.Image,
		Env:          envVars,
		ExposedPorts: exposedPorts,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Runtime:      b.cfg.Runtime,
		NetworkMode:  container.NetworkMode(b.cfg.NetworkName),
		PortBindings: portBindings,
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: "/workspace",
		}},
		Resources: container.Resources{
			Memory:    b.cfg.MemoryLimitBytes,
			CPUQuota:  b.cfg.CPUQuota,
			PidsLimit: &b.cfg.PidsLimit,
		},
	}

	containerID, err := b.createWithRetry(ctx, cfg, hostCfg, containerName)
	if err != nil {
		return SessionHandle{}, err
	}

	if err := b.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		return SessionHandle{}, fmt.Errorf("starting container %s: %w", containerID, err)
	}

	s := &containerSession{
		sessionID: sessionID, userID: userID, containerID: containerID, workdir: workdir,
		agentPort: agentPort, terminalPort: terminalPort, fileServerPort: fileServerPort,
	}
	b.mu.Lock()
	b.sessions[sessionID] = s
	b.mu.Unlock()

	return SessionHandle{
		SessionID:      sessionID,
		AgentSessionID: opts.ResumeSessionID,
		APIURL:         fmt.Sprintf("http://localhost:%d", agentPort),
		AgentPort:      agentPort,
		TerminalPort:   terminalPort,
		FileServerPort: fileServerPort,
		Workdir:        workdir,
		IsNew:          true,
		ContainerID:    containerID,
	}, nil
}

func (b *ContainerBackend) portMapping(agentPort, terminalPort, fileServerPort int) (nat.PortSet, nat.PortMap) {
	mapping := []struct {
		containerPort int
		hostPort      int
	}{
		{b.cfg.AgentContainerPort, agentPort},
		{b.cfg.TerminalContainerPort, terminalPort},
		{b.cfg.FileServerContainerPort, fileServerPort},
	}

	exposed := make(nat.PortSet, len(mapping))
	bindings := make(nat.PortMap, len(mapping))
	for _, m := range mapping {
		cp := nat.Port(fmt.Sprintf("%d/tcp", m.containerPort))
		exposed[cp] = struct{}{}
		bindings[cp] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", m.hostPort)}}
	}
	return exposed, bindings
}

func (b *ContainerBackend) createWithRetry(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	var lastErr error
	for i := 0; i < b.cfg.CreateRetryAttempts; i++ {
		resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err == nil {
			return resp.ID, nil
		}
		lastErr = err

		msg := strings.ToLower(err.Error())
		if !strings.Contains(msg, "is already in use") && !strings.Contains(msg, "conflict") {
			return "", fmt.Errorf("creating container %s: %w", name, err)
		}

		if inspect, inspectErr := b.cli.ContainerInspect(ctx, name); inspectErr == nil {
			_ = b.StopSessionContainer(ctx, inspect.ID)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(b.cfg.CreateRetryDelay):
		}
	}
	return "", fmt.Errorf("creating container %s after %d retries: %w", name, b.cfg.CreateRetryAttempts, lastErr)
}

// StopSessionContainer stops and removes a container by id, idempotently.
func (b *ContainerBackend) StopSessionContainer(ctx context.Context, containerID string) error {
	if _, err := b.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspecting container %s: %w", containerID, err)
	}

	timeout := b.cfg.StopTimeoutSecs
	_ = b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})

	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (b *ContainerBackend) isRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State.Running, nil
}

func (b *ContainerBackend) Attach(ctx context.Context, userID, sessionID string) (<-chan AgentEvent, error) {
	session := b.getSession(sessionID)
	if session == nil {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}

	url := fmt.Sprintf("http://localhost:%d/event", session.agentPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent event stream: %w", err)
	}

	events := make(chan AgentEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			select {
			case events <- AgentEvent{EventType: "message", Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (b *ContainerBackend) SendMessage(ctx context.Context, userID, sessionID string, msg SendMessageRequest) error {
	session := b.getSession(sessionID)
	if session == nil {
		return fmt.Errorf("session %q not found", sessionID)
	}

	parts := make([]map[string]any, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		parts = append(parts, map[string]any{"type": p.Type, "text": p.Text, "mime": p.Mime, "url": p.URL, "filename": p.Filename})
	}
	payload, err := json.Marshal(map[string]any{"parts": parts})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://localhost:%d/session/%s/prompt_async", session.agentPort, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending message to agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}

func (b *ContainerBackend) StopSession(ctx context.Context, userID, sessionID string) error {
	session := b.getSession(sessionID)
	if session == nil {
		return nil
	}
	if err := b.StopSessionContainer(ctx, session.containerID); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *ContainerBackend) Health(ctx context.Context) (HealthStatus, error) {
	if _, err := b.cli.Ping(ctx); err != nil {
		return HealthStatus{Healthy: false, Mode: "container", Details: err.Error()}, nil
	}
	return HealthStatus{Healthy: true, Mode: "container", Details: "image: " + b.cfg.Image}, nil
}

func (b *ContainerBackend) GetSessionURL(ctx context.Context, userID, sessionID string) (string, error) {
	session := b.getSession(sessionID)
	if session == nil {
		return "", nil
	}
	return fmt.Sprintf("http://localhost:%d", session.agentPort), nil
}

func (b *ContainerBackend) UserDataDir(userID string) string {
	return "/workspace"
}
