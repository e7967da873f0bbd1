package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/byteowlz/sessiond/internal/runner"
)

// LocalBackendConfig configures the native-process Agent Backend.
type LocalBackendConfig struct {
	// DataDir is the base directory for per-user agent storage
	// ({DataDir}/{userID}/.local/share/<agent>). Ignored when SingleUser is
	// true, in which case the agent's own default XDG location is used.
	DataDir string
	// BasePort is the first port handed out to a session; each session
	// reserves three consecutive ports (agent, terminal, fileserver).
	BasePort int
	SingleUser bool

	AgentBinary      string
	TerminalBinary   string
	FileServerBinary string

	HTTPClient *http.Client
}

type activeSession struct {
	sessionID      string
	userID         string
	workdir        string
	agentPort      int
	terminalPort   int
	fileServerPort int
}

// LocalBackend runs the agent, terminal, and file server as native
// processes via the Runner daemon (C2), one set per session.
type LocalBackend struct {
	cfg    LocalBackendConfig
	runner *runner.Client
	http   *http.Client

	mu       sync.Mutex
	sessions map[string]*activeSession
	nextPort int
}

// NewLocalBackend builds a LocalBackend that spawns through the given
// Runner client.
func NewLocalBackend(cfg LocalBackendConfig, runnerClient *runner.Client) *LocalBackend {
	if cfg.BasePort == 0 {
		cfg.BasePort = 41820
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &LocalBackend{
		cfg:      cfg,
		runner:   runnerClient,
		http:     httpClient,
		sessions: make(map[string]*activeSession),
		nextPort: cfg.BasePort,
	}
}

func (b *LocalBackend) allocatePorts() (agent, terminal, fileserver int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	agent = b.nextPort
	terminal = b.nextPort + 1
	fileserver = b.nextPort + 2
	b.nextPort += 3
	return
}

func (b *LocalBackend) agentDataDir(userID string) string {
	if b.cfg.SingleUser {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "sessiond-agent")
	}
	return joinUserDataDir(b.cfg.DataDir, userID)
}

func (b *LocalBackend) findByWorkdir(userID, workdir string) *activeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.userID == userID && s.workdir == workdir {
			return s
		}
	}
	return nil
}

func (b *LocalBackend) getSession(sessionID string) *activeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

// ListConversations is a stub in this reference implementation: a full
// build would read the agent's on-disk session index the way
// history.list_sessions_from_dir does; here active in-memory sessions are
// reported directly.
func (b *LocalBackend) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Conversation, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.userID != userID {
			continue
		}
		out = append(out, Conversation{
			ID:            s.sessionID,
			WorkspacePath: s.workdir,
			ProjectName:   filepath.Base(s.workdir),
			IsActive:      true,
		})
	}
	return out, nil
}

func (b *LocalBackend) GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
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

func (b *LocalBackend) GetMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
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

// StartSession reuses an existing session for the same (userID, workdir)
// pair, matching the resilience contract of spec.md's session creation:
// starting twice for the same workspace must not leak processes.
func (b *LocalBackend) StartSession(ctx context.Context, userID, workdir string, opts StartSessionOpts) (SessionHandle, error) {
	if existing := b.findByWorkdir(userID, workdir); existing != nil {
		return SessionHandle{
			SessionID:      existing.sessionID,
			AgentSessionID: opts.ResumeSessionID,
			APIURL:         fmt.Sprintf("http://localhost:%d", existing.agentPort),
			AgentPort:      existing.agentPort,
			TerminalPort:   existing.terminalPort,
			FileServerPort: existing.fileServerPort,
			Workdir:        workdir,
			IsNew:          false,
		}, nil
	}

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return SessionHandle{}, fmt.Errorf("creating workdir %s: %w", workdir, err)
	}

	var agentPort, terminalPort, fileServerPort int
	if opts.HasExplicitPorts() {
		agentPort, terminalPort, fileServerPort = opts.AgentPort, opts.TerminalPort, opts.FileServerPort
	} else {
		agentPort, terminalPort, fileServerPort = b.allocatePorts()
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "local-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	if !b.cfg.SingleUser {
		env["XDG_DATA_HOME"] = b.agentDataDir(userID)
	}

	agentArgs := []string{"serve", "--port", portStr(agentPort), "--hostname", "127.0.0.1"}
	if opts.Agent != "" {
		agentArgs = append(agentArgs, "--agent", opts.Agent)
	}
	if opts.Model != "" {
		agentArgs = append(agentArgs, "--model", opts.Model)
	}

	if _, err := b.runner.SpawnIfAbsent(ctx, sessionID+"-agent", b.cfg.AgentBinary, agentArgs, workdir, env); err != nil {
		return SessionHandle{}, fmt.Errorf("spawning agent process: %w", err)
	}
	if _, err := b.runner.SpawnIfAbsent(ctx, sessionID+"-term", b.cfg.TerminalBinary,
		[]string{"-p", portStr(terminalPort), "bash"}, workdir, nil); err != nil {
		return SessionHandle{}, fmt.Errorf("spawning terminal process: %w", err)
	}
	if _, err := b.runner.SpawnIfAbsent(ctx, sessionID+"-files", b.cfg.FileServerBinary,
		[]string{"--port", portStr(fileServerPort), "--root", workdir}, workdir, nil); err != nil {
		return SessionHandle{}, fmt.Errorf("spawning file server process: %w", err)
	}

	s := &activeSession{
		sessionID:      sessionID,
		userID:         userID,
		workdir:        workdir,
		agentPort:      agentPort,
		terminalPort:   terminalPort,
		fileServerPort: fileServerPort,
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
	}, nil
}

// Attach opens the agent's SSE event stream and relays each "data: " frame
// onto the returned channel. The channel is closed when the stream ends or
// ctx is cancelled.
func (b *LocalBackend) Attach(ctx context.Context, userID, sessionID string) (<-chan AgentEvent, error) {
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
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			select {
			case events <- AgentEvent{EventType: "message", Data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case events <- AgentEvent{Err: err}:
			default:
			}
		}
	}()

	return events, nil
}

func (b *LocalBackend) SendMessage(ctx context.Context, userID, sessionID string, msg SendMessageRequest) error {
	session := b.getSession(sessionID)
	if session == nil {
		return fmt.Errorf("session %q not found", sessionID)
	}

	parts := make([]map[string]any, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		parts = append(parts, map[string]any{
			"type": p.Type, "text": p.Text, "mime": p.Mime, "url": p.URL, "filename": p.Filename,
		})
	}
	body := map[string]any{"parts": parts}
	if msg.ProviderID != "" || msg.ModelID != "" {
		body["model"] = map[string]string{"providerID": msg.ProviderID, "modelID": msg.ModelID}
	}
	payload, err := json.Marshal(body)
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

func (b *LocalBackend) StopSession(ctx context.Context, userID, sessionID string) error {
	session := b.getSession(sessionID)
	if session == nil {
		return nil
	}

	for _, suffix := range []string{"-agent", "-term", "-files"} {
		if err := b.runner.KillProcess(ctx, sessionID+suffix, true); err != nil {
			if rerr, ok := err.(*runner.RunnerError); !ok || rerr.Code != runner.ErrProcessNotFound {
				return fmt.Errorf("killing %s: %w", sessionID+suffix, err)
			}
		}
	}

	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) Health(ctx context.Context) (HealthStatus, error) {
	if err := b.runner.Ping(ctx); err != nil {
		return HealthStatus{Healthy: false, Mode: "local", Details: err.Error()}, nil
	}
	return HealthStatus{
		Healthy: true,
		Mode:    "local",
		Details: fmt.Sprintf("agent: %s, terminal: %s, fileserver: %s", b.cfg.AgentBinary, b.cfg.TerminalBinary, b.cfg.FileServerBinary),
	}, nil
}

func (b *LocalBackend) GetSessionURL(ctx context.Context, userID, sessionID string) (string, error) {
	session := b.getSession(sessionID)
	if session == nil {
		return "", nil
	}
	return fmt.Sprintf("http://localhost:%d", session.agentPort), nil
}

func (b *LocalBackend) UserDataDir(userID string) string {
	return b.agentDataDir(userID)
}

func portStr(p int) string { return fmt.Sprintf("%d", p) }
