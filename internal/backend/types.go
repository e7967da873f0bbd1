// Package backend implements the uniform Agent Backend contract (C3/C4):
// one interface, two implementations (local native processes, Docker
// containers), so the rest of the control plane never branches on runtime
// mode.
package backend

import (
	"context"
	"path/filepath"
)

// Conversation mirrors an agent-reported session/chat thread.
type Conversation struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	WorkspacePath string `json:"workspace_path"`
	ProjectName   string `json:"project_name"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	IsActive      bool   `json:"is_active"`
	Version       string `json:"version,omitempty"`
}

// MessagePartType discriminates Message.Parts entries.
type MessagePartType string

const (
	PartText       MessagePartType = "text"
	PartTool       MessagePartType = "tool"
	PartStepStart  MessagePartType = "step-start"
	PartStepFinish MessagePartType = "step-finish"
	PartUnknown    MessagePartType = "unknown"
)

// MessagePart is one part of a Message (text, tool call, step marker).
type MessagePart struct {
	Type   MessagePartType `json:"type"`
	Text   string          `json:"text,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// TokenUsage reports token accounting for an assistant message.
type TokenUsage struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	Reasoning  int64 `json:"reasoning,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
}

// Message is one turn in a Conversation.
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Role        string        `json:"role"`
	Parts       []MessagePart `json:"parts"`
	CreatedAt   int64         `json:"created_at"`
	CompletedAt int64         `json:"completed_at,omitempty"`
	ProviderID  string        `json:"provider_id,omitempty"`
	ModelID     string        `json:"model_id,omitempty"`
	Tokens      *TokenUsage   `json:"tokens,omitempty"`
}

// StartSessionOpts carries the caller's requested agent configuration.
type StartSessionOpts struct {
	Model           string
	Agent           string
	ResumeSessionID string
	ProjectID       string
	Env             map[string]string

	// SessionID, when non-empty, is the id the backend must use instead of
	// minting its own. The Session Coordinator (C8) sets this so the
	// backend's session id and the session row's id are always the same
	// value; backends used standalone (e.g. in tests) may leave it empty
	// and fall back to generating one.
	SessionID string

	// AgentPort, TerminalPort and FileServerPort, when all non-zero, are
	// pre-allocated port slots the Session Coordinator reserved from its
	// host-wide pool before calling StartSession. A zero value means the
	// backend allocates from its own internal counter instead (standalone
	// use without a Coordinator in front of it).
	AgentPort      int
	TerminalPort   int
	FileServerPort int
}

// HasExplicitPorts reports whether the caller pre-allocated all three port
// slots, so the backend must not allocate its own.
func (o StartSessionOpts) HasExplicitPorts() bool {
	return o.AgentPort != 0 && o.TerminalPort != 0 && o.FileServerPort != 0
}

// SessionHandle is what a backend hands back after starting or resuming a
// session: enough to reach the agent, terminal, and file server directly.
type SessionHandle struct {
	SessionID      string
	AgentSessionID string
	APIURL         string
	AgentPort      int
	TerminalPort   int
	FileServerPort int
	Workdir        string
	IsNew          bool

	// ContainerID is set by the container backend only; empty for local
	// sessions. The Session Coordinator persists it on the session row.
	ContainerID string
}

// SendMessagePart is one part of an outbound message.
type SendMessagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SendMessageRequest is the payload for AgentBackend.SendMessage.
type SendMessageRequest struct {
	Parts      []SendMessagePart
	ProviderID string
	ModelID    string
}

// HealthStatus reports whether a backend is able to serve sessions.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Mode    string `json:"mode"`
	Details string `json:"details,omitempty"`
}

// AgentEvent is one Server-Sent Event relayed from the agent's event stream.
type AgentEvent struct {
	EventType string
	Data      string
	Err       error
}

// AgentBackend is the uniform contract the Session Coordinator (C8) drives
// regardless of whether a session's agent process runs natively on the host
// or inside a container.
type AgentBackend interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	GetConversation(ctx context.Context, userID, conversationID string) (*Conversation, error)
	GetMessages(ctx context.Context, userID, conversationID string) ([]Message, error)

	StartSession(ctx context.Context, userID, workdir string, opts StartSessionOpts) (SessionHandle, error)
	Attach(ctx context.Context, userID, sessionID string) (<-chan AgentEvent, error)
	SendMessage(ctx context.Context, userID, sessionID string, msg SendMessageRequest) error
	StopSession(ctx context.Context, userID, sessionID string) error

	Health(ctx context.Context) (HealthStatus, error)
	GetSessionURL(ctx context.Context, userID, sessionID string) (string, error)
	UserDataDir(userID string) string
}

func joinUserDataDir(base, userID string) string {
	return filepath.Join(base, userID, ".local", "share")
}
