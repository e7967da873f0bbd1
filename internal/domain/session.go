package domain

import "time"

// RuntimeMode selects which Agent Backend a Session is running under.
type RuntimeMode string

const (
	RuntimeContainer RuntimeMode = "container"
	RuntimeLocal     RuntimeMode = "local"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
)

// IsActive reports whether the status is starting or running.
func (s SessionStatus) IsActive() bool {
	return s == SessionStarting || s == SessionRunning
}

// IsTerminal reports whether the status is stopped or failed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// Session is a unit of work bundling an agent process, a terminal server, a
// file server, allocated ports, and a working directory for one user.
type Session struct {
	ID         string // opaque id, e.g. "ses_<uuid>"
	ReadableID string // three short words, e.g. "cool-lamp-bird"
	UserID     string

	Runtime      RuntimeMode
	WorkspacePath string
	Agent        string
	Model        string

	AgentPort      int
	FileServerPort int
	TerminalPort   int

	// AgentBasePort and MaxAgents reserve a range for future sub-agent
	// scheduling; only the reservation is implemented, not the scheduler.
	AgentBasePort int
	MaxAgents     int

	// BrowserStreamPort, EAVS* and MmryPort are auxiliary ports/handles for
	// external collaborators (browser supervisor, virtual-credential
	// service, memory store) that the session row carries but does not
	// itself implement.
	BrowserStreamPort int
	EAVSPort          int
	EAVSKeyID         string
	EAVSKeyHash       string
	EAVSVirtualKey    string `json:"-"`
	MmryPort          int

	ImageDigest string // stored with the row; no code path sets it, so it is empty for container sessions too
	ContainerID string // non-null iff Runtime == RuntimeContainer && Status != SessionPending

	Status       SessionStatus
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PortSlots returns the three primary ports whose uniqueness across active
// sessions on the host is the system's core invariant.
func (s *Session) PortSlots() [3]int {
	return [3]int{s.AgentPort, s.FileServerPort, s.TerminalPort}
}

// Validate checks the invariants from the data model that a single Session
// value can check in isolation (cross-session port uniqueness is enforced
// by the store, not here).
func (s *Session) Validate() error {
	if s.Status.IsActive() == s.Status.IsTerminal() {
		// a pending session is neither; anything else must be exactly one
		if s.Status != SessionPending {
			return errInvalidStatus(s.Status)
		}
	}
	if s.Runtime == RuntimeContainer && s.Status != SessionPending && s.ContainerID == "" {
		return errMissingContainerID
	}
	if s.Runtime == RuntimeLocal && s.ContainerID != "" {
		return errUnexpectedContainerID
	}
	return nil
}
