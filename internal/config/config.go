// Package config provides application configuration for the session
// control plane.
//
// Configuration is loaded from environment variables with sensible
// defaults. All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Timeouts: Runner/UMD/container/prompt/browser operation budgets
//   - Ports: primary and sub-agent port pool layout
//   - Rate Limiting: Request limits per time window
//   - SSE: Server-Sent Events retry and keepalive settings
//   - Browser/Prompt/Hub: per-component tuning
//
// The environment variable names and their defaults are listed in Load and
// its helpers below.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TimeoutConfig holds timeout-related configuration shared by several
// components (see spec §5 "Timeouts").
type TimeoutConfig struct {
	RunnerCall       time.Duration // Runner client call budget (default: 30s)
	BrowserSpawn     time.Duration // Browser supervisor daemon spawn (default: 15s)
	BrowserConnect   time.Duration // Browser stream proxy total connect ceiling (default: 10s)
	PromptDefault    time.Duration // Default Prompt timeout_secs (default: 60s)
	ServiceReadiness time.Duration // Per-user service readiness wait (default: 5s)
	ContainerStop    time.Duration // Container stop timeout (default: 10s)
	ContainerCreate  time.Duration // Container create timeout (default: 2m)
	TTLWorkerTick    time.Duration // Session TTL sweep interval (default: 5m)
}

// ContainerConfig holds container resource and image configuration for
// the container Agent Backend (C4).
type ContainerConfig struct {
	Image       string
	NetworkName string

	AgentContainerPort      int
	TerminalContainerPort   int
	FileServerContainerPort int

	MemoryLimitBytes    int64
	CPUQuota            int64
	PidsLimit           int64
	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
}

// LocalConfig holds the native-process binaries and storage root for the
// local Agent Backend (C3), dispatched through the Runner (C2).
type LocalConfig struct {
	DataDir          string
	AgentBinary      string
	TerminalBinary   string
	FileServerBinary string
}

// PortConfig holds the primary port-pool configuration for the Session
// Coordinator (C8) and the local Agent Backend (C3).
type PortConfig struct {
	BasePort     int // first port handed out to a session (default 41820)
	PoolMax      int // exclusive upper bound of the pool C8 allocates from
	SubAgentBase int // base of the reserved sub-agent port range
	SubAgentMax  int // width of the sub-agent range (max_agents default 10)
}

// RateLimitConfig mirrors the teacher's per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RetryConfig holds retry tuning for the SQLite-backed session store,
// matching the backoff schedule in internal/store/sqlite.go.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// SSEConfig holds Server-Sent Events tuning for the agent-proxy bridge.
type SSEConfig struct {
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
}

// BrowserConfig configures the Browser Supervisor (C5).
type BrowserConfig struct {
	Enabled         bool
	Binary          string
	Headed          bool
	StreamPortBase  int
	StreamPortRange int
	SocketDirBase   string // override for state-home resolution
}

// PromptConfig configures the Prompt Broker (C6).
type PromptConfig struct {
	DefaultTimeoutSecs   int64
	DesktopNotifications bool
	BroadcastCapacity    int
	CleanupInterval      time.Duration
	ApprovalCacheTTL     time.Duration
	AuditRetention       time.Duration
}

// HubConfig configures the WebSocket Hub (C7).
type HubConfig struct {
	ConnectionBuffer int
	EventBuffer      int
}

// UserMgrConfig configures client-side UMD wiring.
type UserMgrConfig struct {
	Enabled    bool
	SocketPath string
}

// RunnerConfig configures client-side Runner wiring.
type RunnerConfig struct {
	SocketPathPattern string // supports {user}, {runtime_dir}
}

// UserServicesConfig configures the Per-User Service Manager's (C9) two
// known services. hstry is socket-addressed; mmry is port-addressed, its
// port derived deterministically per user the same way the Browser
// Supervisor derives a session's stream port.
type UserServicesConfig struct {
	HstryEnabled bool
	HstryBinary  string

	MmryEnabled   bool
	MmryBinary    string
	MmryPortBase  int
	MmryPortRange int
}

// AuthUser is one statically-configured login credential, hashed once at
// Load() time. There is no user database: the "Out of scope" authentication
// middleware named by spec.md is given a minimal, working implementation
// here rather than a full account system.
type AuthUser struct {
	UserID       string
	PasswordHash string // bcrypt
}

// AuthConfig configures POST /auth/login and the JWT session token it
// issues.
type AuthConfig struct {
	JWTSecret  []byte
	TokenTTL   time.Duration
	CookieName string
	Users      []AuthUser
}

// Config holds all application configuration.
type Config struct {
	Port             string
	DBPath           string
	SessionTTL       time.Duration
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	MultiUser        bool   // OS-level user isolation enabled

	Timeout   TimeoutConfig
	Container ContainerConfig
	Local     LocalConfig
	Ports     PortConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	SSE       SSEConfig
	Browser   BrowserConfig
	Prompt    PromptConfig
	Hub       HubConfig
	UserMgr      UserMgrConfig
	Runner       RunnerConfig
	UserServices UserServicesConfig
	Auth         AuthConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	authCfg, err := loadAuthConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/sessiond.db"),
		SessionTTL:       getEnvDuration("SESSIOND_SESSION_TTL", 60*time.Minute),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		MultiUser:        getEnvBool("SESSIOND_MULTI_USER", false),

		Timeout: TimeoutConfig{
			RunnerCall:       getEnvDuration("SESSIOND_RUNNER_CALL_TIMEOUT", 30*time.Second),
			BrowserSpawn:     getEnvDuration("SESSIOND_BROWSER_SPAWN_TIMEOUT", 15*time.Second),
			BrowserConnect:   getEnvDuration("SESSIOND_BROWSER_CONNECT_TIMEOUT", 10*time.Second),
			PromptDefault:    getEnvDuration("SESSIOND_PROMPT_DEFAULT_TIMEOUT", 60*time.Second),
			ServiceReadiness: getEnvDuration("SESSIOND_SERVICE_READINESS_TIMEOUT", 5*time.Second),
			ContainerStop:    getEnvDuration("SESSIOND_CONTAINER_STOP_TIMEOUT", 10*time.Second),
			ContainerCreate:  getEnvDuration("SESSIOND_CONTAINER_CREATE_TIMEOUT", 2*time.Minute),
			TTLWorkerTick:    getEnvDuration("SESSIOND_TTL_WORKER_INTERVAL", 5*time.Minute),
		},
		Container: ContainerConfig{
			Image:                   getEnv("SESSIOND_CONTAINER_IMAGE", "sessiond/agent:latest"),
			NetworkName:             getEnv("SESSIOND_CONTAINER_NETWORK", "sessiond-net"),
			AgentContainerPort:      getEnvInt("SESSIOND_CONTAINER_AGENT_PORT", 8800),
			TerminalContainerPort:   getEnvInt("SESSIOND_CONTAINER_TERMINAL_PORT", 8801),
			FileServerContainerPort: getEnvInt("SESSIOND_CONTAINER_FILESERVER_PORT", 8802),
			MemoryLimitBytes:        getEnvInt64("SESSIOND_CONTAINER_MEMORY_LIMIT", 512*1024*1024),
			CPUQuota:                getEnvInt64("SESSIOND_CONTAINER_CPU_QUOTA", 50000),
			PidsLimit:               getEnvInt64("SESSIOND_CONTAINER_PIDS_LIMIT", 256),
			CreateRetryAttempts:     getEnvInt("SESSIOND_CONTAINER_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:        getEnvDuration("SESSIOND_CONTAINER_CREATE_RETRY_DELAY", 250*time.Millisecond),
		},
		Local: LocalConfig{
			DataDir:          getEnv("SESSIOND_LOCAL_DATA_DIR", "./data/sessions"),
			AgentBinary:      getEnv("SESSIOND_AGENT_BINARY", "agent-server"),
			TerminalBinary:   getEnv("SESSIOND_TERMINAL_BINARY", "agent-terminal"),
			FileServerBinary: getEnv("SESSIOND_FILESERVER_BINARY", "agent-fileserver"),
		},
		Ports: PortConfig{
			BasePort:     getEnvInt("SESSIOND_BASE_PORT", 41820),
			PoolMax:      getEnvInt("SESSIOND_PORT_POOL_MAX", 45000),
			SubAgentBase: getEnvInt("SESSIOND_SUBAGENT_BASE_PORT", 45000),
			SubAgentMax:  getEnvInt("SESSIOND_SUBAGENT_MAX", 10),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("SESSIOND_RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("SESSIOND_RATE_LIMIT_WINDOW", time.Minute),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("SESSIOND_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("SESSIOND_DB_RETRY_BASE_DELAY", 100*time.Millisecond),
		},
		SSE: SSEConfig{
			RetryDelay:        getEnvDuration("SESSIOND_SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval: getEnvDuration("SESSIOND_SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		Browser: BrowserConfig{
			Enabled:         getEnvBool("AGENT_BROWSER_ENABLED", false),
			Binary:          getEnv("AGENT_BROWSER_BINARY", "agent-browserd"),
			Headed:          getEnvBool("AGENT_BROWSER_HEADED", false),
			StreamPortBase:  getEnvInt("AGENT_BROWSER_STREAM_PORT_BASE", 30000),
			StreamPortRange: getEnvInt("AGENT_BROWSER_STREAM_PORT_RANGE", 10000),
			SocketDirBase:   getEnv("AGENT_BROWSER_SOCKET_DIR_BASE", ""),
		},
		Prompt: PromptConfig{
			DefaultTimeoutSecs:   getEnvInt64("SESSIOND_PROMPT_TIMEOUT_SECS", 60),
			DesktopNotifications: getEnvBool("SESSIOND_PROMPT_DESKTOP_NOTIFICATIONS", true),
			BroadcastCapacity:    getEnvInt("SESSIOND_PROMPT_BROADCAST_CAPACITY", 64),
			CleanupInterval:      getEnvDuration("SESSIOND_PROMPT_CLEANUP_INTERVAL", 5*time.Second),
			ApprovalCacheTTL:     getEnvDuration("SESSIOND_PROMPT_APPROVAL_CACHE_TTL", 8*time.Hour),
			AuditRetention:       getEnvDuration("SESSIOND_PROMPT_AUDIT_RETENTION", time.Hour),
		},
		Hub: HubConfig{
			ConnectionBuffer: getEnvInt("SESSIOND_HUB_CONNECTION_BUFFER", 64),
			EventBuffer:      getEnvInt("SESSIOND_HUB_EVENT_BUFFER", 256),
		},
		UserMgr: UserMgrConfig{
			Enabled:    getEnvBool("SESSIOND_UMD_ENABLED", false),
			SocketPath: getEnv("SESSIOND_UMD_SOCKET", "/run/sessiond/usermgr.sock"),
		},
		Runner: RunnerConfig{
			SocketPathPattern: getEnv("SESSIOND_RUNNER_SOCKET_PATTERN", "{runtime_dir}/sessiond-runner.sock"),
		},
		UserServices: UserServicesConfig{
			HstryEnabled:  getEnvBool("SESSIOND_HSTRY_ENABLED", false),
			HstryBinary:   getEnv("SESSIOND_HSTRY_BINARY", "hstry"),
			MmryEnabled:   getEnvBool("SESSIOND_MMRY_ENABLED", false),
			MmryBinary:    getEnv("SESSIOND_MMRY_BINARY", "mmry"),
			MmryPortBase:  getEnvInt("SESSIOND_MMRY_PORT_BASE", 46000),
			MmryPortRange: getEnvInt("SESSIOND_MMRY_PORT_RANGE", 2000),
		},
		Auth: authCfg,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// internally consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Browser.StreamPortRange <= 0 {
		return fmt.Errorf("AGENT_BROWSER_STREAM_PORT_RANGE must be > 0")
	}
	if c.Browser.StreamPortBase+c.Browser.StreamPortRange > 65535 {
		return fmt.Errorf("AGENT_BROWSER_STREAM_PORT_BASE + AGENT_BROWSER_STREAM_PORT_RANGE must be <= 65535")
	}
	if c.Ports.PoolMax <= c.Ports.BasePort {
		return fmt.Errorf("SESSIOND_PORT_POOL_MAX must be greater than SESSIOND_BASE_PORT")
	}
	if c.UserServices.MmryEnabled && c.UserServices.MmryPortRange <= 0 {
		return fmt.Errorf("SESSIOND_MMRY_PORT_RANGE must be > 0 when mmry is enabled")
	}
	return nil
}

// loadAuthConfig parses SESSIOND_AUTH_USERS ("id:password,id2:password2")
// into hashed credentials and resolves the JWT signing secret. A missing
// SESSIOND_JWT_SECRET gets a fresh random one for this process only —
// acceptable since login re-issues tokens on every process restart and
// single-user deployments never call /auth/login at all.
func loadAuthConfig() (AuthConfig, error) {
	secretHex := getEnv("SESSIOND_JWT_SECRET", "")
	var secret []byte
	if secretHex != "" {
		secret = []byte(secretHex)
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return AuthConfig{}, fmt.Errorf("generating ephemeral jwt secret: %w", err)
		}
		secret = []byte(hex.EncodeToString(buf))
	}

	var users []AuthUser
	raw := getEnv("SESSIOND_AUTH_USERS", "")
	if raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			idx := strings.IndexByte(pair, ':')
			if idx < 0 {
				return AuthConfig{}, fmt.Errorf("SESSIOND_AUTH_USERS entry %q must be id:password", pair)
			}
			userID, password := pair[:idx], pair[idx+1:]
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return AuthConfig{}, fmt.Errorf("hashing password for %q: %w", userID, err)
			}
			users = append(users, AuthUser{UserID: userID, PasswordHash: string(hash)})
		}
	}

	return AuthConfig{
		JWTSecret:  secret,
		TokenTTL:   getEnvDuration("SESSIOND_AUTH_TOKEN_TTL", 24*time.Hour),
		CookieName: getEnv("SESSIOND_AUTH_COOKIE_NAME", "sessiond_auth"),
		Users:      users,
	}, nil
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
