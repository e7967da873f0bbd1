package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes session writes to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		readable_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		runtime TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		agent TEXT NOT NULL,
		model TEXT NOT NULL,
		agent_port INTEGER NOT NULL,
		file_server_port INTEGER NOT NULL,
		terminal_port INTEGER NOT NULL,
		agent_base_port INTEGER NOT NULL DEFAULT 0,
		max_agents INTEGER NOT NULL DEFAULT 0,
		browser_stream_port INTEGER NOT NULL DEFAULT 0,
		eavs_port INTEGER NOT NULL DEFAULT 0,
		eavs_key_id TEXT,
		eavs_key_hash TEXT,
		eavs_virtual_key TEXT,
		mmry_port INTEGER NOT NULL DEFAULT 0,
		image_digest TEXT,
		container_id TEXT,
		status TEXT NOT NULL,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(user_id, workspace_path);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS port_reservations (
		port INTEGER PRIMARY KEY,
		session_id TEXT,
		reserved_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const sessionColumns = `id, readable_id, user_id, runtime, workspace_path, agent, model,
	agent_port, file_server_port, terminal_port, agent_base_port, max_agents,
	browser_stream_port, eavs_port, eavs_key_id, eavs_key_hash, eavs_virtual_key, mmry_port,
	image_digest, container_id, status, error_message, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var s domain.Session
	var runtime, status string
	var eavsKeyID, eavsKeyHash, eavsVirtualKey, imageDigest, containerID, errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.ID, &s.ReadableID, &s.UserID, &runtime, &s.WorkspacePath, &s.Agent, &s.Model,
		&s.AgentPort, &s.FileServerPort, &s.TerminalPort, &s.AgentBasePort, &s.MaxAgents,
		&s.BrowserStreamPort, &s.EAVSPort, &eavsKeyID, &eavsKeyHash, &eavsVirtualKey, &s.MmryPort,
		&imageDigest, &containerID, &status, &errorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Runtime = domain.RuntimeMode(runtime)
	s.Status = domain.SessionStatus(status)
	s.EAVSKeyID = eavsKeyID.String
	s.EAVSKeyHash = eavsKeyHash.String
	s.EAVSVirtualKey = eavsVirtualKey.String
	s.ImageDigest = imageDigest.String
	s.ContainerID = containerID.String
	s.ErrorMessage = errorMessage.String
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)

	return &s, nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.ReadableID, sess.UserID, string(sess.Runtime), sess.WorkspacePath, sess.Agent, sess.Model,
		sess.AgentPort, sess.FileServerPort, sess.TerminalPort, sess.AgentBasePort, sess.MaxAgents,
		sess.BrowserStreamPort, sess.EAVSPort, nullIfEmpty(sess.EAVSKeyID), nullIfEmpty(sess.EAVSKeyHash), nullIfEmpty(sess.EAVSVirtualKey), sess.MmryPort,
		nullIfEmpty(sess.ImageDigest), nullIfEmpty(sess.ContainerID), string(sess.Status), nullIfEmpty(sess.ErrorMessage),
		sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// GetSession retrieves a session by its opaque id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// GetSessionByWorkspace retrieves the most recently created session for
// (userID, workspacePath).
func (s *SQLiteStore) GetSessionByWorkspace(ctx context.Context, userID, workspacePath string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND workspace_path = ? ORDER BY created_at DESC LIMIT 1`,
		userID, workspacePath)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session by workspace: %w", err)
	}
	return sess, nil
}

// ListSessionsByUser lists every session row owned by userID.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by user: %w", err)
	}
	return scanSessionRows(rows)
}

// ListActiveSessions lists every session currently starting or running.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?)`,
		string(domain.SessionStarting), string(domain.SessionRunning))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return scanSessionRows(rows)
}

func scanSessionRows(rows *sql.Rows) ([]*domain.Session, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// UpdateSessionStatus transitions a session's status and error message.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return s.withRetry(func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			string(status), nullIfEmpty(errorMessage), time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session not found: %s", id)
		}
		return nil
	})
}

// UpdateSessionContainer sets a session's container id, optionally
// guarded by an optimistic-lock comparison against expectedID.
func (s *SQLiteStore) UpdateSessionContainer(ctx context.Context, id, containerID, expectedID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `UPDATE sessions SET container_id = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{nullIfEmpty(containerID), time.Now().Unix(), id}

	if expectedID != "" {
		query += ` AND container_id = ?`
		args = append(args, expectedID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session container: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if expectedID != "" {
			return fmt.Errorf("optimistic lock failed: container_id does not match expected_id")
		}
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// GetExpiredSessions returns active sessions idle past ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?) AND updated_at < ?`,
		string(domain.SessionStarting), string(domain.SessionRunning), threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	return scanSessionRows(rows)
}

// AllocatePortSlots reserves count free ports in [min, max) atomically.
func (s *SQLiteStore) AllocatePortSlots(ctx context.Context, count, min, max int) ([]int, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin port allocation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT port FROM port_reservations WHERE port >= ? AND port < ?`, min, max)
	if err != nil {
		return nil, fmt.Errorf("query reserved ports: %w", err)
	}
	taken := make(map[int]struct{})
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan reserved port: %w", err)
		}
		taken[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate reserved ports: %w", err)
	}
	_ = rows.Close()

	var allocated []int
	now := time.Now().Unix()
	for port := min; port < max && len(allocated) < count; port++ {
		if _, ok := taken[port]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO port_reservations (port, reserved_at) VALUES (?, ?)`, port, now); err != nil {
			return nil, fmt.Errorf("reserve port %d: %w", port, err)
		}
		allocated = append(allocated, port)
	}

	if len(allocated) < count {
		return nil, fmt.Errorf("port pool exhausted: need %d ports in [%d, %d), found %d", count, min, max, len(allocated))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit port allocation: %w", err)
	}
	return allocated, nil
}

// ReleasePortSlots frees previously allocated ports back to the pool.
func (s *SQLiteStore) ReleasePortSlots(ctx context.Context, ports []int) error {
	if len(ports) == 0 {
		return nil
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin port release transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, port := range ports {
			if _, err := tx.ExecContext(ctx, `DELETE FROM port_reservations WHERE port = ?`, port); err != nil {
				return fmt.Errorf("release port %d: %w", port, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit port release: %w", err)
		}
		return nil
	})
}

// withRetry retries op on SQLITE_BUSY with exponential backoff, the same
// pattern the teacher's agent-session writes used to ride out WAL
// contention.
func (s *SQLiteStore) withRetry(op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if shared.IsSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i)
				slog.Debug("retrying after SQLITE_BUSY", "attempt", i+1, "delay", delay)
				time.Sleep(delay)
				continue
			}
		}
		return lastErr
	}
	return lastErr
}
