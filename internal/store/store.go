// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/byteowlz/sessiond/internal/domain"
)

// Repository defines the interface for persisting session state and the
// host-wide port-slot pool the Session Coordinator allocates from.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by its opaque id.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// GetSessionByWorkspace retrieves the most recently created session
	// for (userID, workspacePath), used by the Coordinator's resume path.
	GetSessionByWorkspace(ctx context.Context, userID, workspacePath string) (*domain.Session, error)

	// ListSessionsByUser lists every session row owned by userID.
	ListSessionsByUser(ctx context.Context, userID string) ([]*domain.Session, error)

	// ListActiveSessions lists every session currently starting or running,
	// across all users.
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)

	// UpdateSessionStatus transitions a session's status and stores
	// errorMessage as given (an empty string clears it).
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, errorMessage string) error

	// UpdateSessionContainer sets a session's container id. If expectedID
	// is non-empty the update only applies when the current container_id
	// matches it (optimistic locking), mirroring the same pattern the
	// teacher's per-user container tracking used.
	UpdateSessionContainer(ctx context.Context, id, containerID, expectedID string) error

	// DeleteSession removes a session row. Idempotent.
	DeleteSession(ctx context.Context, id string) error

	// GetExpiredSessions returns active sessions whose last update predates
	// the given TTL, for idle-session reaping.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// AllocatePortSlots reserves count free ports in [min, max) from the
	// shared pool and returns them. Fails with an error if fewer than
	// count ports are free.
	AllocatePortSlots(ctx context.Context, count, min, max int) ([]int, error)

	// ReleasePortSlots frees previously allocated ports back to the pool.
	// Idempotent: releasing an already-free port is a no-op.
	ReleasePortSlots(ctx context.Context, ports []int) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
