package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is one serialized token document. The storage layer treats it as an
// opaque JSON blob; only the "token" key is inspected (for per-token keying).
type Record = json.RawMessage

// Snapshot maps pool name to the full list of token records in that pool.
type Snapshot map[string][]Record

// Store is the persistence port consumed by the token manager: whole-snapshot
// load/replace plus named advisory locks. Backends are interchangeable and
// the core never branches on the concrete type.
type Store interface {
	// Initialize sets up the backend (connects, ensures schema/dirs).
	Initialize(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Health checks if the backend is reachable.
	Health(ctx context.Context) error

	// LoadTokens reads the full snapshot. An empty snapshot is not an error.
	LoadTokens(ctx context.Context) (Snapshot, error)

	// SaveTokens replaces the full snapshot atomically from the caller's
	// perspective.
	SaveTokens(ctx context.Context, snap Snapshot) error

	// AcquireLock enters a named exclusive critical section shared across
	// all instances using the same backend. A zero timeout means a single
	// non-blocking try. The returned func releases the lock. Failing to
	// acquire within the timeout returns ErrLockNotAcquired, never hangs.
	AcquireLock(ctx context.Context, name string, timeout time.Duration) (func(), error)
}

// ErrLockNotAcquired is returned when a named lock cannot be obtained within
// the timeout. Callers decide whether that is an error (flush path) or a
// routine skip (scheduler path).
var ErrLockNotAcquired = errors.New("storage: lock not acquired")

// Error wraps backend failures so callers can log a uniform storage error.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
