package statestore

import (
	"time"

	"github.com/shardmig/shardmig/pkg/types"
)

// Store is the durable source of truth for all engine state. Mutations
// are append-or-CAS: records carry a version that must match on update,
// and progress writes carry a fencing token that must be monotonic for
// the shard resource they touch. Readers may see stale but never torn
// records. On crash recovery the Store is authoritative.
type Store interface {
	// Migrations
	CreateMigration(m *types.Migration) error
	GetMigration(id string) (*types.Migration, error)
	ListMigrations() ([]*types.Migration, error)
	// CASMigration updates m only if the stored version equals m.Version,
	// then bumps it. Concurrent writers get ErrCASConflict.
	CASMigration(m *types.Migration) error
	// FindByIdempotencyKey resolves a previously admitted request.
	FindByIdempotencyKey(key string) (*types.Migration, error)
	// BindIdempotencyKey records key -> migration id; rebinding to a
	// different migration fails.
	BindIdempotencyKey(key, migrationID string) error

	// Requests and plans (immutable once stored)
	PutRequest(req *types.MigrationRequest) error
	GetRequest(id string) (*types.MigrationRequest, error)
	PutPlan(plan *types.Plan) error
	GetPlan(migrationID string) (*types.Plan, error)

	// Per-shard progress
	GetProgress(key types.ProgressKey) (*types.ShardProgress, error)
	// UpsertProgress CAS-writes a progress record. The fencing token must
	// be monotonically non-decreasing for resource; items_processed may
	// never go down.
	UpsertProgress(p *types.ShardProgress, resource string, token uint64) error
	ListProgress(migrationID string) ([]*types.ShardProgress, error)

	// Events: append-only, ordered per migration; every append also lands
	// in the outbox for asynchronous bus draining.
	AppendEvent(e *types.Event) error
	ListEvents(migrationID string) ([]*types.Event, error)
	PendingOutbox(limit int) ([]*types.Event, error)
	MarkDrained(eventIDs []string) error

	// Lock primitives (the lease logic lives in pkg/lock)
	AcquireLock(resource, holder string, ttl time.Duration) (*types.Lock, error)
	RenewLock(resource, holder string, ttl time.Duration) (*types.Lock, error)
	ReleaseLock(resource, holder string) error
	// ReapLock force-releases a lock regardless of holder. Used for
	// expired leases and terminal-state holders.
	ReapLock(resource string) error
	GetLock(resource string) (*types.Lock, error)
	ListLocks() ([]*types.Lock, error)

	Close() error
}
