package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardmig/shardmig/pkg/types"
)

// SchemaChange is the payload behind a schema step's ref. The relational
// variant executes the SQL statement lists; the document variant manages
// the collection container and its applied-marker.
type SchemaChange struct {
	Ref        string
	Collection string
	UpSQL      []string
	DownSQL    []string
}

// Conn is a live connection to one shard of one store class. Implementations
// must make ApplyBatch all-or-nothing within a single call: either every
// record in the batch is durable or none is. Duplicate application of a
// batch must be an upsert no-op by record id.
type Conn interface {
	// ApplySchema applies a schema change idempotently. It returns false
	// when a back-end-native marker shows the change was already applied.
	ApplySchema(ctx context.Context, change SchemaChange) (applied bool, err error)

	// RevertSchema runs the store-native down-migration for a change.
	RevertSchema(ctx context.Context, change SchemaChange) error

	// SchemaApplied probes the applied-marker without mutating anything.
	SchemaApplied(ctx context.Context, ref string) (bool, error)

	// StreamBatch reads up to size records after cursor in id order. The
	// returned cursor resumes the stream; an empty cursor means the
	// stream is exhausted after these records. Cursors are opaque and
	// shard-local.
	StreamBatch(ctx context.Context, collection, cursor string, size int) ([]types.Record, string, error)

	// ApplyBatch upserts records by id and returns the applied count.
	ApplyBatch(ctx context.Context, collection string, records []types.Record) (int, error)

	// DeleteRecords removes records by id and returns the number actually
	// deleted. Missing ids are skipped, so replaying a delete after a
	// crash is a no-op. Used when a transformer drops records.
	DeleteRecords(ctx context.Context, collection string, ids []string) (int, error)

	// GetRecords fetches records by id; missing ids are omitted.
	GetRecords(ctx context.Context, collection string, ids []string) ([]types.Record, error)

	// Count returns the number of records in a collection.
	Count(ctx context.Context, collection string) (int64, error)

	// FieldValues returns every value of a field across a collection,
	// one entry per record. Used by cross-shard uniqueness probes.
	FieldValues(ctx context.Context, collection, field string) ([]string, error)

	// Truncate removes every record in a collection. Only invoked by
	// snapshot-restore compensation.
	Truncate(ctx context.Context, collection string) error

	// Health reports availability; degraded drives batch pump backoff.
	Health(ctx context.Context) types.Health

	Close() error
}

// Driver opens connections to the shards of one store class.
type Driver interface {
	Class() types.StoreClass
	Open(ctx context.Context, shard types.ShardID) (Conn, error)
}

// SchemaRegistry resolves schema refs to their payload. Registration
// happens at process startup; lookups at admission and execution time.
type SchemaRegistry struct {
	mu      sync.RWMutex
	changes map[string]SchemaChange
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{changes: make(map[string]SchemaChange)}
}

// Register adds or replaces a schema change payload.
func (r *SchemaRegistry) Register(change SchemaChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes[change.Ref] = change
}

// Lookup resolves a ref.
func (r *SchemaRegistry) Lookup(ref string) (SchemaChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	change, ok := r.changes[ref]
	if !ok {
		return SchemaChange{}, fmt.Errorf("schema change not registered: %s", ref)
	}
	return change, nil
}
