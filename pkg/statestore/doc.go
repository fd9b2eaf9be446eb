/*
Package statestore persists all coordinator state: migrations, requests,
plans, per-shard progress, the event log with its outbox, and the lock
table with fencing tokens.

The bbolt implementation keeps one bucket per entity and serializes
records as JSON:

	migrations          - Migration records, CAS by version
	migration_requests  - immutable admitted requests
	migration_plans     - immutable plans keyed by migration id
	shard_migrations    - ShardProgress keyed by migration/step/shard
	migration_history   - append-only events keyed by migration/sequence
	event_outbox        - undrained events awaiting bus publish
	migration_locks     - advisory leases
	fencing_tokens      - last token issued or accepted per resource
	idempotency_keys    - request idempotency key -> migration id

Write rules enforced here rather than in callers:

  - CASMigration and UpsertProgress compare record versions and fail
    with ErrCASConflict on concurrent modification.
  - UpsertProgress rejects fencing tokens lower than the last accepted
    token for the shard resource (ErrStaleToken) and rejects any write
    that would move items_processed backwards.
  - AppendEvent assigns a per-migration sequence number and writes the
    event to both the history and the outbox in one transaction, so a
    crash cannot record an event without making it eligible for
    publication.

Terminal records are never deleted; they remain for audit. The store is
the single source of truth on crash recovery: a restarted coordinator
rebuilds everything it needs from here.
*/
package statestore
