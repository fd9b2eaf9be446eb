/*
Package executor runs single plan steps against shard connections and
undoes them on rollback.

Forward execution is checkpointed: data steps stream the collection in
adaptive batches (pkg/pump), push each batch through the registered
transformer, apply it, and only then advance the stored checkpoint. A
crash at any point replays at most one batch, and upsert-by-id makes
the replay harmless. Schema steps delegate to the driver's idempotent
apply.

Every progress write carries the fencing token of the shard lease the
step runs under, so an executor that lost its lease cannot corrupt
state written by its successor.

Compensation picks the cheapest available path per step: the native
down-migration for schema steps, an inverse transformer replay for data
steps that registered one, and otherwise a restore of the snapshot
taken before the step's first batch. A step with none of these is
unrecoverable and reported as such.
*/
package executor
