/*
Package driver defines the capability contract each backing store class
implements, plus the two concrete variants the coordinator ships with.

The engine never issues store-native calls itself; executors and
validators speak only this contract:

	Driver  - opens per-shard connections for one store class
	Conn    - schema apply/revert with applied-markers, cursor-ordered
	          batch streaming, atomic batch upserts, count and probe reads

Guarantees required from every implementation:

  - ApplySchema is idempotent: a back-end-native marker (a migrations
    table row; a sentinel document) makes re-application a no-op, so a
    crash between apply and checkpoint is safe to retry.
  - ApplyBatch is all-or-nothing within one call and upserts by record
    id, so duplicate batch replay after a crash is a no-op.
  - StreamBatch cursors are opaque, shard-local and restartable.

Variants:

  - RelationalDriver: database/sql over sqlite DSNs; collections are
    (id, doc) tables, batches commit inside one SQL transaction.
  - DocumentDriver: bbolt files; collections are buckets of JSON
    documents, batches commit inside one bolt update.

Production deployments point these DSNs at the real sharded stores; the
contract is what the engine depends on, not the dialect behind it.
*/
package driver
