/*
Package validator gates migrations before execution and audits the
results after.

PreCheck rejects a plan before any shard is touched: unreachable
shards, unresolved schema refs or transformers, schema changes without
a down-migration on relational stores, and shards leased to another
migration. PostStep compares a completed data step against its
pre-image snapshot, by record count within the step's allowed deviation
and by replaying a spread sample through the forward transformer.
CrossShard runs the request's declared probes (global count,
field uniqueness) across all shards after the last stage.
*/
package validator
