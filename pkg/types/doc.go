/*
Package types defines the core data model shared by every component of the
migration coordinator.

The model mirrors what the status store persists:

	MigrationRequest  - immutable caller-supplied unit of work
	Plan / PlanStep   - DAG of steps expanded onto concrete shards
	Migration         - live execution record driven by the orchestrator
	ShardProgress     - per (migration, step, shard) execution state
	Lock              - advisory lease with fencing token
	Event             - append-only audit and lifecycle record

State machines:

	Migration: created -> planning -> pending -> running -> validating -> completed
	                                     |            |
	                                     |            +-> failing -> rolling_back -> rolled_back
	                                     |                       \-> failed (missing compensation)
	                                     +-> cancelling -> cancelled (from any non-terminal state)

	ShardProgress: pending -> running -> completed | failed | skipped

Invariants maintained by the coordinator:

  - At most one ShardProgress per (migration, step, shard) is running at
    any instant.
  - ItemsProcessed is monotonically non-decreasing, including across
    crash/resume.
  - LastCheckpoint only advances after the batch it describes is durable
    at the target.
  - A completed Migration has every ShardProgress completed or skipped.

All types marshal to JSON for the status store and, where caller-facing,
to YAML for request files.
*/
package types
