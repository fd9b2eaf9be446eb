/*
Package planner expands an admitted MigrationRequest into an executable
Plan against one pinned topology snapshot.

Planning has three phases:

 1. Dependency resolution. Explicit depends_on edges are combined with
    one implicit rule: a data step on a collection depends on every
    schema step for the same collection unless the request overrides
    the edge explicitly. Cycles and unknown references fail planning
    with structural errors.
 2. Leveling. Kahn's algorithm groups steps into stages; steps in a
    stage have no edges between them and may run concurrently. Each
    step is annotated with its remaining critical-path depth so the
    scheduler can start the longest chains first.
 3. Shard expansion. all-shards steps fan out to one PlanStep per shard
    of the snapshot with the estimated item count split evenly;
    single-shard steps route by their routing key.

The plan digest is a SHA-256 over a canonical rendering of the request
and topology version. The same request against the same topology always
produces the same digest, which makes duplicate admissions detectable
and plans auditable.
*/
package planner
