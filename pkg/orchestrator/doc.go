/*
Package orchestrator drives migrations through their state machine from
admission to a terminal state.

One orchestrator runs per coordinator process. Admission is idempotent
on the request key; planning happens inline so a migration is either
pending with a stored plan or failed. Execution walks the plan's stages
in order, running a stage's steps concurrently but serialized per shard
under leased shard locks with keep-alive renewal. After every stage the
aggregated progress is CAS-written back to the migration record, which
is also the resume point after a crash.

Recovery: on start the orchestrator CAS-swaps its owner token into any
non-terminal migration it finds and resumes it from its recorded state.
Two coordinators racing a takeover resolve through the CAS; whatever
the loser still writes is fenced out by the lock tokens.

Failure handling follows the configured rollback policy. Compensation
runs in reverse stage order under a fresh context so cancellation of
the forward path cannot interrupt it. Steps that cannot be compensated
leave the migration failed with its shard locks held until an operator
acknowledges via Ack.
*/
package orchestrator
