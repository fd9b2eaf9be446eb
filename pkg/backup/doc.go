/*
Package backup stores per-step pre-image snapshots used for rollback
and post-step validation.

A snapshot is taken before a data step's first batch and is keyed by
(migration, plan step). Taking it again is a no-op, so a resumed step
keeps the pre-image from its first entry rather than snapshotting
half-migrated data. Restore truncates the collection and replays the
snapshot in chunks; the validator reads counts, spread samples and
individual pre-image records from the same store. Snapshots are dropped
when the migration settles cleanly.
*/
package backup
