/*
Package log wraps zerolog with a process-wide logger and child-logger
helpers for the fields every component tags: component, migration_id,
shard_id and step_id.

Call Init once at startup, then derive children:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("orchestrator")
	logger.Info().Str("migration_id", id).Msg("migration admitted")

JSON output is the default for production; the console writer is for
interactive use.
*/
package log
