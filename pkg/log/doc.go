/*
Package log provides structured logging for Loom built on zerolog.

Call Init once at process start, then obtain component-scoped child
loggers with WithComponent:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("router")
	logger.Info().Str("task_id", id).Msg("task routed")

Console output (human-readable) is the default; JSONOutput switches to
newline-delimited JSON for log shippers.
*/
package log
