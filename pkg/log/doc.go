/*
Package log wraps zerolog with Burrow's logging conventions: a single
global logger configured once at startup, and child loggers carrying a
component, session, or module field.

Components obtain their logger at construction time:

	logger := log.WithComponent("commit")
	logger.Info().Str("module", mod).Int("changes", n).Msg("commit applied")

Output defaults to human-readable console format on stderr; the daemon
switches to JSON with --log-json.
*/
package log
