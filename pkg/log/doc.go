/*
Package log provides structured logging for sequent using zerolog.

The log package wraps zerolog to give every long-lived component (router,
worker, housekeeper, notifier, supervisor) a component-scoped logger with
consistent fields, while keeping a single global Logger for ad-hoc use.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	routerLog := log.WithComponent("router")
	routerLog.Info().Str("group_id", "cart-projector").Msg("claimed offset")

	log.Logger.Error().Err(err).Msg("append failed")

# Context loggers

WithComponent, WithGroup, WithWorker, and WithStream each return a child
zerolog.Logger with one additional field baked in; combine them with
.With() when a log line needs more than one dimension:

	log.WithComponent("router").With().
		Str("group_id", groupID).
		Str("worker_id", workerID).
		Logger()

# Notes

Never log message payloads verbatim — they may carry user data. Log the
message id, type, and stream_id instead.
*/
package log
