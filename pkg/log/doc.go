/*
Package log provides structured logging for hutch using zerolog.

The package holds one global zerolog.Logger configured once by Init and
hands out child loggers tagged with the context every component logs under.

# Usage

Initialize the logger at program start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Components keep a tagged child logger:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("service", key.String()).Msg("Service started")

	nodeLogger := log.WithNodeID("i1")
	nodeLogger.Warn().Err(err).Msg("Heartbeat failed")

Plugin services receive a logger tagged with their plugin and service
through plugin.Context.Logger; they should not use the global logger.

# Levels

debug, info, warn and error map to the zerolog levels of the same name.
Unknown levels fall back to info. The level is global: it applies to every
child logger, including the ones created before Init.

# Output

JSON output is meant for log collectors. Console output, the default, is
meant for people and prints RFC3339 timestamps:

	2026-10-18T10:30:00Z INF Plugin enabled component=catalog nodes=3 plugin=weather:0.1.0

# Conventions

Messages start with a capital letter and do not end with a period. Values
go in fields, not in the message. Errors go through Err so collectors can
index them.
*/
package log
