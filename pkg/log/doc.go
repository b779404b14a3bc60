/*
Package log provides structured logging for Courier using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers and configurable log levels. All logs
include timestamps and support filtering by severity for production
debugging.

Child loggers carry stable field names used across the codebase:

	component  - subsystem name (pool, breaker, routes, api, ...)
	partner_id - the tenant a log line belongs to
	route_id   - ingest route identifier ("Partner:<id>:Main")
	worker     - pool worker name ("Partner-<id>-Worker-<n>")

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

then derive per-subsystem and per-partner loggers:

	logger := log.WithPartnerID(log.WithComponent("routes"), partnerID)
	logger.Info().Msg("route created")
*/
package log
