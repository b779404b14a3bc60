/*
Package types defines the shared data model for Courier.

It holds the PartnerConfig document shape (as stored in the config store and
served by the control API), snapshot types for pool and breaker monitoring,
outcome records for the result/exception sinks, webhook notification payloads,
and the error taxonomy used across component boundaries.

Types here have no behavior beyond derivation helpers (queue and route naming)
and classification functions; components depend on this package, never the
other way around.
*/
package types
