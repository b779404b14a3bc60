// Package sink records terminal message outcomes. Successful forwards land
// in the message-results collection, exhausted failures in
// message-exceptions. The sink is advisory: it retries briefly and then
// drops the record rather than block or fail the pipeline.
package sink
