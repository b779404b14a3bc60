/*
Package broker adapts Courier to RabbitMQ.

Producers publish to the message.processing.exchange; the Predispatcher
drains the shared queue and re-publishes each message to its partner's
dedicated durable queue based on the CBUSINESSUNIT header. One
partnerConsumer per active route consumes a partner queue and hands messages
to the Pipeline, which runs them on the partner's worker pool behind its
circuit breaker.

Delivery semantics are at-least-once: a message acks only on a terminal
processing outcome. Refusals by an open breaker or a draining pool requeue.
*/
package broker
