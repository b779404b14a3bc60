/*
Package routes manages the lifecycle of partner ingest routes.

The manager converges a route table against the config service: every
configured partner (except the DEFAULT profile) gets one running queue
consumer, replaced when its config version changes and torn down when the
partner is deleted. Reconciliation runs per partner under its own lock, so a
slow drain for one partner never blocks the others.

Convergence is driven three ways: config change notifications, explicit
refresh calls from the control API, and a periodic full reload that acts as a
safety net against missed notifications.
*/
package routes
