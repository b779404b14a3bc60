// Package metrics defines the Prometheus instrumentation for Courier.
// Metrics are package-level collectors registered at init and labelled by
// partner where per-tenant breakdown is useful. Handler exposes the standard
// /metrics endpoint.
package metrics
