/*
Package api serves Courier's control and monitoring HTTP API.

Route groups:

	/api/v1/partner-config  route lifecycle: change webhook, refresh, status
	/api/monitoring         pools, breakers, cache, per-partner rollups
	/api/config             partner configuration CRUD and bulk updates
	/health, /metrics       liveness and Prometheus exposition

Responses are JSON with lowerCamelCase fields. Mutating and lookup endpoints
wrap results in a uniform envelope; validation failures map to 400, unknown
partners to 404.
*/
package api
