/*
Package credentials manages per-partner bearer tokens.

Tokens are fetched from each partner's auth endpoint using the request shape
the partner configures (JSON or form body, JSON or XML response, dotted path
to the token field) and cached until shortly before expiry. Concurrent
workers needing the same partner's token share a single refresh call via
singleflight. A 401 or 403 from the partner's API invalidates the cached
token so the next attempt fetches a fresh one.
*/
package credentials
