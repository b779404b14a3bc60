/*
Package pool implements per-partner bounded worker pools.

Each partner gets an isolated pool sized from its configuration: a fixed core
of long-lived workers, a bounded task queue, and surge workers up to the
maximum that retire after an idle keep-alive. Saturation never drops work;
when the queue is full at maximum size the task runs on the submitting
goroutine, which slows the partner's consumer without affecting any other
partner.

Workers are named "Partner-<id>-Worker-<n>". The name travels in the task
context and ends up in log lines and outcome records, so a stuck partner can
be traced to the exact worker. Worker 0 denotes a caller-side execution.
*/
package pool
