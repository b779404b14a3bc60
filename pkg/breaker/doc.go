/*
Package breaker implements per-partner circuit breakers.

Each breaker keeps a count-based sliding window of recent call outcomes.
Once the window holds the configured minimum number of calls and the failure
rate reaches the threshold, the breaker opens and refuses calls for the open
state duration. It then admits a limited number of probe calls in half-open
state: one failed probe reopens it, a full set of successful probes closes it
and clears the window.

Refusals are reported through types.ErrBreakerOpen and counted separately
from call outcomes.
*/
package breaker
