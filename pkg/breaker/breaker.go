package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/types"
)

// Breaker guards one partner's outbound calls with a count-based sliding
// window. Refused calls are counted but never enter the window, so an open
// breaker cannot poison its own recovery statistics.
type Breaker struct {
	partnerID    string
	threshold    float64
	minCalls     int
	openDuration time.Duration
	probeCount   int
	logger       zerolog.Logger
	now          func() time.Time

	mu             sync.Mutex
	state          types.BreakerState
	window         []bool
	count          int
	idx            int
	failures       int
	openedAt       time.Time
	probesInFlight int
	probesDone     int
	probeFailed    bool
	notPermitted   int64
}

// New creates a closed breaker sized from cfg.
func New(cfg types.PartnerConfig) *Breaker {
	b := &Breaker{
		partnerID:    cfg.PartnerID,
		threshold:    cfg.FailureRateThresholdPct,
		minCalls:     cfg.MinCallsBeforeEval,
		openDuration: cfg.OpenStateDuration,
		probeCount:   cfg.HalfOpenProbeCount,
		logger:       log.WithPartnerID(log.WithComponent("breaker"), cfg.PartnerID),
		now:          time.Now,
		state:        types.BreakerClosed,
		window:       make([]bool, cfg.SlidingWindowSize),
	}
	metrics.BreakerState.WithLabelValues(cfg.PartnerID).Set(0)
	return b
}

// Execute runs fn when the breaker permits it and records the outcome.
// Refused calls return ErrBreakerOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// Acquire asks for admission of one call. In the half-open state admission
// reserves a probe slot that must be returned through Record or Release.
// Callers that admit work before handing it to a pool use Acquire and Record
// directly; everyone else uses Execute.
func (b *Breaker) Acquire() error {
	return b.acquire()
}

// Record feeds the outcome of an admitted call into the window and drives
// state transitions.
func (b *Breaker) Record(err error) {
	b.record(err)
}

// Release returns an admission obtained from Acquire without recording an
// outcome, for calls that were never executed.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == types.BreakerHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		return nil
	case types.BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.transitionLocked(types.BreakerHalfOpen)
			b.probesInFlight = 1
			return nil
		}
	case types.BreakerHalfOpen:
		if b.probesInFlight+b.probesDone < b.probeCount {
			b.probesInFlight++
			return nil
		}
	}

	b.notPermitted++
	metrics.BreakerNotPermitted.WithLabelValues(b.partnerID).Inc()
	return fmt.Errorf("partner %s: %w", b.partnerID, types.ErrBreakerOpen)
}

func (b *Breaker) record(err error) {
	failed := err != nil

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.BreakerClosed:
		b.push(failed)
		if b.count >= b.minCalls && b.failureRateLocked() >= b.threshold {
			b.openLocked()
		}
	case types.BreakerHalfOpen:
		b.probesInFlight--
		b.probesDone++
		if failed {
			b.probeFailed = true
		}
		b.push(failed)
		if b.probeFailed {
			b.openLocked()
		} else if b.probesDone >= b.probeCount {
			b.closeLocked()
		}
	case types.BreakerOpen:
		// A call admitted before the breaker opened finished late. Keep the
		// outcome in the window; the open timer is not restarted.
		b.push(failed)
	}
}

// push appends one outcome to the ring window.
func (b *Breaker) push(failed bool) {
	if b.count == len(b.window) {
		if b.window[b.idx] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.idx] = failed
	if failed {
		b.failures++
	}
	b.idx = (b.idx + 1) % len(b.window)
}

func (b *Breaker) failureRateLocked() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count) * 100
}

func (b *Breaker) openLocked() {
	b.openedAt = b.now()
	b.transitionLocked(types.BreakerOpen)
}

func (b *Breaker) closeLocked() {
	b.resetWindowLocked()
	b.transitionLocked(types.BreakerClosed)
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.count = 0
	b.idx = 0
	b.failures = 0
}

func (b *Breaker) transitionLocked(to types.BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == types.BreakerHalfOpen || to == types.BreakerOpen {
		b.probesDone = 0
		b.probeFailed = false
		if to == types.BreakerOpen {
			b.probesInFlight = 0
		}
	}
	metrics.BreakerTransitions.WithLabelValues(b.partnerID, string(to)).Inc()
	metrics.BreakerState.WithLabelValues(b.partnerID).Set(stateGauge(to))
	b.logger.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Float64("failure_rate", b.failureRateLocked()).
		Msg("breaker state transition")
}

func stateGauge(s types.BreakerState) float64 {
	switch s {
	case types.BreakerOpen:
		return 1
	case types.BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

// ForceOpen opens the breaker regardless of statistics. Used by operators to
// shed a partner's traffic.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked()
}

// ForceHalfOpen moves the breaker to half-open with a fresh probe allowance.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == types.BreakerHalfOpen {
		return
	}
	b.probesInFlight = 0
	b.transitionLocked(types.BreakerHalfOpen)
}

// ForceClose closes the breaker and clears its window.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// State returns the current state. An expired open state is promoted to
// half-open by the next admission attempt, not here.
func (b *Breaker) State() types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a point-in-time snapshot.
func (b *Breaker) Stats() types.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.BreakerStats{
		PartnerID:                 b.partnerID,
		State:                     b.state,
		FailureRate:               b.failureRateLocked(),
		NumberOfCalls:             b.count,
		NumberOfSuccessfulCalls:   b.count - b.failures,
		NumberOfFailedCalls:       b.failures,
		NumberOfNotPermittedCalls: b.notPermitted,
	}
}
