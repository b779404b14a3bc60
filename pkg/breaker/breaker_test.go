package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couriermq/courier/pkg/types"
)

var errDownstream = errors.New("downstream failed")

func testConfig() types.PartnerConfig {
	cfg := types.DefaultPartnerConfig().WithPartnerID("acme")
	cfg.SlidingWindowSize = 10
	cfg.MinCallsBeforeEval = 4
	cfg.FailureRateThresholdPct = 50
	cfg.OpenStateDuration = 30 * time.Second
	cfg.HalfOpenProbeCount = 2
	return cfg
}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := New(testConfig())
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func succeed(ctx context.Context) error { return nil }
func fail(ctx context.Context) error    { return errDownstream }

func TestStaysClosedBelowMinCalls(t *testing.T) {
	b, _ := newTestBreaker(t)

	// Three failures, below the minimum of four evaluated calls.
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), fail), errDownstream)
	}
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.NoError(t, b.Execute(context.Background(), succeed))
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, types.BreakerClosed, b.State())

	// Fourth call reaches minCalls with a 50% failure rate.
	assert.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, types.BreakerOpen, b.State())
}

func TestOpenRefusesWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.ForceOpen()

	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, types.ErrBreakerOpen)
	assert.False(t, called)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.NumberOfNotPermittedCalls)
	// Refusals never enter the window.
	assert.Equal(t, 0, stats.NumberOfCalls)
}

func TestHalfOpenAfterOpenDuration(t *testing.T) {
	b, now := newTestBreaker(t)
	b.ForceOpen()

	*now = now.Add(31 * time.Second)

	// First call after the wait runs as a probe.
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, types.BreakerHalfOpen, b.State())

	// Second successful probe completes the set and closes the breaker.
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestFailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	b.ForceOpen()
	*now = now.Add(31 * time.Second)

	assert.ErrorIs(t, b.Execute(context.Background(), fail), errDownstream)
	assert.Equal(t, types.BreakerOpen, b.State())

	// Reopened: the open timer restarted at the probe failure.
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), types.ErrBreakerOpen)
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	b, now := newTestBreaker(t)
	b.ForceOpen()
	*now = now.Add(31 * time.Second)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	probe := func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}

	results := make(chan error, 2)
	go func() { results <- b.Execute(context.Background(), probe) }()
	<-started
	go func() { results <- b.Execute(context.Background(), probe) }()
	<-started

	// Both probe slots taken; a third call is refused.
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), types.ErrBreakerOpen)

	close(release)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestCloseClearsWindow(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), fail)
	}
	require.Equal(t, types.BreakerOpen, b.State())

	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))
	require.NoError(t, b.Execute(context.Background(), succeed))
	require.Equal(t, types.BreakerClosed, b.State())

	stats := b.Stats()
	assert.Equal(t, 0, stats.NumberOfCalls)
	assert.Equal(t, float64(0), stats.FailureRate)
}

func TestWindowEvictsOldestOutcome(t *testing.T) {
	cfg := testConfig()
	cfg.SlidingWindowSize = 4
	cfg.MinCallsBeforeEval = 4
	cfg.FailureRateThresholdPct = 60
	b := New(cfg)

	// Two failures then four successes: the failures age out of the window.
	b.Execute(context.Background(), fail)
	b.Execute(context.Background(), fail)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Execute(context.Background(), succeed))
	}

	stats := b.Stats()
	assert.Equal(t, 4, stats.NumberOfCalls)
	assert.Equal(t, 0, stats.NumberOfFailedCalls)
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestForceClose(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.ForceOpen()
	require.Equal(t, types.BreakerOpen, b.State())

	b.ForceClose()
	assert.Equal(t, types.BreakerClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeed))
}

func TestForceHalfOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.ForceOpen()

	b.ForceHalfOpen()
	require.Equal(t, types.BreakerHalfOpen, b.State())

	// Probes are admitted immediately, without waiting out the open state.
	require.NoError(t, b.Execute(context.Background(), succeed))
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestReleaseReturnsProbeSlot(t *testing.T) {
	b, now := newTestBreaker(t)
	b.ForceOpen()
	*now = now.Add(31 * time.Second)

	require.NoError(t, b.Acquire())
	require.NoError(t, b.Acquire())
	assert.ErrorIs(t, b.Acquire(), types.ErrBreakerOpen)

	// A released admission frees its probe slot for a replacement call.
	b.Release()
	require.NoError(t, b.Acquire())
	b.Record(nil)
	b.Record(nil)
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestStats(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Error(t, b.Execute(context.Background(), fail))

	stats := b.Stats()
	assert.Equal(t, "acme", stats.PartnerID)
	assert.Equal(t, types.BreakerClosed, stats.State)
	assert.Equal(t, 2, stats.NumberOfCalls)
	assert.Equal(t, 1, stats.NumberOfSuccessfulCalls)
	assert.Equal(t, 1, stats.NumberOfFailedCalls)
	assert.Equal(t, float64(50), stats.FailureRate)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	cfg := testConfig()

	b1 := r.GetOrCreate(cfg)
	b2 := r.GetOrCreate(cfg)
	assert.Same(t, b1, b2)

	assert.True(t, r.IsHealthy("acme"))
	assert.True(t, r.IsHealthy("unknown"))

	b1.ForceOpen()
	assert.False(t, r.IsHealthy("acme"))

	// Half-open is still probing, not yet healthy.
	b1.ForceHalfOpen()
	assert.False(t, r.IsHealthy("acme"))
	b1.ForceClose()
	assert.True(t, r.IsHealthy("acme"))

	b1.ForceOpen()
	stats, err := r.Stats("acme")
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, stats.State)

	_, err = r.Stats("ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)

	all := r.AllStats()
	assert.Len(t, all, 1)

	r.Remove("acme")
	_, ok := r.Get("acme")
	assert.False(t, ok)
}
