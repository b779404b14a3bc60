package routes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couriermq/courier/pkg/breaker"
	"github.com/couriermq/courier/pkg/broker"
	"github.com/couriermq/courier/pkg/config"
	"github.com/couriermq/courier/pkg/pool"
	"github.com/couriermq/courier/pkg/types"
)

type fakeConsumer struct {
	queue   string
	started atomic.Int64
	stopped atomic.Int64
}

func (f *fakeConsumer) Start(ctx context.Context) error { f.started.Add(1); return nil }
func (f *fakeConsumer) Stop(ctx context.Context) error  { f.stopped.Add(1); return nil }
func (f *fakeConsumer) Queue() string                   { return f.queue }

type fakeFactory struct {
	mu        sync.Mutex
	consumers map[string][]*fakeConsumer
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{consumers: make(map[string][]*fakeConsumer)}
}

func (f *fakeFactory) build(cfg types.PartnerConfig) (broker.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConsumer{queue: cfg.QueueName()}
	f.consumers[cfg.PartnerID] = append(f.consumers[cfg.PartnerID], c)
	return c, nil
}

func (f *fakeFactory) count(partnerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consumers[partnerID])
}

func (f *fakeFactory) latest(partnerID string) *fakeConsumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.consumers[partnerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func newTestManager(t *testing.T, interval time.Duration) (*Manager, *config.Service, *config.MemoryStore, *fakeFactory) {
	t.Helper()
	store := config.NewMemoryStore()
	service := config.NewService(store)
	factory := newFakeFactory()
	m := NewManager(service, factory.build, pool.NewRegistry(), breaker.NewRegistry(), interval)
	return m, service, store, factory
}

func partnerConfig(id string) types.PartnerConfig {
	return types.DefaultPartnerConfig().WithPartnerID(id)
}

func TestApplyCreatesRoute(t *testing.T) {
	m, service, _, factory := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))

	assert.True(t, m.HasActiveRoute("acme"))
	assert.Equal(t, 1, m.ActiveRouteCount())
	assert.Equal(t, 1, factory.count("acme"))
	assert.Equal(t, int64(1), factory.latest("acme").started.Load())
}

func TestReconcileIsIdempotent(t *testing.T) {
	m, service, _, factory := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))
	require.NoError(t, m.Reconcile(context.Background(), "acme"))
	require.NoError(t, m.Reconcile(context.Background(), "acme"))

	// Same config version: the original consumer keeps running.
	assert.Equal(t, 1, factory.count("acme"))
	assert.Equal(t, int64(0), factory.latest("acme").stopped.Load())
}

func TestVersionChangeReplacesRoute(t *testing.T) {
	m, service, _, factory := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))
	first := factory.latest("acme")

	updated := partnerConfig("acme")
	updated.CoreWorkers = 8
	require.NoError(t, service.Apply(context.Background(), updated))

	assert.Equal(t, 2, factory.count("acme"))
	assert.Equal(t, int64(1), first.stopped.Load())
	assert.Equal(t, int64(1), factory.latest("acme").started.Load())

	status := m.ActiveRoutes()["acme"]
	assert.Equal(t, int64(2), status.ConfigVersion)
}

func TestBreakerSurvivesRouteReplacement(t *testing.T) {
	store := config.NewMemoryStore()
	service := config.NewService(store)
	factory := newFakeFactory()
	breakers := breaker.NewRegistry()
	m := NewManager(service, factory.build, pool.NewRegistry(), breakers, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))
	require.True(t, m.HasActiveRoute("acme"))

	b := breakers.GetOrCreate(service.GetOrDefault("acme"))
	b.ForceOpen()

	updated := partnerConfig("acme")
	updated.CoreWorkers = 8
	require.NoError(t, service.Apply(context.Background(), updated))

	// The replacement route inherits the partner's failure history.
	kept, ok := breakers.Get("acme")
	require.True(t, ok)
	assert.Same(t, b, kept)
	assert.Equal(t, types.BreakerOpen, kept.State())

	// Removing the partner discards the breaker along with the route.
	require.NoError(t, service.Remove(context.Background(), "acme"))
	_, ok = breakers.Get("acme")
	assert.False(t, ok)
}

func TestRemoveTearsDownRoute(t *testing.T) {
	m, service, _, factory := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))
	require.NoError(t, service.Remove(context.Background(), "acme"))

	assert.False(t, m.HasActiveRoute("acme"))
	assert.Equal(t, int64(1), factory.latest("acme").stopped.Load())
}

func TestDefaultProfileGetsNoRoute(t *testing.T) {
	m, service, _, factory := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig(types.DefaultPartnerID)))

	assert.False(t, m.HasActiveRoute(types.DefaultPartnerID))
	assert.Equal(t, 0, factory.count(types.DefaultPartnerID))
}

func TestReconcileUnknownPartnerIsNoop(t *testing.T) {
	m, _, _, _ := newTestManager(t, time.Hour)

	require.NoError(t, m.Reconcile(context.Background(), "ghost"))
	assert.False(t, m.HasActiveRoute("ghost"))

	assert.ErrorIs(t, m.Reconcile(context.Background(), ""), types.ErrInvalidRequest)
}

func TestReconcileAllConvergesWithStore(t *testing.T) {
	m, _, store, factory := newTestManager(t, time.Hour)

	// Created behind the service's back.
	cfg := partnerConfig("acme")
	cfg.Version = 1
	require.NoError(t, store.Put(context.Background(), cfg))
	require.NoError(t, m.ReconcileAll(context.Background(), "test"))
	assert.True(t, m.HasActiveRoute("acme"))

	// Deleted behind the service's back.
	require.NoError(t, store.Delete(context.Background(), "acme"))
	require.NoError(t, m.ReconcileAll(context.Background(), "test"))
	assert.False(t, m.HasActiveRoute("acme"))
	assert.Equal(t, int64(1), factory.latest("acme").stopped.Load())
}

func TestActiveRoutesStatus(t *testing.T) {
	m, service, _, _ := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))

	status, ok := m.ActiveRoutes()["acme"]
	require.True(t, ok)
	assert.Equal(t, "Partner:acme:Main", status.RouteID)
	assert.Equal(t, "partner.acme.queue", status.Queue)
	assert.Equal(t, int64(1), status.ConfigVersion)
	assert.WithinDuration(t, time.Now(), status.StartedAt, time.Second)
}

func TestStartReconcilesExistingConfigs(t *testing.T) {
	m, _, store, _ := newTestManager(t, time.Hour)

	cfg := partnerConfig("acme")
	cfg.Version = 3
	require.NoError(t, store.Put(context.Background(), cfg))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	assert.True(t, m.HasActiveRoute("acme"))
}

func TestPeriodicReloadPicksUpChanges(t *testing.T) {
	m, _, store, _ := newTestManager(t, 20*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	cfg := partnerConfig("acme")
	cfg.Version = 1
	require.NoError(t, store.Put(context.Background(), cfg))

	assert.Eventually(t, func() bool {
		return m.HasActiveRoute("acme")
	}, time.Second, 10*time.Millisecond)
}

func TestStopTearsDownAllRoutes(t *testing.T) {
	m, service, _, factory := newTestManager(t, time.Hour)

	require.NoError(t, service.Apply(context.Background(), partnerConfig("acme")))
	require.NoError(t, service.Apply(context.Background(), partnerConfig("globex")))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, 0, m.ActiveRouteCount())
	assert.Equal(t, int64(1), factory.latest("acme").stopped.Load())
	assert.Equal(t, int64(1), factory.latest("globex").stopped.Load())
}
