package routes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/breaker"
	"github.com/couriermq/courier/pkg/broker"
	"github.com/couriermq/courier/pkg/config"
	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/pool"
	"github.com/couriermq/courier/pkg/types"
)

// DefaultReloadInterval is the periodic safety-net reconcile cadence.
const DefaultReloadInterval = 300 * time.Second

// drainTimeout bounds how long a route replacement waits for in-flight work.
const drainTimeout = 30 * time.Second

// RouteStatus describes one active route for the control API.
type RouteStatus struct {
	RouteID       string    `json:"routeId"`
	PartnerID     string    `json:"partnerId"`
	ConfigVersion int64     `json:"configVersion"`
	Queue         string    `json:"queue"`
	StartedAt     time.Time `json:"startedAt"`
}

type activeRoute struct {
	partnerID     string
	configVersion int64
	consumer      broker.Consumer
	startedAt     time.Time
}

// Manager keeps one running consumer route per configured partner and
// converges the route table whenever configuration changes: on change
// notifications, on demand from the control API, and on a periodic reload.
type Manager struct {
	service        *config.Service
	factory        broker.ConsumerFactory
	pools          *pool.Registry
	breakers       *breaker.Registry
	reloadInterval time.Duration
	logger         zerolog.Logger

	mu     sync.RWMutex
	routes map[string]*activeRoute

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager and subscribes it to the config service's
// change stream.
func NewManager(service *config.Service, factory broker.ConsumerFactory, pools *pool.Registry, breakers *breaker.Registry, reloadInterval time.Duration) *Manager {
	if reloadInterval <= 0 {
		reloadInterval = DefaultReloadInterval
	}
	m := &Manager{
		service:        service,
		factory:        factory,
		pools:          pools,
		breakers:       breakers,
		reloadInterval: reloadInterval,
		logger:         log.WithComponent("routes"),
		routes:         make(map[string]*activeRoute),
		locks:          make(map[string]*sync.Mutex),
	}
	service.Subscribe(m.onChange)
	return m
}

func (m *Manager) onChange(n types.Notification) {
	if err := m.Reconcile(context.Background(), n.PartnerID); err != nil {
		m.logger.Error().Err(err).
			Str("partner_id", n.PartnerID).
			Str("change", string(n.ChangeType)).
			Msg("reconcile after change failed")
	}
}

// partnerLock serializes reconciliation per partner while letting different
// partners reconcile in parallel.
func (m *Manager) partnerLock(partnerID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[partnerID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[partnerID] = l
	}
	return l
}

// Start reconciles every configured partner and begins the periodic reload.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ReconcileAll(ctx, "startup"); err != nil {
		return err
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.reloadLoop()

	m.logger.Info().
		Dur("reload_interval", m.reloadInterval).
		Int("routes", m.ActiveRouteCount()).
		Msg("route manager started")
	return nil
}

func (m *Manager) reloadLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.reloadInterval/2)
			if err := m.ReconcileAll(ctx, "periodic"); err != nil {
				m.logger.Error().Err(err).Msg("periodic reconcile failed")
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the reload loop, stops every route, and drains all pools.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
		m.stopCh = nil
	}

	m.mu.Lock()
	routes := m.routes
	m.routes = make(map[string]*activeRoute)
	metrics.RoutesActive.Set(0)
	m.mu.Unlock()

	var errs []error
	for id, rt := range routes {
		if err := rt.consumer.Stop(ctx); err != nil {
			m.logger.Error().Err(err).Str("partner_id", id).Msg("consumer stop failed")
			errs = append(errs, err)
		}
	}
	if err := m.pools.ShutdownAll(ctx, true); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("route manager stop: %w", errs[0])
	}
	m.logger.Info().Msg("route manager stopped")
	return nil
}

// Reconcile converges one partner's route with its stored configuration:
// creates a missing route, replaces one whose config version changed, and
// tears down the route of a deleted partner. Reconcile is idempotent.
func (m *Manager) Reconcile(ctx context.Context, partnerID string) error {
	if partnerID == "" {
		return fmt.Errorf("partner id is blank: %w", types.ErrInvalidRequest)
	}
	// The DEFAULT document is a profile, not a partner; it never gets a route.
	if partnerID == types.DefaultPartnerID {
		return nil
	}

	l := m.partnerLock(partnerID)
	l.Lock()
	defer l.Unlock()

	cfg, err := m.service.Get(partnerID)
	if errors.Is(err, types.ErrNotFound) {
		return m.removeRoute(ctx, partnerID)
	}
	if err != nil {
		return err
	}

	m.mu.RLock()
	current, exists := m.routes[partnerID]
	m.mu.RUnlock()

	if exists && current.configVersion == cfg.Version {
		return nil
	}
	if exists {
		m.logger.Info().
			Str("partner_id", partnerID).
			Int64("old_version", current.configVersion).
			Int64("new_version", cfg.Version).
			Msg("config changed, replacing route")
		if err := m.teardown(ctx, partnerID, current, false); err != nil {
			return err
		}
	}
	return m.startRoute(ctx, cfg)
}

func (m *Manager) startRoute(ctx context.Context, cfg types.PartnerConfig) error {
	consumer, err := m.factory(cfg)
	if err != nil {
		return fmt.Errorf("build consumer for %s: %w", cfg.PartnerID, err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start route %s: %w", types.RouteID(cfg.PartnerID), err)
	}

	m.mu.Lock()
	m.routes[cfg.PartnerID] = &activeRoute{
		partnerID:     cfg.PartnerID,
		configVersion: cfg.Version,
		consumer:      consumer,
		startedAt:     time.Now(),
	}
	metrics.RoutesActive.Set(float64(len(m.routes)))
	m.mu.Unlock()

	m.logger.Info().
		Str("partner_id", cfg.PartnerID).
		Str("route_id", types.RouteID(cfg.PartnerID)).
		Int64("version", cfg.Version).
		Msg("route started")
	return nil
}

func (m *Manager) removeRoute(ctx context.Context, partnerID string) error {
	m.mu.RLock()
	current, exists := m.routes[partnerID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	if err := m.teardown(ctx, partnerID, current, true); err != nil {
		return err
	}
	m.logger.Info().Str("partner_id", partnerID).Msg("route removed")
	return nil
}

// teardown stops the consumer and drains the partner's pool. The breaker
// persists across config replacements so failure history survives an update;
// dropBreaker discards it when the partner itself is removed.
func (m *Manager) teardown(ctx context.Context, partnerID string, rt *activeRoute, dropBreaker bool) error {
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	if err := rt.consumer.Stop(drainCtx); err != nil {
		return fmt.Errorf("stop route %s: %w", types.RouteID(partnerID), err)
	}
	if err := m.pools.Shutdown(drainCtx, partnerID, true); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if dropBreaker {
		m.breakers.Remove(partnerID)
	}

	m.mu.Lock()
	delete(m.routes, partnerID)
	metrics.RoutesActive.Set(float64(len(m.routes)))
	m.mu.Unlock()
	return nil
}

// ReconcileAll reloads the store and reconciles the union of configured and
// active partners, so stale routes are torn down and missing ones created.
func (m *Manager) ReconcileAll(ctx context.Context, trigger string) error {
	metrics.RouteReloads.WithLabelValues(trigger).Inc()

	if err := m.service.Reload(ctx); err != nil {
		return err
	}

	ids := make(map[string]struct{})
	for _, id := range m.service.PartnerIDs() {
		ids[id] = struct{}{}
	}
	m.mu.RLock()
	for id := range m.routes {
		ids[id] = struct{}{}
	}
	m.mu.RUnlock()

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var errs []error
	for _, id := range ordered {
		if err := m.Reconcile(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("partner_id", id).Msg("reconcile failed")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("reconcile of %d partners failed: %w", len(errs), errs[0])
	}
	return nil
}

// HasActiveRoute reports whether the partner has a running route.
func (m *Manager) HasActiveRoute(partnerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.routes[partnerID]
	return ok
}

// ActiveRouteCount returns the number of running routes.
func (m *Manager) ActiveRouteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}

// ActiveRoutes returns the status of every running route keyed by partner.
func (m *Manager) ActiveRoutes() map[string]RouteStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]RouteStatus, len(m.routes))
	for id, rt := range m.routes {
		out[id] = RouteStatus{
			RouteID:       types.RouteID(id),
			PartnerID:     id,
			ConfigVersion: rt.configVersion,
			Queue:         types.PartnerConfig{PartnerID: id}.QueueName(),
			StartedAt:     rt.startedAt,
		}
	}
	return out
}
