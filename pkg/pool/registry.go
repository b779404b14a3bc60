package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/types"
)

// Registry owns one Pool per partner. Pools are created lazily on first use
// and torn down when the partner's route is removed.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pools:  make(map[string]*Pool),
		logger: log.WithComponent("pool"),
	}
}

// GetOrCreate returns the partner's pool, creating it from cfg when absent.
func (r *Registry) GetOrCreate(cfg types.PartnerConfig) *Pool {
	r.mu.RLock()
	if p, ok := r.pools[cfg.PartnerID]; ok {
		r.mu.RUnlock()
		return p
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[cfg.PartnerID]; ok {
		return p
	}
	p := New(cfg)
	r.pools[cfg.PartnerID] = p
	metrics.PoolsTotal.Set(float64(len(r.pools)))
	return p
}

// Get returns the partner's pool if it exists.
func (r *Registry) Get(partnerID string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[partnerID]
	return p, ok
}

// Stats returns the snapshot for one partner's pool.
func (r *Registry) Stats(partnerID string) (types.PoolStats, error) {
	p, ok := r.Get(partnerID)
	if !ok {
		return types.PoolStats{}, fmt.Errorf("pool %s: %w", partnerID, types.ErrNotFound)
	}
	return p.Stats(), nil
}

// AllStats returns snapshots for every live pool keyed by partner id.
func (r *Registry) AllStats() map[string]types.PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.PoolStats, len(r.pools))
	for id, p := range r.pools {
		out[id] = p.Stats()
	}
	return out
}

// Shutdown drains one partner's pool and removes it from the registry.
func (r *Registry) Shutdown(ctx context.Context, partnerID string, graceful bool) error {
	r.mu.Lock()
	p, ok := r.pools[partnerID]
	if ok {
		delete(r.pools, partnerID)
		metrics.PoolsTotal.Set(float64(len(r.pools)))
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("pool %s: %w", partnerID, types.ErrNotFound)
	}
	return p.Shutdown(ctx, graceful)
}

// ShutdownAll drains every pool in sorted partner-id order, so shutdown logs
// and error aggregation are deterministic. Errors are aggregated so one slow
// pool does not mask the rest.
func (r *Registry) ShutdownAll(ctx context.Context, graceful bool) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	metrics.PoolsTotal.Set(0)
	r.mu.Unlock()

	var errs []error
	for _, id := range orderedIDs(pools) {
		if err := pools[id].Shutdown(ctx, graceful); err != nil {
			r.logger.Error().Err(err).Str("partner_id", id).Msg("pool shutdown failed")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown of %d pools failed: %w", len(errs), errs[0])
	}
	return nil
}

func orderedIDs(pools map[string]*Pool) []string {
	ids := make([]string, 0, len(pools))
	for id := range pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
