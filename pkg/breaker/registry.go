package breaker

import (
	"fmt"
	"sync"

	"github.com/couriermq/courier/pkg/types"
)

// Registry owns one Breaker per partner.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the partner's breaker, creating it from cfg when absent.
func (r *Registry) GetOrCreate(cfg types.PartnerConfig) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[cfg.PartnerID]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.PartnerID]; ok {
		return b
	}
	b := New(cfg)
	r.breakers[cfg.PartnerID] = b
	return b
}

// Get returns the partner's breaker if it exists.
func (r *Registry) Get(partnerID string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[partnerID]
	return b, ok
}

// Stats returns the snapshot for one partner's breaker.
func (r *Registry) Stats(partnerID string) (types.BreakerStats, error) {
	b, ok := r.Get(partnerID)
	if !ok {
		return types.BreakerStats{}, fmt.Errorf("breaker %s: %w", partnerID, types.ErrNotFound)
	}
	return b.Stats(), nil
}

// AllStats returns snapshots for every breaker keyed by partner id.
func (r *Registry) AllStats() map[string]types.BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.BreakerStats, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Stats()
	}
	return out
}

// IsHealthy reports whether the partner's breaker is closed. A half-open
// breaker is still probing and not yet healthy. Unknown partners are healthy;
// their breaker simply has not been created yet.
func (r *Registry) IsHealthy(partnerID string) bool {
	b, ok := r.Get(partnerID)
	if !ok {
		return true
	}
	return b.State() == types.BreakerClosed
}

// Remove discards the partner's breaker.
func (r *Registry) Remove(partnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, partnerID)
}
