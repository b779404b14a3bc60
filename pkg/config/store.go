package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/couriermq/courier/pkg/types"
)

// Store persists partner configuration documents.
type Store interface {
	// Load returns every stored configuration.
	Load(ctx context.Context) ([]types.PartnerConfig, error)
	// Get returns one partner's configuration or types.ErrNotFound.
	Get(ctx context.Context, partnerID string) (types.PartnerConfig, error)
	// Put inserts or replaces a configuration.
	Put(ctx context.Context, cfg types.PartnerConfig) error
	// Delete removes a configuration or returns types.ErrNotFound.
	Delete(ctx context.Context, partnerID string) error
}

// MemoryStore is an in-process Store used in tests and standalone mode.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]types.PartnerConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]types.PartnerConfig)}
}

func (s *MemoryStore) Load(ctx context.Context) ([]types.PartnerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PartnerConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, partnerID string) (types.PartnerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[partnerID]
	if !ok {
		return types.PartnerConfig{}, fmt.Errorf("partner %s: %w", partnerID, types.ErrNotFound)
	}
	return cfg, nil
}

func (s *MemoryStore) Put(ctx context.Context, cfg types.PartnerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.PartnerID] = cfg
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, partnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[partnerID]; !ok {
		return fmt.Errorf("partner %s: %w", partnerID, types.ErrNotFound)
	}
	delete(s.configs, partnerID)
	return nil
}
