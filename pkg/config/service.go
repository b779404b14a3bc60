package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/types"
)

// Listener receives change notifications after the in-memory snapshot has
// been updated.
type Listener func(types.Notification)

// Service keeps an in-memory snapshot of every partner configuration backed
// by a Store. Reads are served from memory; writes go through validation,
// persist to the store, then update the snapshot and fan out to listeners.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   zerolog.Logger

	mu        sync.RWMutex
	configs   map[string]types.PartnerConfig
	listeners []Listener
}

// NewService creates a service over store. Call Load before serving.
func NewService(store Store) *Service {
	return &Service{
		store:    store,
		validate: validator.New(),
		logger:   log.WithComponent("config"),
		configs:  make(map[string]types.PartnerConfig),
	}
}

// Subscribe registers a listener for configuration changes. Not safe to call
// concurrently with change delivery; register listeners during startup.
func (s *Service) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(n types.Notification) {
	for _, l := range s.listeners {
		l(n)
	}
}

// Load replaces the snapshot with the store contents. Store reads are
// retried so a transient outage does not abort startup.
func (s *Service) Load(ctx context.Context) error {
	var configs []types.PartnerConfig
	err := retry.Do(
		func() error {
			var err error
			configs, err = s.store.Load(ctx)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("load partner configs: %w", err)
	}

	s.mu.Lock()
	s.configs = make(map[string]types.PartnerConfig, len(configs))
	for _, cfg := range configs {
		normalize(&cfg)
		s.configs[cfg.PartnerID] = cfg
	}
	count := len(s.configs)
	s.mu.Unlock()

	s.logger.Info().Int("partners", count).Msg("partner configs loaded")
	return nil
}

// Reload re-reads the store and emits per-partner notifications for every
// difference against the previous snapshot.
func (s *Service) Reload(ctx context.Context) error {
	configs, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload partner configs: %w", err)
	}

	fresh := make(map[string]types.PartnerConfig, len(configs))
	for _, cfg := range configs {
		normalize(&cfg)
		fresh[cfg.PartnerID] = cfg
	}

	s.mu.Lock()
	old := s.configs
	s.configs = fresh
	s.mu.Unlock()

	var changes []types.Notification
	for id, cfg := range fresh {
		prev, existed := old[id]
		switch {
		case !existed:
			changes = append(changes, change(id, types.ChangeCreated, cfg.Version))
		case !reflect.DeepEqual(prev, cfg):
			changes = append(changes, change(id, types.ChangeUpdated, cfg.Version))
		}
	}
	for id, prev := range old {
		if _, ok := fresh[id]; !ok {
			changes = append(changes, change(id, types.ChangeDeleted, prev.Version))
		}
	}

	for _, n := range changes {
		s.notify(n)
	}
	s.logger.Info().Int("partners", len(fresh)).Int("changes", len(changes)).Msg("partner configs reloaded")
	return nil
}

func change(partnerID string, ct types.ChangeType, version int64) types.Notification {
	return types.Notification{
		PartnerID:  partnerID,
		ChangeType: ct,
		Version:    version,
		Timestamp:  time.Now().UnixMilli(),
		Source:     "config-service",
	}
}

// All returns every known configuration sorted by partner id.
func (s *Service) All() []types.PartnerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PartnerConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerID < out[j].PartnerID })
	return out
}

// PartnerIDs returns the ids of every configured partner, sorted.
func (s *Service) PartnerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.configs))
	for id := range s.configs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Get returns one partner's configuration or types.ErrNotFound.
func (s *Service) Get(partnerID string) (types.PartnerConfig, error) {
	if partnerID == "" {
		return types.PartnerConfig{}, fmt.Errorf("partner id is blank: %w", types.ErrInvalidRequest)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[partnerID]
	if !ok {
		return types.PartnerConfig{}, fmt.Errorf("partner %s: %w", partnerID, types.ErrNotFound)
	}
	return cfg, nil
}

// GetOrDefault returns the partner's configuration, falling back to the
// stored DEFAULT profile and finally the built-in defaults, re-keyed to
// partnerID.
func (s *Service) GetOrDefault(partnerID string) types.PartnerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.configs[partnerID]; ok {
		return cfg
	}
	if cfg, ok := s.configs[types.DefaultPartnerID]; ok {
		return cfg.WithPartnerID(partnerID)
	}
	return types.DefaultPartnerConfig().WithPartnerID(partnerID)
}

// Validate checks cfg against the configuration rules. Violations wrap
// types.ErrInvalidRequest. Submitted payloads are validated exactly as
// given; a zero CoreWorkers in an API request is a rejection, not an
// invitation to default.
func (s *Service) Validate(cfg *types.PartnerConfig) error {
	if err := s.validate.Struct(cfg); err != nil {
		return fmt.Errorf("config for %q: %v: %w", cfg.PartnerID, err, types.ErrInvalidRequest)
	}
	return nil
}

// normalize fills unset values from the built-in default profile. Applied
// only to documents read from the store, so a sparse document behaves like
// the DEFAULT partner.
func normalize(cfg *types.PartnerConfig) {
	def := types.DefaultPartnerConfig()
	if cfg.CoreWorkers == 0 {
		cfg.CoreWorkers = def.CoreWorkers
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.IdleKeepAlive == 0 {
		cfg.IdleKeepAlive = def.IdleKeepAlive
	}
	if cfg.FailureRateThresholdPct == 0 {
		cfg.FailureRateThresholdPct = def.FailureRateThresholdPct
	}
	if cfg.MinCallsBeforeEval == 0 {
		cfg.MinCallsBeforeEval = def.MinCallsBeforeEval
	}
	if cfg.OpenStateDuration == 0 {
		cfg.OpenStateDuration = def.OpenStateDuration
	}
	if cfg.SlidingWindowSize == 0 {
		cfg.SlidingWindowSize = def.SlidingWindowSize
	}
	if cfg.HalfOpenProbeCount == 0 {
		cfg.HalfOpenProbeCount = def.HalfOpenProbeCount
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = def.TokenLifetime
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = def.AuthMethod
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = def.APITimeout
	}
	if cfg.MaxConcurrentCalls == 0 {
		cfg.MaxConcurrentCalls = def.MaxConcurrentCalls
	}
	if cfg.Priority == "" {
		cfg.Priority = def.Priority
	}
}

// Apply validates, persists, and installs cfg, then notifies listeners. The
// stored version is incremented on every successful apply.
func (s *Service) Apply(ctx context.Context, cfg types.PartnerConfig) error {
	if err := s.Validate(&cfg); err != nil {
		return err
	}

	s.mu.RLock()
	prev, existed := s.configs[cfg.PartnerID]
	s.mu.RUnlock()

	cfg.Version = prev.Version + 1
	if err := s.store.Put(ctx, cfg); err != nil {
		return fmt.Errorf("persist config %s: %w", cfg.PartnerID, err)
	}

	s.mu.Lock()
	s.configs[cfg.PartnerID] = cfg
	s.mu.Unlock()

	ct := types.ChangeUpdated
	if !existed {
		ct = types.ChangeCreated
	}
	s.notify(change(cfg.PartnerID, ct, cfg.Version))
	s.logger.Info().
		Str("partner_id", cfg.PartnerID).
		Int64("version", cfg.Version).
		Str("change", string(ct)).
		Msg("partner config applied")
	return nil
}

// ApplyBulk applies each config independently. It returns the ids applied
// and a per-id error message for those rejected; one bad entry never blocks
// the rest.
func (s *Service) ApplyBulk(ctx context.Context, configs []types.PartnerConfig) (successes []string, failures map[string]string) {
	failures = make(map[string]string)
	for _, cfg := range configs {
		if err := s.Apply(ctx, cfg); err != nil {
			key := cfg.PartnerID
			if key == "" {
				key = "(blank)"
			}
			failures[key] = err.Error()
			continue
		}
		successes = append(successes, cfg.PartnerID)
	}
	return successes, failures
}

// Remove deletes the partner's configuration and notifies listeners.
func (s *Service) Remove(ctx context.Context, partnerID string) error {
	if partnerID == "" {
		return fmt.Errorf("partner id is blank: %w", types.ErrInvalidRequest)
	}

	s.mu.RLock()
	prev, existed := s.configs[partnerID]
	s.mu.RUnlock()
	if !existed {
		return fmt.Errorf("partner %s: %w", partnerID, types.ErrNotFound)
	}

	if err := s.store.Delete(ctx, partnerID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.configs, partnerID)
	s.mu.Unlock()

	s.notify(change(partnerID, types.ChangeDeleted, prev.Version))
	s.logger.Info().Str("partner_id", partnerID).Msg("partner config removed")
	return nil
}

// HandleNotification refreshes one partner from the store in response to an
// external change webhook, then forwards the notification to listeners.
func (s *Service) HandleNotification(ctx context.Context, n types.Notification) error {
	if err := s.validate.Struct(n); err != nil {
		return fmt.Errorf("notification: %v: %w", err, types.ErrInvalidRequest)
	}

	switch n.ChangeType {
	case types.ChangeDeleted:
		s.mu.Lock()
		delete(s.configs, n.PartnerID)
		s.mu.Unlock()
	default:
		cfg, err := s.store.Get(ctx, n.PartnerID)
		if err != nil {
			return fmt.Errorf("refresh %s after notification: %w", n.PartnerID, err)
		}
		normalize(&cfg)
		s.mu.Lock()
		s.configs[n.PartnerID] = cfg
		s.mu.Unlock()
	}

	s.notify(n)
	s.logger.Info().
		Str("partner_id", n.PartnerID).
		Str("change", string(n.ChangeType)).
		Msg("config change notification handled")
	return nil
}
