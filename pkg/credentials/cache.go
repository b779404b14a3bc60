package credentials

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/types"
)

// expiryMargin is subtracted from a token's lifetime so a token nearing
// expiry is refreshed before a forward attempt can race the deadline.
const expiryMargin = 30 * time.Second

// credential is one partner's cached bearer credential. The refresh grant is
// carried when the provider issues one; renewal always re-runs the exchange
// with the partner's configured grant.
type credential struct {
	value        string
	refreshToken string
	issuedAt     time.Time
	expiresAt    time.Time
}

// Cache holds one bearer token per partner. Lookups on a missing or expiring
// token trigger a refresh through singleflight, so concurrent workers for the
// same partner share one token endpoint call.
type Cache struct {
	client *http.Client
	group  singleflight.Group
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	tokens map[string]credential

	refreshes atomic.Int64
	failures  atomic.Int64
}

// NewCache creates a cache using client for token endpoint calls. A nil
// client falls back to http.DefaultClient.
func NewCache(client *http.Client) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		client: client,
		logger: log.WithComponent("credentials"),
		now:    time.Now,
		tokens: make(map[string]credential),
	}
}

// EnsureValid returns a token for the partner that is good for at least the
// expiry margin, refreshing it when needed.
func (c *Cache) EnsureValid(ctx context.Context, cfg types.PartnerConfig) (string, error) {
	if tok, ok := c.lookup(cfg.PartnerID); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(cfg.PartnerID, func() (interface{}, error) {
		// A concurrent caller may have refreshed while this one queued.
		if tok, ok := c.lookup(cfg.PartnerID); ok {
			return tok, nil
		}
		return c.refresh(ctx, cfg)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) lookup(partnerID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[partnerID]
	if !ok || !tok.expiresAt.After(c.now().Add(expiryMargin)) {
		return "", false
	}
	return tok.value, true
}

func (c *Cache) refresh(ctx context.Context, cfg types.PartnerConfig) (string, error) {
	c.refreshes.Add(1)
	value, refreshTok, err := c.exchange(ctx, cfg)
	if err != nil {
		c.failures.Add(1)
		metrics.TokenRefreshes.WithLabelValues(cfg.PartnerID, "failure").Inc()
		c.logger.Error().Err(err).Str("partner_id", cfg.PartnerID).Msg("token refresh failed")
		return "", fmt.Errorf("refresh token for %s: %w", cfg.PartnerID, err)
	}

	now := c.now()
	c.mu.Lock()
	c.tokens[cfg.PartnerID] = credential{
		value:        value,
		refreshToken: refreshTok,
		issuedAt:     now,
		expiresAt:    now.Add(cfg.TokenLifetime),
	}
	metrics.TokensCached.Set(float64(len(c.tokens)))
	c.mu.Unlock()

	metrics.TokenRefreshes.WithLabelValues(cfg.PartnerID, "success").Inc()
	c.logger.Info().Str("partner_id", cfg.PartnerID).Msg("token refreshed")
	return value, nil
}

// Invalidate drops the partner's cached token so the next lookup refreshes.
// Called after a 401/403 from the partner's API.
func (c *Cache) Invalidate(partnerID string) {
	c.mu.Lock()
	delete(c.tokens, partnerID)
	metrics.TokensCached.Set(float64(len(c.tokens)))
	c.mu.Unlock()
	c.logger.Info().Str("partner_id", partnerID).Msg("token invalidated")
}

// Header returns the header name and value carrying the token on forwarded
// requests, applying the partner's naming overrides.
func (c *Cache) Header(cfg types.PartnerConfig, tok string) (string, string) {
	name := cfg.AuthBody.HeaderName
	if name == "" {
		name = "Authorization"
	}
	prefix := cfg.AuthBody.HeaderPrefix
	if prefix == "" {
		prefix = "Bearer"
	}
	return name, prefix + " " + tok
}

// Stats returns cache counters for monitoring.
func (c *Cache) Stats() types.CacheStats {
	c.mu.RLock()
	cached := 0
	now := c.now()
	for _, tok := range c.tokens {
		if tok.expiresAt.After(now) {
			cached++
		}
	}
	c.mu.RUnlock()

	return types.CacheStats{
		CachedTokens:    cached,
		RefreshCount:    c.refreshes.Load(),
		RefreshFailures: c.failures.Load(),
	}
}
