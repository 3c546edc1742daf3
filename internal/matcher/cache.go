package matcher

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twistermc/attach-images/internal/cache"
)

const (
	// DefaultPrefix namespaces match results inside a shared store
	DefaultPrefix = "attach_img_"

	// DefaultPositiveTTL keeps a found document for an hour
	DefaultPositiveTTL = time.Hour

	// DefaultNegativeTTL re-checks misses after half an hour
	DefaultNegativeTTL = 30 * time.Minute
)

// CachePolicy controls key namespacing and expiry of cached results
type CachePolicy struct {
	Prefix      string
	PositiveTTL time.Duration
	NegativeTTL time.Duration
}

// DefaultCachePolicy returns the standard policy
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		Prefix:      DefaultPrefix,
		PositiveTTL: DefaultPositiveTTL,
		NegativeTTL: DefaultNegativeTTL,
	}
}

// Cache remembers match results per attachment. Store failures never
// surface to callers: a failed read is a miss and a failed write is dropped.
type Cache struct {
	store  cache.Store
	policy CachePolicy
	obs    Observer
}

// NewCache wraps store with policy; zero policy fields take defaults
func NewCache(store cache.Store, policy CachePolicy) *Cache {
	defaults := DefaultCachePolicy()
	if policy.Prefix == "" {
		policy.Prefix = defaults.Prefix
	}
	if policy.PositiveTTL <= 0 {
		policy.PositiveTTL = defaults.PositiveTTL
	}
	if policy.NegativeTTL <= 0 {
		policy.NegativeTTL = defaults.NegativeTTL
	}
	return &Cache{store: store, policy: policy, obs: nopObserver{}}
}

// Policy returns the effective policy
func (c *Cache) Policy() CachePolicy {
	return c.policy
}

// Key returns the store key for an attachment
func (c *Cache) Key(attachmentID int64) string {
	return c.policy.Prefix + strconv.FormatInt(attachmentID, 10)
}

// Get returns the cached result for an attachment
func (c *Cache) Get(ctx context.Context, attachmentID int64) (Result, bool) {
	raw, ok, err := c.store.Get(ctx, c.Key(attachmentID))
	if err != nil {
		log.Warn().Err(err).Int64("attachment", attachmentID).Msg("matcher: cache read failed, searching live")
		c.obs.CacheError()
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		log.Warn().Err(err).Int64("attachment", attachmentID).Msg("matcher: discarding unreadable cache entry")
		return Result{}, false
	}
	return result, true
}

// Set stores a result with the TTL matching its kind
func (c *Cache) Set(ctx context.Context, attachmentID int64, result Result) {
	ttl := c.policy.NegativeTTL
	if result.Found {
		ttl = c.policy.PositiveTTL
	}

	raw, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Int64("attachment", attachmentID).Msg("matcher: encode cache entry")
		return
	}

	if err := c.store.Set(ctx, c.Key(attachmentID), raw, ttl); err != nil {
		log.Warn().Err(err).Int64("attachment", attachmentID).Msg("matcher: cache write failed")
		c.obs.CacheError()
	}
}

// InvalidateAll drops every cached match result and nothing else in the store
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	removed, err := c.store.DeletePrefix(ctx, c.policy.Prefix)
	if err != nil {
		return removed, err
	}
	log.Info().Int("removed", removed).Str("prefix", c.policy.Prefix).Msg("matcher: cache cleared")
	return removed, nil
}
