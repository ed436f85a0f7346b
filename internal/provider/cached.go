package provider

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nielsarts/ai-authz-engine/internal/cache"
)

// DefaultCacheTTL is the lifetime of cached lookups when none is configured.
const DefaultCacheTTL = 5 * time.Second

// -----------------------------------------------------------------------------
// Cached Provider
// -----------------------------------------------------------------------------

// CachedProvider decorates a DataProvider with a short-lived cache keyed by
// the lookup arguments. Errors are never cached. A failing cache is logged and
// bypassed; the wrapped provider remains the source of truth.
type CachedProvider struct {
	next   DataProvider
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedProvider wraps next. A nil cache disables caching.
func NewCachedProvider(next DataProvider, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if c == nil {
		c = cache.Noop{}
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{next: next, cache: c, ttl: ttl, logger: logger}
}

var _ DataProvider = (*CachedProvider)(nil)

// Invalidate drops every cached lookup.
func (p *CachedProvider) Invalidate(ctx context.Context) error {
	return p.cache.Flush(ctx)
}

func (p *CachedProvider) GetUserGroups(ctx context.Context, user string) ([]string, error) {
	return cached(ctx, p, cacheKey("user_groups", user), func(ctx context.Context) ([]string, error) {
		return p.next.GetUserGroups(ctx, user)
	})
}

func (p *CachedProvider) GetApplicationDetails(ctx context.Context, appKey string) (*Application, error) {
	return cached(ctx, p, cacheKey("application", appKey), func(ctx context.Context) (*Application, error) {
		return p.next.GetApplicationDetails(ctx, appKey)
	})
}

func (p *CachedProvider) GetApplicationConfig(ctx context.Context, appKey string) (*ApplicationConfig, error) {
	return cached(ctx, p, cacheKey("application_config", appKey), func(ctx context.Context) (*ApplicationConfig, error) {
		return p.next.GetApplicationConfig(ctx, appKey)
	})
}

func (p *CachedProvider) GetApplicationPolicies(ctx context.Context, q PolicyQuery) ([]TraitPolicy, error) {
	key := cacheKey("application_policies", q.ApplicationKey, sortedCopy(q.Traits), q.User, sortedCopy(q.Groups), q.Role, q.Phase)
	return cached(ctx, p, key, func(ctx context.Context) ([]TraitPolicy, error) {
		return p.next.GetApplicationPolicies(ctx, q)
	})
}

func (p *CachedProvider) GetVectorDBDetails(ctx context.Context, name string) (*VectorDB, error) {
	return cached(ctx, p, cacheKey("vector_db", name), func(ctx context.Context) (*VectorDB, error) {
		return p.next.GetVectorDBDetails(ctx, name)
	})
}

func (p *CachedProvider) GetVectorDBPolicies(ctx context.Context, vectorDBID int64, user string, groups []string) ([]VectorDBPolicy, error) {
	key := cacheKey("vector_db_policies", vectorDBID, user, sortedCopy(groups))
	return cached(ctx, p, key, func(ctx context.Context) ([]VectorDBPolicy, error) {
		return p.next.GetVectorDBPolicies(ctx, vectorDBID, user, groups)
	})
}

// cached serves key from the cache or loads it and stores the result.
func cached[T any](ctx context.Context, p *CachedProvider, key string, load func(context.Context) (T, error)) (T, error) {
	if raw, ok, err := p.cache.Get(ctx, key); err != nil {
		p.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var value T
		if err := json.Unmarshal(raw, &value); err == nil {
			return value, nil
		}
		p.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		p.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return value, nil
	}
	if err := p.cache.Set(ctx, key, raw, p.ttl); err != nil {
		p.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// cacheKey builds an unambiguous key from the method name and its arguments.
func cacheKey(method string, args ...any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return method
	}
	return method + ":" + string(raw)
}

func sortedCopy(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return out
}
